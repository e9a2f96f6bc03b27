// Package lock serialises job creation per source, within one process or
// across processes sharing a Redis server.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/timmy/harvest/internal/config"
	"github.com/timmy/harvest/internal/errors"
)

const retryInterval = 25 * time.Millisecond

// Locker acquires named locks. Acquire blocks until the lock is held or ctx
// is done; the returned func releases it.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// New builds the locker selected by cfg.Lock.Backend.
func New(ctx context.Context, cfg *config.Config) (Locker, error) {
	switch cfg.Lock.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, errors.Wrapf(err, "redis connect %s", cfg.Redis.Addr)
		}
		return NewRedis(client, cfg.Lock.TTL), nil
	default:
		return nil, fmt.Errorf("unsupported lock backend: %s", cfg.Lock.Backend)
	}
}

// Memory is an in-process Locker.
type Memory struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewMemory creates an in-process Locker.
func NewMemory() *Memory {
	return &Memory{slots: make(map[string]chan struct{})}
}

func (m *Memory) slot(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.slots[key] = ch
	}
	return ch
}

// Acquire takes the lock for key.
func (m *Memory) Acquire(ctx context.Context, key string) (func(), error) {
	ch := m.slot(key)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "acquire lock %s", key)
	}
}

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker using SET NX with an expiry. A holder that dies leaves
// the lock to expire after ttl.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedis creates a Redis-backed Locker.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{client: client, ttl: ttl, prefix: "harvest:lock:"}
}

// Acquire polls SET NX until it succeeds or ctx is done.
func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	full := r.prefix + key

	for {
		ok, err := r.client.SetNX(ctx, full, token, r.ttl).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "acquire lock %s", key)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					// the caller's ctx may be gone by now
					releaseScript.Run(context.Background(), r.client, []string{full}, token)
				})
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "acquire lock %s", key)
		case <-time.After(retryInterval):
		}
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generate lock token")
	}
	return hex.EncodeToString(b), nil
}
