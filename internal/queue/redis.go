package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/timmy/harvest/internal/config"
	"github.com/timmy/harvest/internal/errors"
	"github.com/timmy/harvest/internal/logger"
)

const (
	redisKeyPrefix   = "harvest:queue:"
	redisPollTimeout = time.Second
)

// Redis is a Broker backed by Redis lists: LPUSH to publish, BRPOP to
// consume. A popped message counts as acknowledged.
type Redis struct {
	client *redis.Client
	owned  bool
}

// NewRedis connects to the server in cfg.
func NewRedis(ctx context.Context, cfg *config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "redis connect %s", cfg.Addr)
	}
	return &Redis{client: client, owned: true}, nil
}

// NewRedisWithClient wraps an existing client. Close leaves it open.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func redisKey(queue string) string {
	return redisKeyPrefix + queue
}

// Publish pushes body onto the queue's list.
func (r *Redis) Publish(ctx context.Context, queue string, body []byte) error {
	return r.client.LPush(ctx, redisKey(queue), body).Err()
}

// Consume pops messages until ctx is done.
func (r *Redis) Consume(ctx context.Context, queue string, handler Handler) error {
	key := redisKey(queue)
	log := logger.FromContext(ctx).WithField(logger.FieldQueue, queue)
	log.Info("Consuming from redis queue")

	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := r.client.BRPop(ctx, redisPollTimeout, key).Result()
		switch {
		case err == redis.Nil:
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Warn("BRPOP failed, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(redisPollTimeout):
			}
			continue
		}
		// res is [key, value]
		deliver(ctx, queue, handler, []byte(res[1]))
	}
}

// Len returns the number of waiting messages.
func (r *Redis) Len(ctx context.Context, queue string) (int64, error) {
	return r.client.LLen(ctx, redisKey(queue)).Result()
}

// Close closes the client when NewRedis created it.
func (r *Redis) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}
