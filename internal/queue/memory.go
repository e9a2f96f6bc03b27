package queue

import (
	"context"
	"sync"
)

// Memory is an in-process Broker. Messages live as long as the process.
type Memory struct {
	mu     sync.Mutex
	queues map[string][][]byte
	notify map[string]chan struct{}
	closed bool
}

// NewMemory creates an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{
		queues: make(map[string][][]byte),
		notify: make(map[string]chan struct{}),
	}
}

func (m *Memory) signal(queue string) chan struct{} {
	ch, ok := m.notify[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		m.notify[queue] = ch
	}
	return ch
}

// Publish appends body to queue.
func (m *Memory) Publish(ctx context.Context, queue string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.queues[queue] = append(m.queues[queue], append([]byte(nil), body...))
	select {
	case m.signal(queue) <- struct{}{}:
	default:
	}
	return nil
}

func (m *Memory) pop(queue string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.queues[queue]
	if len(msgs) == 0 {
		return nil, false
	}
	m.queues[queue] = msgs[1:]
	return msgs[0], true
}

// Consume handles messages until ctx is done.
func (m *Memory) Consume(ctx context.Context, queue string, handler Handler) error {
	m.mu.Lock()
	wake := m.signal(queue)
	m.mu.Unlock()

	for {
		if body, ok := m.pop(queue); ok {
			deliver(ctx, queue, handler, body)
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		}
	}
}

// Drain handles queued messages synchronously until queue is empty,
// including messages published by the handler itself, and returns how many
// were handled.
func (m *Memory) Drain(ctx context.Context, queue string, handler Handler) int {
	n := 0
	for ctx.Err() == nil {
		body, ok := m.pop(queue)
		if !ok {
			break
		}
		deliver(ctx, queue, handler, body)
		n++
	}
	return n
}

// Pending returns a copy of the messages waiting on queue.
func (m *Memory) Pending(queue string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.queues[queue]))
	copy(out, m.queues[queue])
	return out
}

// Len returns how many messages wait on queue.
func (m *Memory) Len(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[queue])
}

// Close rejects further publishes.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
