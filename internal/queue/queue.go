// Package queue carries gather and fetch messages between the orchestrator
// and the stage workers.
//
// Delivery is at least once. Consumers acknowledge every delivery,
// including ones whose handler failed: failures are recorded in the ledger,
// never requeued by the broker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/timmy/harvest/internal/config"
	"github.com/timmy/harvest/internal/errors"
	"github.com/timmy/harvest/internal/logger"
)

// ErrClosed is returned when publishing on a closed broker.
var ErrClosed = errors.New("queue: broker closed")

// Handler processes one message body.
type Handler func(ctx context.Context, body []byte) error

// Broker publishes to and consumes from named queues.
type Broker interface {
	// Publish enqueues body on queue.
	Publish(ctx context.Context, queue string, body []byte) error

	// Consume runs handler for every message on queue until ctx is done.
	// Handler errors and panics are logged and the message is acknowledged.
	Consume(ctx context.Context, queue string, handler Handler) error

	Close() error
}

// GatherMessage asks a gather worker to run the gather stage of a job.
type GatherMessage struct {
	JobID string `json:"harvest_job_id"`
}

// FetchMessage asks a fetch worker to fetch one object.
type FetchMessage struct {
	ObjectID string `json:"harvest_object_id"`
}

// Publisher publishes typed messages onto the configured queues.
type Publisher struct {
	broker      Broker
	gatherQueue string
	fetchQueue  string
}

// NewPublisher creates a Publisher using the queue names of cfg.
func NewPublisher(broker Broker, cfg *config.QueueConfig) *Publisher {
	return &Publisher{
		broker:      broker,
		gatherQueue: cfg.GatherQueue,
		fetchQueue:  cfg.FetchQueue,
	}
}

// GatherQueue returns the gather queue name.
func (p *Publisher) GatherQueue() string { return p.gatherQueue }

// FetchQueue returns the fetch queue name.
func (p *Publisher) FetchQueue() string { return p.fetchQueue }

// Broker returns the underlying broker.
func (p *Publisher) Broker() Broker { return p.broker }

// PublishGather enqueues a gather message for jobID.
func (p *Publisher) PublishGather(ctx context.Context, jobID string) error {
	return p.publish(ctx, p.gatherQueue, GatherMessage{JobID: jobID})
}

// PublishFetch enqueues a fetch message for objectID.
func (p *Publisher) PublishFetch(ctx context.Context, objectID string) error {
	return p.publish(ctx, p.fetchQueue, FetchMessage{ObjectID: objectID})
}

func (p *Publisher) publish(ctx context.Context, queue string, msg interface{}) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	if err := p.broker.Publish(ctx, queue, body); err != nil {
		return errors.Wrapf(err, "publish to %s", queue)
	}
	return nil
}

// DecodeGather parses a gather message body.
func DecodeGather(body []byte) (GatherMessage, error) {
	var msg GatherMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, errors.Wrap(err, "decode gather message")
	}
	if msg.JobID == "" {
		return msg, errors.New("gather message without harvest_job_id")
	}
	return msg, nil
}

// DecodeFetch parses a fetch message body.
func DecodeFetch(body []byte) (FetchMessage, error) {
	var msg FetchMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, errors.Wrap(err, "decode fetch message")
	}
	if msg.ObjectID == "" {
		return msg, errors.New("fetch message without harvest_object_id")
	}
	return msg, nil
}

// safeHandle runs handler, turning a panic into an error.
func safeHandle(ctx context.Context, handler Handler, body []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(errors.ErrSystem, "panic: %v\n%s", r, debug.Stack())
		}
	}()
	return handler(ctx, body)
}

// deliver runs handler on body and logs the outcome. It never fails: the
// caller acknowledges the message afterwards.
func deliver(ctx context.Context, queue string, handler Handler, body []byte) {
	if err := safeHandle(ctx, handler, body); err != nil {
		logger.FromContext(ctx).
			WithField(logger.FieldQueue, queue).
			WithError(err).
			Error("Message handling failed")
	}
}

// New builds the broker selected by cfg.Backend.
func New(ctx context.Context, cfg *config.Config) (Broker, error) {
	switch cfg.Queue.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(ctx, &cfg.Redis)
	case "rabbitmq":
		return NewRabbitMQ(&cfg.Queue.RabbitMQ)
	default:
		return nil, fmt.Errorf("unsupported queue backend: %s", cfg.Queue.Backend)
	}
}
