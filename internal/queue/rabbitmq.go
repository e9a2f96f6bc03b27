package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/timmy/harvest/internal/config"
	"github.com/timmy/harvest/internal/logger"
)

const publishConfirmTimeout = 30 * time.Second

// RabbitMQ is a Broker on a durable direct exchange with one durable queue
// per routing key.
type RabbitMQ struct {
	conn     *amqp.Connection
	exchange string
	prefetch int

	mu sync.Mutex // serialises the publish channel
	ch *amqp.Channel
}

// NewRabbitMQ dials cfg.URL.
func NewRabbitMQ(cfg *config.RabbitMQConfig) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	prefetch := cfg.Prefetch
	if prefetch < 1 {
		prefetch = 1
	}
	return &RabbitMQ{conn: conn, exchange: cfg.Exchange, prefetch: prefetch}, nil
}

// IsConnected checks if the RabbitMQ connection is valid.
func (r *RabbitMQ) IsConnected() bool {
	return r.conn != nil && !r.conn.IsClosed()
}

// declare ensures the exchange and queue exist and are bound.
func (r *RabbitMQ) declare(ch *amqp.Channel, queue string) error {
	err := ch.ExchangeDeclare(
		r.exchange, // name
		"direct",   // type
		true,       // durable
		false,      // auto-delete
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, queue, r.exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

func (r *RabbitMQ) publishChannel() (*amqp.Channel, error) {
	if r.ch != nil && !r.ch.IsClosed() {
		return r.ch, nil
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to put channel in confirm mode: %w", err)
	}
	r.ch = ch
	return ch, nil
}

// Publish sends a persistent message and waits for the broker confirm.
func (r *RabbitMQ) Publish(ctx context.Context, queue string, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.IsConnected() {
		return fmt.Errorf("rabbitmq connection is not available")
	}
	ch, err := r.publishChannel()
	if err != nil {
		return err
	}
	if err := r.declare(ch, queue); err != nil {
		return err
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		r.exchange, // exchange
		queue,      // routing key
		true,       // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, publishConfirmTimeout)
	defer cancel()
	acked, err := confirm.WaitContext(waitCtx)
	if err != nil {
		return fmt.Errorf("publish confirmation: %w", err)
	}
	if !acked {
		return fmt.Errorf("broker nacked message on %s", queue)
	}
	return nil
}

// Consume handles deliveries with manual acks until ctx is done or the
// channel closes.
func (r *RabbitMQ) Consume(ctx context.Context, queue string, handler Handler) error {
	if !r.IsConnected() {
		return fmt.Errorf("rabbitmq connection is not available")
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := r.declare(ch, queue); err != nil {
		return err
	}
	if err := ch.Qos(r.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		queue, // queue
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	log := logger.FromContext(ctx).WithField(logger.FieldQueue, queue)
	log.Info("Consuming from rabbitmq queue")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("rabbitmq delivery channel for %s closed", queue)
			}
			deliver(ctx, queue, handler, d.Body)
			if err := d.Ack(false); err != nil {
				log.WithError(err).Warn("Failed to ack message")
			}
		}
	}
}

// Close closes the publish channel and the connection.
func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn.Close()
	}
	return nil
}
