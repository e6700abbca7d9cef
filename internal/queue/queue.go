// Package queue consumes webhook deliveries from RabbitMQ and hands them to
// the ingest receiver. A relay in front of the tracker publishes each
// webhook as one message carrying an ingest.Delivery in JSON.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/mschirtzinger/tracksync/internal/ingest"
	"github.com/mschirtzinger/tracksync/internal/syncerr"
	"github.com/mschirtzinger/tracksync/internal/task"
)

// DefaultQueue is the queue consumed when Config.Queue is empty.
const DefaultQueue = "tracksync.webhooks"

// Receiver accepts one delivery; *ingest.Receiver implements it.
type Receiver interface {
	Receive(ctx context.Context, d ingest.Delivery) (*task.Handle, error)
}

// Config holds consumer configuration.
type Config struct {
	URL   string
	Queue string
	// Prefetch bounds unacknowledged messages (default 1)
	Prefetch int
}

// Consumer reads deliveries off the queue.
type Consumer struct {
	cfg      Config
	receiver Receiver
	logger   *zap.Logger
}

// NewConsumer returns a consumer; call Run to start it.
func NewConsumer(cfg Config, receiver Receiver, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Consumer{cfg: cfg, receiver: receiver, logger: logger.Named("queue").With(zap.String("queue", cfg.Queue))}
}

// Run consumes until ctx is done, reconnecting with exponential backoff
// when the broker goes away.
func (c *Consumer) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			policy.Reset()
			return errors.New("consumer stopped")
		}
		return err
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		c.logger.Warn("broker connection lost", zap.Error(err), zap.Duration("retry_in", wait))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}
	defer conn.Close()

	channel, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer channel.Close()

	if err := channel.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	q, err := Declare(channel, c.cfg.Queue)
	if err != nil {
		return err
	}

	msgs, err := channel.Consume(
		q.Name,
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
	c.logger.Info("waiting for deliveries")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("channel closed")
			}
			c.Handle(ctx, msg)
		}
	}
}

// Declare declares the durable delivery queue.
func Declare(channel *amqp.Channel, name string) (amqp.Queue, error) {
	q, err := channel.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return q, fmt.Errorf("failed to declare queue: %w", err)
	}
	return q, nil
}

// Verdict is how a message was settled.
type Verdict int

const (
	// Acked means the import completed, was already done, or can never
	// succeed.
	Acked Verdict = iota
	// Requeued means a retryable failure; the broker redelivers.
	Requeued
	// Dropped means the message could not be settled by ack.
	Dropped
)

// Handle imports one message and settles it. Retryable failures are
// requeued until the receiver stops starting new attempts; a message
// without a UUID is requeued once.
func (c *Consumer) Handle(ctx context.Context, msg amqp.Delivery) Verdict {
	log := c.logger.With(zap.String("message_id", msg.MessageId), zap.Bool("redelivered", msg.Redelivered))

	var d ingest.Delivery
	if err := json.Unmarshal(msg.Body, &d); err != nil {
		log.Warn("dropping undecodable delivery", zap.Error(err))
		return c.ack(log, msg)
	}
	if d.UUID == "" {
		d.UUID = msg.MessageId
	}

	h, err := c.receiver.Receive(ctx, d)
	if err == nil {
		if h.Final() {
			log.Info("delivery already settled", zap.String("token", h.Token()))
			return c.ack(log, msg)
		}
		err = ingest.Settle(ctx, h)
	}
	switch {
	case err == nil:
		log.Info("delivery imported", zap.String("token", h.Token()))
		return c.ack(log, msg)
	case syncerr.IsTerminal(err):
		log.Warn("delivery failed", zap.Error(err))
		return c.ack(log, msg)
	case d.UUID == "" && msg.Redelivered:
		log.Error("giving up on delivery", zap.Error(err))
		return c.ack(log, msg)
	default:
		log.Warn("requeueing delivery", zap.Error(err))
		if err := msg.Nack(false, true); err != nil {
			log.Error("failed to nack message", zap.Error(err))
			return Dropped
		}
		return Requeued
	}
}

func (c *Consumer) ack(log *zap.Logger, msg amqp.Delivery) Verdict {
	if err := msg.Ack(false); err != nil {
		log.Error("failed to ack message", zap.Error(err))
		return Dropped
	}
	return Acked
}

// Publish sends d to the named queue, declaring it first.
func Publish(ctx context.Context, url, queue string, d ingest.Delivery) error {
	if queue == "" {
		queue = DefaultQueue
	}
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode delivery: %w", err)
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return fmt.Errorf("failed to dial broker: %w", err)
	}
	defer conn.Close()
	channel, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer channel.Close()

	if _, err := Declare(channel, queue); err != nil {
		return err
	}
	return channel.PublishWithContext(ctx,
		"",    // exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    d.UUID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}
