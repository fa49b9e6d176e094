package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/internal/store"
)

const DefaultPrefetch = 10

// Source is satisfied by *rabbitmq.Client.
type Source interface {
	Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
}

type ConsumerConfig struct {
	Logger      *slog.Logger
	Source      Source
	Store       store.DeadLetterStore
	ConsumerTag string
	Prefetch    int
}

// Consumer records dead letters from the queue. Messages are acked only after
// they are stored; malformed ones are rejected without requeue.
type Consumer struct {
	logger   *slog.Logger
	source   Source
	store    store.DeadLetterStore
	tag      string
	prefetch int
}

func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultPrefetch
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "deadletter-worker"
	}
	return &Consumer{
		logger:   cfg.Logger,
		source:   cfg.Source,
		store:    cfg.Store,
		tag:      cfg.ConsumerTag,
		prefetch: cfg.Prefetch,
	}
}

// Run consumes until ctx is done or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.source.Consume(c.tag, c.prefetch)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("Dead letter consumer started",
		slog.String("consumer_tag", c.tag),
		slog.Int("prefetch", c.prefetch),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Dead letter consumer stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("RabbitMQ delivery channel closed")
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, delivery)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, delivery amqp.Delivery) {
	var dl domain.DeadLetter
	if err := json.Unmarshal(delivery.Body, &dl); err != nil || dl.DeliveryID == "" {
		c.logger.Error("Malformed dead letter message",
			slog.String("message_id", delivery.MessageId),
			slog.Any("error", err),
		)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error("Failed to NACK malformed message", slog.Any("error", nackErr))
		}
		return
	}

	if err := c.store.RecordDeadLetter(ctx, &dl); err != nil {
		c.logger.Error("Failed to record dead letter, requeueing",
			slog.String("delivery_id", dl.DeliveryID),
			slog.Any("error", err),
		)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("Failed to NACK message", slog.Any("error", nackErr))
		}
		return
	}

	if err := delivery.Ack(false); err != nil {
		c.logger.Error("Failed to ACK dead letter", slog.String("delivery_id", dl.DeliveryID), slog.Any("error", err))
		return
	}
	c.logger.Info("Dead letter recorded",
		slog.String("delivery_id", dl.DeliveryID),
		slog.String("account_id", dl.AccountID),
		slog.String("event", string(dl.Event)),
		slog.Int("attempts", dl.Attempts),
	)
}
