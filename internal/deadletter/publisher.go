// Package deadletter moves permanently failed webhook deliveries through RabbitMQ
// into the store for operator review.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/struktr-app/parser/internal/domain"
	"github.com/struktr-app/parser/shared/rabbitmq"
)

const MessageType = "webhook.dead_letter"

// MessagePublisher is satisfied by *rabbitmq.Client.
type MessagePublisher interface {
	Publish(ctx context.Context, msg rabbitmq.Message) error
}

// Publisher sends dead letters to the broker. It implements webhook.DeadLetterSink.
type Publisher struct {
	client MessagePublisher
	logger *slog.Logger
}

func NewPublisher(client MessagePublisher, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, dl *domain.DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	if err := p.client.Publish(ctx, rabbitmq.Message{
		ID:          dl.DeliveryID,
		Type:        MessageType,
		ContentType: "application/json",
		Body:        body,
	}); err != nil {
		return fmt.Errorf("publish dead letter %s: %w", dl.DeliveryID, err)
	}

	p.logger.Info("Dead letter published",
		slog.String("delivery_id", dl.DeliveryID),
		slog.String("event", string(dl.Event)),
	)
	return nil
}
