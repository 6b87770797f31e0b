// Package notify delivers order confirmations to customers.
//
// Checkout and reconciliation only ever see the Notifier interface. In the
// running service that is a KafkaNotifier, which queues the confirmation on
// the order-events topic; the notification worker drains it and hands each
// message to a Mailer.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"storefront-service/internal/broker"
	"storefront-service/internal/models"
)

// Notifier sends an order confirmation to a customer.
type Notifier interface {
	SendOrderConfirmation(ctx context.Context, email string, snapshot models.OrderSnapshot) error
}

// KafkaNotifier queues confirmations as ORDER_CONFIRMATION events.
type KafkaNotifier struct {
	publisher *broker.EventPublisher
}

// NewKafkaNotifier creates a notifier backed by the event publisher.
func NewKafkaNotifier(publisher *broker.EventPublisher) *KafkaNotifier {
	return &KafkaNotifier{publisher: publisher}
}

// SendOrderConfirmation publishes the confirmation for asynchronous delivery.
func (n *KafkaNotifier) SendOrderConfirmation(ctx context.Context, email string, snapshot models.OrderSnapshot) error {
	return n.publisher.PublishOrderConfirmation(ctx, &models.OrderConfirmationEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeOrderConfirmation,
			Timestamp: time.Now(),
		},
		Email:    email,
		Snapshot: snapshot,
	})
}
