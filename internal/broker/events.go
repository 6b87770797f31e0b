package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"storefront-service/internal/models"
	"storefront-service/internal/util"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderID string) string {
	return fmt.Sprintf("order-%s", orderID)
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderPaid publishes OrderPaid event
func (ep *EventPublisher) PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderFailed publishes OrderFailed event
func (ep *EventPublisher) PublishOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderConfirmation publishes OrderConfirmation event
func (ep *EventPublisher) PublishOrderConfirmation(ctx context.Context, event *models.OrderConfirmationEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.Snapshot.OrderID), event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onOrderConfirmation func(context.Context, *models.OrderConfirmationEvent) error
	logger              *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.Component("event-handler")}
}

// OnOrderConfirmation registers a handler for OrderConfirmation events
func (eh *EventHandler) OnOrderConfirmation(handler func(context.Context, *models.OrderConfirmationEvent) error) {
	eh.onOrderConfirmation = handler
}

// HandleMessage routes messages to appropriate handlers. Lifecycle events
// are informational here and are skipped.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		// a malformed message can never succeed; skip it
		eh.logger.Error("Failed to unmarshal base event", zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeOrderConfirmation:
		if eh.onOrderConfirmation != nil {
			var event models.OrderConfirmationEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				eh.logger.Error("Failed to unmarshal OrderConfirmation event", zap.Error(err))
				return nil
			}
			return eh.onOrderConfirmation(ctx, &event)
		}

	case models.EventTypeOrderCreated, models.EventTypeOrderPaid, models.EventTypeOrderFailed:

	default:
		eh.logger.Warn("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
