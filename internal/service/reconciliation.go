package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"storefront-service/internal/models"
	"storefront-service/internal/notify"
	"storefront-service/internal/payment"
	"storefront-service/internal/redisclient"
	"storefront-service/internal/util"
)

// Triggers recorded on ORDER_PAID events and metrics.
const (
	TriggerWebhook = "webhook"
	TriggerManual  = "manual"
)

// Webhook outcomes.
const (
	OutcomeApplied          = "applied"
	OutcomeDuplicate        = "duplicate"
	OutcomeIgnored          = "ignored"
	OutcomeAwaitingPayment  = "awaiting_payment"
	OutcomeOrderClosed      = "order_closed"
	OutcomeUnknownOrder     = "unknown_order"
	OutcomeStockUnavailable = "stock_unavailable"
)

// ReconciliationService drives orders from UNPAID to a terminal state. Every
// transition is a status-gated update in the store, so the webhook, manual
// completion and the sweeper can race on one order safely.
type ReconciliationService struct {
	store     OrderStore
	gateway   payment.Gateway
	notifier  notify.Notifier
	publisher EventPublisher
	dedupe    EventDeduper
	cache     StatusCache
	logger    *zap.Logger
}

// NewReconciliationService creates a new reconciliation service
func NewReconciliationService(
	store OrderStore,
	gateway payment.Gateway,
	notifier notify.Notifier,
	publisher EventPublisher,
	dedupe EventDeduper,
	cache StatusCache,
) *ReconciliationService {
	return &ReconciliationService{
		store:     store,
		gateway:   gateway,
		notifier:  notifier,
		publisher: publisher,
		dedupe:    dedupe,
		cache:     cache,
		logger:    util.GetLogger(),
	}
}

// OrderStatus is the read-only view returned to pollers.
type OrderStatus struct {
	OrderID       string `json:"orderId"`
	Status        string `json:"status"`
	PaymentStatus string `json:"paymentStatus"`
}

// WebhookResult describes what a webhook delivery did.
type WebhookResult struct {
	EventID string `json:"eventId"`
	Type    string `json:"type"`
	Outcome string `json:"outcome"`
}

// Finalize moves an order to PAID, reserving its stock if checkout did not.
// An already PAID order is returned as is. A FAILED order is left alone and
// ErrOrderClosed is returned. If stock cannot be reserved the order is
// marked FAILED and ErrPaidStockUnavailable is returned.
func (s *ReconciliationService) Finalize(ctx context.Context, orderID string, refs models.PaymentRefs, trigger string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationService.Finalize",
		attribute.String("order_id", orderID),
		attribute.String("trigger", trigger))
	defer span.End()

	order, transitioned, err := s.store.FinalizeOrder(ctx, orderID, refs)
	if errors.Is(err, ErrInsufficientStock) {
		s.logger.Error("Paid order could not reserve stock, refund required",
			zap.String("order_id", orderID),
			zap.String("payment_intent", refs.PaymentIntentRef),
			zap.Error(err))
		util.InventoryReservationsFailed.WithLabelValues("finalize").Inc()

		failed, ferr := s.Fail(ctx, orderID, refs, "paid_stock_unavailable")
		if ferr != nil {
			s.logger.Error("Failed to mark order FAILED", zap.String("order_id", orderID), zap.Error(ferr))
		}
		util.RecordError(span, err)
		return failed, fmt.Errorf("order %s: %w", orderID, ErrPaidStockUnavailable)
	}
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	if !transitioned {
		if order.PaymentStatus == models.PaymentStatusPaid {
			return order, nil
		}
		return order, fmt.Errorf("order %s is %s: %w", orderID, order.PaymentStatus, ErrOrderClosed)
	}

	util.OrdersPaidTotal.WithLabelValues(trigger).Inc()
	s.logger.Info("Order paid",
		zap.String("order_id", order.ID),
		zap.String("trigger", trigger),
		zap.String("total", order.Total.StringFixed(2)))

	s.afterPaid(ctx, order, trigger)
	return order, nil
}

// Fail moves an UNPAID order to FAILED. Terminal orders are returned
// unchanged.
func (s *ReconciliationService) Fail(ctx context.Context, orderID string, refs models.PaymentRefs, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationService.Fail",
		attribute.String("order_id", orderID),
		attribute.String("reason", reason))
	defer span.End()

	order, transitioned, err := s.store.FailOrder(ctx, orderID, refs)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if !transitioned {
		s.logger.Debug("Fail on terminal order ignored",
			zap.String("order_id", orderID),
			zap.String("payment_status", order.PaymentStatus))
		return order, nil
	}

	util.OrdersFailedTotal.WithLabelValues(reason).Inc()
	s.logger.Info("Order failed", zap.String("order_id", orderID), zap.String("reason", reason))

	s.cacheTerminal(ctx, order)
	event := &models.OrderFailedEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderFailed),
		OrderID:   order.ID,
		UserID:    order.UserID,
		Reason:    reason,
	}
	if err := s.publisher.PublishOrderFailed(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderFailed event", zap.Error(err))
	}
	return order, nil
}

// Poll returns the status of the caller's order for a session. It never
// changes anything.
func (s *ReconciliationService) Poll(ctx context.Context, userID, sessionRef string) (*OrderStatus, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationService.Poll")
	defer span.End()

	if sessionRef == "" {
		return nil, fmt.Errorf("%w: session reference is required", ErrValidation)
	}

	cached, err := s.cache.GetCachedOrderStatus(ctx, sessionRef)
	if err != nil {
		s.logger.Warn("Status cache read failed", zap.Error(err))
	}
	if cached != nil {
		if cached.UserID != userID {
			return nil, fmt.Errorf("session %s: %w", sessionRef, ErrNotFound)
		}
		return &OrderStatus{OrderID: cached.OrderID, Status: cached.Status, PaymentStatus: cached.PaymentStatus}, nil
	}

	order, err := s.store.GetOrderBySessionRef(ctx, sessionRef)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("session %s: %w", sessionRef, ErrNotFound)
	}

	s.cacheTerminal(ctx, order)
	return &OrderStatus{OrderID: order.ID, Status: order.Status, PaymentStatus: order.PaymentStatus}, nil
}

// CompleteSession asks the provider about a session and finalizes the
// caller's order if the provider reports it paid. It is the fallback for
// deployments where webhooks are not delivered.
func (s *ReconciliationService) CompleteSession(ctx context.Context, userID, sessionRef string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationService.CompleteSession")
	defer span.End()

	if sessionRef == "" {
		return nil, fmt.Errorf("%w: sessionId is required", ErrValidation)
	}

	session, err := s.gateway.RetrieveSession(ctx, sessionRef)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}
	if session.OrderID == "" {
		return nil, fmt.Errorf("session %s has no order: %w", sessionRef, ErrNotFound)
	}

	order, err := s.store.GetOrder(ctx, session.OrderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID || (order.SessionRef != nil && *order.SessionRef != sessionRef) {
		return nil, fmt.Errorf("session %s: %w", sessionRef, ErrNotFound)
	}
	if order.PaymentStatus == models.PaymentStatusPaid {
		return order, nil
	}
	if !session.IsPaid() {
		return nil, &PaymentNotCompletedError{Order: order, ProviderStatus: session.PaymentStatus}
	}

	return s.Finalize(ctx, order.ID, models.PaymentRefs{
		PaymentIntentRef: session.PaymentIntentRef,
		CustomerRef:      session.CustomerRef,
	}, TriggerManual)
}

// HandleWebhook verifies and applies a provider event. It returns an error
// only when the provider should redeliver; events that can never succeed
// are acknowledged with an explanatory outcome.
func (s *ReconciliationService) HandleWebhook(ctx context.Context, payload []byte, signature string) (*WebhookResult, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationService.HandleWebhook")
	defer span.End()

	event, err := s.gateway.ParseWebhook(payload, signature)
	if errors.Is(err, payment.ErrInvalidSignature) {
		util.WebhookEventsTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	span.SetAttributes(attribute.String("event_id", event.ID), attribute.String("event_type", event.Type))

	result := &WebhookResult{EventID: event.ID, Type: event.Type}

	processed, err := s.dedupe.IsEventProcessed(ctx, event.ID)
	if err != nil {
		// transitions are gated in the store, so a repeat is still safe
		s.logger.Warn("Webhook dedupe lookup failed", zap.String("event_id", event.ID), zap.Error(err))
	}
	if processed {
		result.Outcome = OutcomeDuplicate
		util.WebhookEventsTotal.WithLabelValues(event.Type, result.Outcome).Inc()
		return result, nil
	}

	result.Outcome, err = s.applyEvent(ctx, event)
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues(event.Type, "error").Inc()
		util.RecordError(span, err)
		return nil, err
	}
	util.WebhookEventsTotal.WithLabelValues(event.Type, result.Outcome).Inc()

	if err := s.dedupe.MarkEventProcessed(ctx, event.ID); err != nil {
		s.logger.Warn("Failed to record webhook event", zap.String("event_id", event.ID), zap.Error(err))
	}
	return result, nil
}

func (s *ReconciliationService) applyEvent(ctx context.Context, event *payment.Event) (string, error) {
	if event.Session == nil || event.Session.OrderID == "" {
		s.logger.Info("Webhook event without order ignored",
			zap.String("event_id", event.ID),
			zap.String("type", event.Type))
		return OutcomeIgnored, nil
	}

	orderID := event.Session.OrderID
	refs := models.PaymentRefs{
		PaymentIntentRef: event.Session.PaymentIntentRef,
		CustomerRef:      event.Session.CustomerRef,
	}

	var err error
	switch event.Type {
	case payment.EventSessionCompleted:
		if !event.Session.IsPaid() {
			// delayed payment methods complete the session before funds arrive
			return OutcomeAwaitingPayment, nil
		}
		_, err = s.Finalize(ctx, orderID, refs, TriggerWebhook)
	case payment.EventAsyncPaymentSucceeded:
		_, err = s.Finalize(ctx, orderID, refs, TriggerWebhook)
	case payment.EventAsyncPaymentFailed:
		_, err = s.Fail(ctx, orderID, refs, "payment_failed")
	case payment.EventSessionExpired:
		_, err = s.Fail(ctx, orderID, refs, "session_expired")
	default:
		return OutcomeIgnored, nil
	}

	switch {
	case err == nil:
		return OutcomeApplied, nil
	case errors.Is(err, ErrPaidStockUnavailable):
		return OutcomeStockUnavailable, nil
	case errors.Is(err, ErrOrderClosed):
		return OutcomeOrderClosed, nil
	case errors.Is(err, ErrNotFound):
		s.logger.Warn("Webhook for unknown order", zap.String("order_id", orderID), zap.String("event_id", event.ID))
		return OutcomeUnknownOrder, nil
	default:
		return "", err
	}
}

// ExpireUnboundOrders fails orders that never got a payment session bound,
// which happens only if the process died between order creation and session
// creation.
func (s *ReconciliationService) ExpireUnboundOrders(ctx context.Context, maxAge time.Duration) (int, error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationService.ExpireUnboundOrders")
	defer span.End()

	ids, err := s.store.FailStaleUnboundOrders(ctx, maxAge)
	if err != nil {
		util.RecordError(span, err)
		return 0, err
	}

	for _, id := range ids {
		util.OrdersFailedTotal.WithLabelValues("unbound_timeout").Inc()
		s.logger.Info("Expired order without payment session", zap.String("order_id", id))
		event := &models.OrderFailedEvent{
			BaseEvent: newBaseEvent(models.EventTypeOrderFailed),
			OrderID:   id,
			Reason:    "unbound_timeout",
		}
		if err := s.publisher.PublishOrderFailed(ctx, event); err != nil {
			s.logger.Error("Failed to publish OrderFailed event", zap.Error(err))
		}
	}
	return len(ids), nil
}

// afterPaid runs the side effects of a PAID transition. None of them can
// undo the transition; failures are logged.
func (s *ReconciliationService) afterPaid(ctx context.Context, order *models.Order, trigger string) {
	s.cacheTerminal(ctx, order)

	event := &models.OrderPaidEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderPaid),
		OrderID:   order.ID,
		UserID:    order.UserID,
		Total:     order.Total,
		Trigger:   trigger,
	}
	if order.PaymentIntentRef != nil {
		event.PaymentIntentRef = *order.PaymentIntentRef
	}
	if err := s.publisher.PublishOrderPaid(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderPaid event", zap.Error(err))
	}

	if err := s.sendConfirmation(ctx, order); err != nil {
		util.NotificationsTotal.WithLabelValues("failed").Inc()
		s.logger.Error("Failed to send order confirmation",
			zap.String("order_id", order.ID),
			zap.Error(err))
		return
	}
	util.NotificationsTotal.WithLabelValues("queued").Inc()
}

func (s *ReconciliationService) sendConfirmation(ctx context.Context, order *models.Order) error {
	contact, err := s.store.GetUserContact(ctx, order.UserID)
	if err != nil {
		return fmt.Errorf("failed to load contact: %w", err)
	}
	items, err := s.store.GetOrderItems(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("failed to load order items: %w", err)
	}
	return s.notifier.SendOrderConfirmation(ctx, contact.Email, models.NewSnapshot(order, items))
}

func (s *ReconciliationService) cacheTerminal(ctx context.Context, order *models.Order) {
	if !order.IsTerminal() || order.SessionRef == nil {
		return
	}
	err := s.cache.CacheOrderStatus(ctx, *order.SessionRef, redisclient.CachedStatus{
		OrderID:       order.ID,
		UserID:        order.UserID,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
	})
	if err != nil {
		s.logger.Warn("Failed to cache order status", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}
