package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"storefront-service/config"
	"storefront-service/internal/models"
	"storefront-service/internal/payment"
	"storefront-service/internal/pricing"
	"storefront-service/internal/store"
	"storefront-service/internal/util"
)

// CheckoutService turns a cart into an order
type CheckoutService struct {
	store      OrderStore
	calculator *pricing.Calculator
	gateway    payment.Gateway
	reconciler *ReconciliationService
	publisher  EventPublisher
	cfg        config.CheckoutConfig
	logger     *zap.Logger
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(
	store OrderStore,
	calculator *pricing.Calculator,
	gateway payment.Gateway,
	reconciler *ReconciliationService,
	publisher EventPublisher,
	cfg config.CheckoutConfig,
) *CheckoutService {
	return &CheckoutService{
		store:      store,
		calculator: calculator,
		gateway:    gateway,
		reconciler: reconciler,
		publisher:  publisher,
		cfg:        cfg,
		logger:     util.GetLogger(),
	}
}

// CheckoutResult is returned to the buyer after checkout.
type CheckoutResult struct {
	OrderID       string         `json:"orderId"`
	Status        string         `json:"status"`
	PaymentStatus string         `json:"paymentStatus"`
	Totals        pricing.Totals `json:"totals"`
	SessionID     string         `json:"sessionId,omitempty"`
	SessionURL    string         `json:"sessionUrl,omitempty"`
}

// Checkout validates the cart against current stock and prices and creates
// the order. In immediate mode stock is reserved, the order is PAID and the
// cart is cleared in one transaction. In deferred mode the order is created
// UNPAID, a payment session is opened and bound to it, and only then is the
// cart cleared.
func (s *CheckoutService) Checkout(ctx context.Context, userID, couponCode string) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Checkout",
		attribute.String("user_id", userID),
		attribute.String("capture_mode", s.cfg.CaptureMode))
	defer span.End()

	lines, err := s.store.ListCartLines(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}
	if len(lines) == 0 {
		util.CheckoutsRejectedTotal.WithLabelValues("empty_cart").Inc()
		return nil, ErrEmptyCart
	}

	if shortfalls := findShortfalls(lines); len(shortfalls) > 0 {
		util.CheckoutsRejectedTotal.WithLabelValues("stock_unavailable").Inc()
		return nil, &StockError{Shortfalls: shortfalls}
	}

	totals := s.calculator.Compute(lineItems(lines), couponCode)
	order := &models.Order{
		ID:            uuid.New().String(),
		UserID:        userID,
		Subtotal:      totals.Subtotal,
		Discount:      totals.Discount,
		Shipping:      totals.Shipping,
		Tax:           totals.Tax,
		Total:         totals.Total,
		CouponCode:    totals.CouponCode,
		Status:        models.OrderStatusPending,
		PaymentStatus: models.PaymentStatusUnpaid,
		CaptureMode:   s.cfg.CaptureMode,
	}
	items := make([]models.OrderItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, models.OrderItem{
			ProductID: line.ProductID,
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: line.Price,
		})
	}

	if s.cfg.CaptureMode == config.CaptureImmediate {
		return s.checkoutImmediate(ctx, order, items, totals)
	}
	return s.checkoutDeferred(ctx, order, items, totals)
}

func (s *CheckoutService) checkoutImmediate(ctx context.Context, order *models.Order, items []models.OrderItem, totals pricing.Totals) (*CheckoutResult, error) {
	now := time.Now().UTC()
	order.Status = models.OrderStatusPaid
	order.PaymentStatus = models.PaymentStatusPaid
	order.PaidAt = &now

	err := s.store.CreateOrder(ctx, order, items, store.CreateOrderOptions{ReserveStock: true, ClearCart: true})
	if errors.Is(err, ErrInsufficientStock) {
		// stock moved between validation and reservation
		util.CheckoutsRejectedTotal.WithLabelValues("stock_unavailable").Inc()
		return nil, fmt.Errorf("%w: %w", ErrStockUnavailable, err)
	}
	if err != nil {
		return nil, err
	}

	util.CheckoutsTotal.WithLabelValues(config.CaptureImmediate).Inc()
	util.OrdersPaidTotal.WithLabelValues("checkout").Inc()
	s.logger.Info("Order created and paid",
		zap.String("order_id", order.ID),
		zap.String("total", order.Total.StringFixed(2)))

	s.publishCreated(ctx, order, items)
	s.reconciler.afterPaid(ctx, order, "checkout")

	return &CheckoutResult{
		OrderID:       order.ID,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
		Totals:        totals,
	}, nil
}

func (s *CheckoutService) checkoutDeferred(ctx context.Context, order *models.Order, items []models.OrderItem, totals pricing.Totals) (*CheckoutResult, error) {
	if err := s.store.CreateOrder(ctx, order, items, store.CreateOrderOptions{}); err != nil {
		return nil, err
	}
	s.publishCreated(ctx, order, items)

	req := payment.SessionRequest{
		OrderID:     order.ID,
		AmountCents: pricing.ToCents(order.Total),
		ItemCount:   itemCount(items),
		SuccessURL:  s.cfg.AppBaseURL + "/return?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:   s.cfg.AppBaseURL + "/checkout?canceled=1",
	}
	if contact, err := s.store.GetUserContact(ctx, order.UserID); err == nil {
		req.CustomerEmail = contact.Email
	}

	session, err := s.gateway.CreateSession(ctx, req)
	if err != nil {
		s.abandon(ctx, order.ID, "session_create_failed", err)
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	// the cart is cleared only once the session is durably referenced
	if err := s.store.BindSession(ctx, order.ID, session.ID); err != nil {
		s.abandon(ctx, order.ID, "session_bind_failed", err)
		return nil, fmt.Errorf("%w: %v", ErrGateway, err)
	}

	util.CheckoutsTotal.WithLabelValues(config.CaptureDeferred).Inc()
	s.logger.Info("Order created, awaiting payment",
		zap.String("order_id", order.ID),
		zap.String("session_id", session.ID),
		zap.String("total", order.Total.StringFixed(2)))

	return &CheckoutResult{
		OrderID:       order.ID,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
		Totals:        totals,
		SessionID:     session.ID,
		SessionURL:    session.URL,
	}, nil
}

// abandon marks an order FAILED so it can never be paid against.
func (s *CheckoutService) abandon(ctx context.Context, orderID, reason string, cause error) {
	s.logger.Error("Payment session setup failed",
		zap.String("order_id", orderID),
		zap.String("reason", reason),
		zap.Error(cause))

	if _, err := s.reconciler.Fail(ctx, orderID, models.PaymentRefs{}, reason); err != nil {
		s.logger.Error("Failed to mark order FAILED", zap.String("order_id", orderID), zap.Error(err))
	}
}

func (s *CheckoutService) publishCreated(ctx context.Context, order *models.Order, items []models.OrderItem) {
	event := &models.OrderCreatedEvent{
		BaseEvent:   newBaseEvent(models.EventTypeOrderCreated),
		OrderID:     order.ID,
		UserID:      order.UserID,
		CaptureMode: order.CaptureMode,
		Total:       order.Total,
		Items:       models.NewSnapshot(order, items).Items,
	}
	if err := s.publisher.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}
}

func findShortfalls(lines []models.CartLine) []Shortfall {
	var shortfalls []Shortfall
	for _, line := range lines {
		if line.Quantity > line.Stock {
			shortfalls = append(shortfalls, Shortfall{
				ProductID: line.ProductID,
				Name:      line.Name,
				Requested: line.Quantity,
				Available: line.Stock,
			})
		}
	}
	return shortfalls
}

func itemCount(items []models.OrderItem) int {
	n := 0
	for _, item := range items {
		n += item.Quantity
	}
	return n
}
