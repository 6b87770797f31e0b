package service

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"storefront-service/internal/util"
)

// InventoryService exposes the single-item reservation primitive. Checkout and
// finalize reserve inside their own store transactions instead.
type InventoryService struct {
	store  InventoryStore
	logger *zap.Logger
}

// NewInventoryService creates a new inventory service
func NewInventoryService(store InventoryStore) *InventoryService {
	return &InventoryService{
		store:  store,
		logger: util.GetLogger(),
	}
}

// Reserve decrements stock by quantity if at least quantity is available.
// ErrInsufficientStock is final; callers must not retry it blindly.
func (s *InventoryService) Reserve(ctx context.Context, productID string, quantity int) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.Reserve",
		attribute.String("product_id", productID),
		attribute.Int("quantity", quantity))
	defer span.End()

	if quantity <= 0 {
		return ErrInvalidQuantity
	}

	start := time.Now()
	err := s.store.ReserveStock(ctx, productID, quantity)
	util.InventoryReserveLatency.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrInsufficientStock):
		util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
	default:
		util.InventoryReservationsFailed.WithLabelValues("error").Inc()
		s.logger.Error("Reservation failed", zap.String("product_id", productID), zap.Error(err))
	}
	util.RecordError(span, err)
	return err
}
