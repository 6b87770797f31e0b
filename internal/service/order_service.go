package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"storefront-service/internal/models"
	"storefront-service/internal/util"
)

// OrderService serves read access to a buyer's orders
type OrderService struct {
	store  OrderStore
	logger *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(store OrderStore) *OrderService {
	return &OrderService{
		store:  store,
		logger: util.GetLogger(),
	}
}

// OrderDetails is an order with its purchase-time items.
type OrderDetails struct {
	*models.Order
	Items []models.OrderItem `json:"items"`
}

// GetOrder retrieves one of the caller's orders. Orders of other users are
// reported as not found.
func (s *OrderService) GetOrder(ctx context.Context, userID, orderID string) (*OrderDetails, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}

	items, err := s.store.GetOrderItems(ctx, orderID)
	if err != nil {
		return nil, err
	}

	return &OrderDetails{Order: order, Items: items}, nil
}
