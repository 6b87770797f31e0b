package service

import (
	"context"
	"time"

	"storefront-service/internal/models"
	"storefront-service/internal/redisclient"
	"storefront-service/internal/store"
)

// CartStore is the persistence used by CartService.
type CartStore interface {
	GetProductByID(ctx context.Context, id string) (*models.Product, error)
	AddCartItem(ctx context.Context, userID, productID string, quantity int) (int, error)
	SetCartItemQuantity(ctx context.Context, userID, productID string, quantity int) (*models.CartItem, bool, error)
	ListCartLines(ctx context.Context, userID string) ([]models.CartLine, error)
}

// InventoryStore is the persistence used by InventoryService.
type InventoryStore interface {
	ReserveStock(ctx context.Context, productID string, quantity int) error
}

// OrderStore is the persistence used by checkout and reconciliation.
type OrderStore interface {
	ListCartLines(ctx context.Context, userID string) ([]models.CartLine, error)
	CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem, opts store.CreateOrderOptions) error
	BindSession(ctx context.Context, orderID, sessionRef string) error
	FinalizeOrder(ctx context.Context, orderID string, refs models.PaymentRefs) (*models.Order, bool, error)
	FailOrder(ctx context.Context, orderID string, refs models.PaymentRefs) (*models.Order, bool, error)
	FailStaleUnboundOrders(ctx context.Context, maxAge time.Duration) ([]string, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetOrderBySessionRef(ctx context.Context, sessionRef string) (*models.Order, error)
	GetOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error)
	GetUserContact(ctx context.Context, userID string) (*models.UserContact, error)
}

// EventPublisher publishes order lifecycle events.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error
	PublishOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error
}

// EventDeduper remembers webhook events that were already applied.
type EventDeduper interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID string) error
}

// StatusCache holds terminal order statuses by session reference.
type StatusCache interface {
	CacheOrderStatus(ctx context.Context, sessionRef string, status redisclient.CachedStatus) error
	GetCachedOrderStatus(ctx context.Context, sessionRef string) (*redisclient.CachedStatus, error)
}
