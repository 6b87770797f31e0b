package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated      = "ORDER_CREATED"
	EventTypeOrderPaid         = "ORDER_PAID"
	EventTypeOrderFailed       = "ORDER_FAILED"
	EventTypeOrderConfirmation = "ORDER_CONFIRMATION"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when checkout creates an order
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     string          `json:"order_id"`
	UserID      string          `json:"user_id"`
	CaptureMode string          `json:"capture_mode"`
	Total       decimal.Decimal `json:"total"`
	Items       []OrderItemData `json:"items"`
}

// OrderPaidEvent published when an order reaches PAID
type OrderPaidEvent struct {
	BaseEvent
	OrderID          string          `json:"order_id"`
	UserID           string          `json:"user_id"`
	Total            decimal.Decimal `json:"total"`
	PaymentIntentRef string          `json:"payment_intent_ref,omitempty"`
	Trigger          string          `json:"trigger"`
}

// OrderFailedEvent published when an order reaches FAILED
type OrderFailedEvent struct {
	BaseEvent
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
	Reason  string `json:"reason"`
}

// OrderConfirmationEvent asks the notification worker to email the customer
type OrderConfirmationEvent struct {
	BaseEvent
	Email    string        `json:"email"`
	Name     string        `json:"name,omitempty"`
	Snapshot OrderSnapshot `json:"snapshot"`
}

// OrderSnapshot is what the customer sees in the confirmation.
type OrderSnapshot struct {
	OrderID    string          `json:"order_id"`
	Items      []OrderItemData `json:"items"`
	Subtotal   decimal.Decimal `json:"subtotal"`
	Discount   decimal.Decimal `json:"discount"`
	Shipping   decimal.Decimal `json:"shipping"`
	Tax        decimal.Decimal `json:"tax"`
	Total      decimal.Decimal `json:"total"`
	CouponCode *string         `json:"coupon_code,omitempty"`
	PaidAt     *time.Time      `json:"paid_at,omitempty"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Label is the product name, or the product ID when the name is unknown.
func (d OrderItemData) Label() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ProductID
}

// NewSnapshot builds the confirmation snapshot of an order.
func NewSnapshot(order *Order, items []OrderItem) OrderSnapshot {
	data := make([]OrderItemData, 0, len(items))
	for _, item := range items {
		data = append(data, OrderItemData{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return OrderSnapshot{
		OrderID:    order.ID,
		Items:      data,
		Subtotal:   order.Subtotal,
		Discount:   order.Discount,
		Shipping:   order.Shipping,
		Tax:        order.Tax,
		Total:      order.Total,
		CouponCode: order.CouponCode,
		PaidAt:     order.PaidAt,
	}
}
