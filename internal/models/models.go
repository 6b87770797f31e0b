package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is the catalog row the storefront reads. Stock is written only by
// inventory reservation.
type Product struct {
	ID         string          `db:"id" json:"id"`
	Name       string          `db:"name" json:"name"`
	Price      decimal.Decimal `db:"price" json:"price"`
	Stock      int             `db:"stock" json:"stock"`
	CategoryID *string         `db:"category_id" json:"categoryId,omitempty"`
}

// Cart is the single active cart of a user.
type Cart struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"userId"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// CartItem is a (cart, product) pair with a positive quantity.
type CartItem struct {
	ProductID string `db:"product_id" json:"productId"`
	Quantity  int    `db:"quantity" json:"quantity"`
	Stock     int    `db:"stock" json:"stock"`
}

// CartLine is a cart item joined with the live product row.
type CartLine struct {
	ProductID string          `db:"product_id" json:"productId"`
	Quantity  int             `db:"quantity" json:"quantity"`
	Name      string          `db:"name" json:"name"`
	Price     decimal.Decimal `db:"price" json:"price"`
	Stock     int             `db:"stock" json:"stock"`
}

// Order is an immutable snapshot of a checkout. Only the payment fields
// change, and only while the order is UNPAID.
type Order struct {
	ID               string          `db:"id" json:"id"`
	UserID           string          `db:"user_id" json:"userId"`
	Subtotal         decimal.Decimal `db:"subtotal" json:"subtotal"`
	Discount         decimal.Decimal `db:"discount" json:"discount"`
	Shipping         decimal.Decimal `db:"shipping" json:"shipping"`
	Tax              decimal.Decimal `db:"tax" json:"tax"`
	Total            decimal.Decimal `db:"total" json:"total"`
	CouponCode       *string         `db:"coupon_code" json:"couponCode"`
	Status           string          `db:"status" json:"status"`
	PaymentStatus    string          `db:"payment_status" json:"paymentStatus"`
	CaptureMode      string          `db:"capture_mode" json:"captureMode"`
	StockReserved    bool            `db:"stock_reserved" json:"-"`
	SessionRef       *string         `db:"session_ref" json:"sessionRef,omitempty"`
	PaymentIntentRef *string         `db:"payment_intent_ref" json:"paymentIntentRef,omitempty"`
	CustomerRef      *string         `db:"customer_ref" json:"customerRef,omitempty"`
	PaidAt           *time.Time      `db:"paid_at" json:"paidAt"`
	CreatedAt        time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updatedAt"`
}

// IsTerminal reports whether the order has left UNPAID.
func (o *Order) IsTerminal() bool {
	return o.PaymentStatus != PaymentStatusUnpaid
}

// OrderItem captures the unit price at purchase time.
type OrderItem struct {
	ID        int64           `db:"id" json:"id"`
	OrderID   string          `db:"order_id" json:"orderId"`
	ProductID string          `db:"product_id" json:"productId"`
	Name      string          `db:"name" json:"name,omitempty"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unitPrice"`
}

// PaymentRefs are the provider references recorded on a transition.
type PaymentRefs struct {
	PaymentIntentRef string
	CustomerRef      string
}

// UserContact is the notification address of a user.
type UserContact struct {
	ID    string `db:"id"`
	Email string `db:"email"`
	Name  string `db:"name"`
}

// Order statuses
const (
	OrderStatusPending = "PENDING"
	OrderStatusPaid    = "PAID"
	OrderStatusFailed  = "FAILED"
)

// Payment statuses
const (
	PaymentStatusUnpaid = "UNPAID"
	PaymentStatusPaid   = "PAID"
	PaymentStatusFailed = "FAILED"
)
