package service

import (
	"errors"
	"fmt"
	"strings"

	"storefront-service/internal/models"
	"storefront-service/internal/store"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrInvalidQuantity = fmt.Errorf("%w: quantity must be a positive integer", ErrValidation)
	ErrUnauthenticated = errors.New("authentication required")

	// store errors pass through unchanged so errors.Is works across layers
	ErrNotFound          = store.ErrNotFound
	ErrInsufficientStock = store.ErrInsufficientStock

	ErrEmptyCart        = errors.New("cart is empty")
	ErrStockUnavailable = errors.New("stock unavailable")
	// ErrPaidStockUnavailable means the provider captured funds for an order
	// whose stock is gone. The order is FAILED and needs a refund.
	ErrPaidStockUnavailable = fmt.Errorf("%w: order paid but stock could not be reserved", ErrStockUnavailable)

	ErrGateway             = errors.New("payment gateway error")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrPaymentNotCompleted = errors.New("payment not completed")
	ErrOrderClosed         = errors.New("order is closed")
)

// Shortfall is one cart line that cannot be fulfilled from current stock.
type Shortfall struct {
	ProductID string `json:"productId"`
	Name      string `json:"name,omitempty"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// StockError lists every line that failed stock re-validation at checkout.
type StockError struct {
	Shortfalls []Shortfall
}

func (e *StockError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, fmt.Sprintf("%s (requested %d, available %d)", s.ProductID, s.Requested, s.Available))
	}
	return fmt.Sprintf("stock unavailable: %s", strings.Join(parts, ", "))
}

func (e *StockError) Unwrap() error {
	return ErrStockUnavailable
}

// PaymentNotCompletedError carries the order state when the provider has not
// settled a session yet.
type PaymentNotCompletedError struct {
	Order          *models.Order
	ProviderStatus string
}

func (e *PaymentNotCompletedError) Error() string {
	return fmt.Sprintf("payment not completed: provider status %q", e.ProviderStatus)
}

func (e *PaymentNotCompletedError) Unwrap() error {
	return ErrPaymentNotCompleted
}
