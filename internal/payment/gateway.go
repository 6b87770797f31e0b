// Package payment talks to the hosted payment provider: it opens checkout
// sessions, looks them up again and authenticates webhook deliveries.
package payment

import (
	"context"
	"errors"
)

var (
	// ErrInvalidSignature is returned for webhook payloads that fail verification.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrUnavailable is returned while the gateway circuit is open.
	ErrUnavailable = errors.New("payment gateway unavailable")
)

// Provider payment statuses reported on a session.
const (
	SessionPaid              = "paid"
	SessionUnpaid            = "unpaid"
	SessionNoPaymentRequired = "no_payment_required"
)

// Webhook event types the storefront reacts to.
const (
	EventSessionCompleted      = "checkout.session.completed"
	EventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	EventSessionExpired        = "checkout.session.expired"
)

// MetadataOrderID is the session metadata key carrying the order ID.
const MetadataOrderID = "orderId"

// SessionRequest describes a hosted checkout for one order.
type SessionRequest struct {
	OrderID       string
	AmountCents   int64
	ItemCount     int
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
}

// Session is the provider's view of a checkout session.
type Session struct {
	ID               string
	URL              string
	PaymentStatus    string
	OrderID          string
	PaymentIntentRef string
	CustomerRef      string
}

// IsPaid reports whether the provider considers the session settled.
func (s *Session) IsPaid() bool {
	return s.PaymentStatus == SessionPaid || s.PaymentStatus == SessionNoPaymentRequired
}

// Event is an authenticated webhook delivery. Session is nil for events that
// are not about a checkout session.
type Event struct {
	ID      string
	Type    string
	Session *Session
}

// Gateway is the payment provider as seen by checkout and reconciliation.
type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	RetrieveSession(ctx context.Context, sessionID string) (*Session, error)
	ParseWebhook(payload []byte, signature string) (*Event, error)
}
