package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
	"go.uber.org/zap"

	"storefront-service/config"
	"storefront-service/internal/util"
)

// StripeGateway implements Gateway with Stripe Checkout. Outbound calls go
// through a circuit breaker so a provider outage fails checkouts fast.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	currency      string
	timeout       time.Duration
	breaker       *gobreaker.CircuitBreaker[*stripe.CheckoutSession]
	logger        *zap.Logger
}

// NewStripeGateway creates a gateway. backends may be nil to use Stripe's
// default endpoints.
func NewStripeGateway(cfg config.PaymentConfig, backends *stripe.Backends) *StripeGateway {
	logger := util.Component("stripe")

	timeout := time.Duration(cfg.PaymentTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	currency := strings.ToLower(cfg.Currency)
	if currency == "" {
		currency = "usd"
	}

	breaker := gobreaker.NewCircuitBreaker[*stripe.CheckoutSession](gobreaker.Settings{
		Name:        "stripe",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: isBreakerSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &StripeGateway{
		api:           client.New(cfg.StripeSecretKey, backends),
		webhookSecret: cfg.StripeWebhookSecret,
		currency:      currency,
		timeout:       timeout,
		breaker:       breaker,
		logger:        logger,
	}
}

// isBreakerSuccess keeps client errors (bad request, not found) from
// tripping the breaker; only transport failures and 5xx count.
func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return stripeErr.HTTPStatusCode > 0 && stripeErr.HTTPStatusCode < 500
	}
	return false
}

// CreateSession opens a hosted checkout for the order total as a single
// line, with the order ID in the session metadata.
func (g *StripeGateway) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	ctx, span := util.StartSpan(ctx, "StripeGateway.CreateSession")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.OrderID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(g.currency),
					UnitAmount: stripe.Int64(req.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(fmt.Sprintf("Order %s", req.OrderID)),
						Description: stripe.String(fmt.Sprintf("%d item(s)", req.ItemCount)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{MetadataOrderID: req.OrderID},
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	params.AddMetadata(MetadataOrderID, req.OrderID)
	params.Context = ctx

	start := time.Now()
	cs, err := g.breaker.Execute(func() (*stripe.CheckoutSession, error) {
		return g.api.CheckoutSessions.New(params)
	})
	util.PaymentGatewayLatency.WithLabelValues("create_session").Observe(time.Since(start).Seconds())
	if err != nil {
		util.RecordError(span, err)
		return nil, g.wrap("create session", err)
	}

	return toSession(cs), nil
}

// RetrieveSession fetches the current state of a session.
func (g *StripeGateway) RetrieveSession(ctx context.Context, sessionID string) (*Session, error) {
	ctx, span := util.StartSpan(ctx, "StripeGateway.RetrieveSession")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	start := time.Now()
	cs, err := g.breaker.Execute(func() (*stripe.CheckoutSession, error) {
		return g.api.CheckoutSessions.Get(sessionID, params)
	})
	util.PaymentGatewayLatency.WithLabelValues("retrieve_session").Observe(time.Since(start).Seconds())
	if err != nil {
		util.RecordError(span, err)
		return nil, g.wrap("retrieve session", err)
	}

	return toSession(cs), nil
}

// ParseWebhook verifies the signature header and decodes the event. Nothing
// in an unverified payload is trusted.
func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*Event, error) {
	if g.webhookSecret == "" || signature == "" {
		return nil, ErrInvalidSignature
	}

	evt, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		g.logger.Warn("Webhook verification failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	event := &Event{ID: evt.ID, Type: string(evt.Type)}
	if !strings.HasPrefix(event.Type, "checkout.session.") || evt.Data == nil {
		return event, nil
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(evt.Data.Raw, &cs); err != nil {
		return nil, fmt.Errorf("failed to decode checkout session: %w", err)
	}
	event.Session = toSession(&cs)
	return event, nil
}

func (g *StripeGateway) wrap(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func toSession(cs *stripe.CheckoutSession) *Session {
	s := &Session{
		ID:            cs.ID,
		URL:           cs.URL,
		PaymentStatus: string(cs.PaymentStatus),
		OrderID:       cs.Metadata[MetadataOrderID],
	}
	if s.OrderID == "" {
		s.OrderID = cs.ClientReferenceID
	}
	if cs.PaymentIntent != nil {
		s.PaymentIntentRef = cs.PaymentIntent.ID
	}
	if cs.Customer != nil {
		s.CustomerRef = cs.Customer.ID
	}
	return s
}
