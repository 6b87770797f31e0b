// Package poller waits on the buyer's side for a deferred-capture order to
// settle after the shopper returns from the hosted payment page.
package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"storefront-service/internal/util"
)

// Outcomes of Wait.
const (
	OutcomePaid            = "paid"
	OutcomeFailed          = "failed"
	OutcomeStillProcessing = "still_processing"
)

const (
	paymentStatusPaid   = "PAID"
	paymentStatusFailed = "FAILED"
)

var (
	ErrUnauthenticated = errors.New("not authenticated")
	ErrNotFound        = errors.New("order not found")
)

// Config controls how long and how often to poll.
type Config struct {
	BaseURL string
	UserID  string
	// Attempts is the number of status reads before giving up.
	Attempts int
	Interval time.Duration
	// CompleteOnAttempt triggers one manual completion after that many
	// unpaid reads. Zero disables it.
	CompleteOnAttempt int
	HTTPClient        *http.Client
}

// DefaultConfig polls eight times 1.5s apart and asks for manual completion
// after the second unpaid read.
func DefaultConfig(baseURL, userID string) Config {
	return Config{
		BaseURL:           baseURL,
		UserID:            userID,
		Attempts:          8,
		Interval:          1500 * time.Millisecond,
		CompleteOnAttempt: 2,
	}
}

// Status is the order state reported by the service.
type Status struct {
	OrderID       string `json:"orderId"`
	Status        string `json:"status"`
	PaymentStatus string `json:"paymentStatus"`
}

// Result is what Wait observed last.
type Result struct {
	Outcome  string
	Status   Status
	Attempts int
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Poller reads order status for a session until it settles.
type Poller struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New creates a poller.
func New(cfg Config) *Poller {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Poller{cfg: cfg, client: client, logger: util.Component("poller")}
}

// Wait polls the session status until the order is PAID or FAILED, or the
// attempts run out. Running out is not an error: the order may still
// complete later and the result says so. Transient read failures use up an
// attempt and polling continues; only authentication and unknown sessions
// end the wait early.
func (p *Poller) Wait(ctx context.Context, sessionID string) (*Result, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	completionTried := false
	unpaidReads := 0
	var last Status
	for attempt := 1; ; attempt++ {
		status, err := p.fetchStatus(ctx, sessionID)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrNotFound):
			return nil, err
		default:
			p.logger.Warn("Status read failed, retrying",
				zap.String("session_id", sessionID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}

		if status != nil {
			last = *status
			if outcome, done := settled(last); done {
				return &Result{Outcome: outcome, Status: last, Attempts: attempt}, nil
			}
			unpaidReads++
		}

		if status != nil && unpaidReads == p.cfg.CompleteOnAttempt && !completionTried {
			completionTried = true
			if completed, err := p.complete(ctx, sessionID); err != nil {
				p.logger.Warn("Manual completion failed, continuing to poll", zap.Error(err))
			} else if outcome, done := settled(*completed); done {
				return &Result{Outcome: outcome, Status: *completed, Attempts: attempt}, nil
			}
		}

		if attempt >= p.cfg.Attempts {
			return &Result{Outcome: OutcomeStillProcessing, Status: last, Attempts: attempt}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.cfg.Interval):
		}
	}
}

func settled(s Status) (string, bool) {
	switch s.PaymentStatus {
	case paymentStatusPaid:
		return OutcomePaid, true
	case paymentStatusFailed:
		return OutcomeFailed, true
	}
	return "", false
}

func (p *Poller) fetchStatus(ctx context.Context, sessionID string) (*Status, error) {
	endpoint := fmt.Sprintf("%s/checkout/session?session_id=%s", p.cfg.BaseURL, url.QueryEscape(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return p.do(req)
}

func (p *Poller) complete(ctx context.Context, sessionID string) (*Status, error) {
	body, err := json.Marshal(map[string]string{"sessionId": sessionID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/checkout/complete", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req)
}

func (p *Poller) do(req *http.Request) (*Status, error) {
	req.Header.Set("X-User-ID", p.cfg.UserID)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return nil, ErrUnauthenticated
	case http.StatusNotFound:
		return nil, ErrNotFound
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("unreadable response (status %d): %w", resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode >= 300 || !env.Success:
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, env.Message)
	}

	var status Status
	if err := json.Unmarshal(env.Data, &status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &status, nil
}
