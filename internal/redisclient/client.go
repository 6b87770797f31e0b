package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	processedEventTTL = 7 * 24 * time.Hour
	orderStatusTTL    = 24 * time.Hour
)

// CachedStatus is a terminal order status keyed by gateway session.
type CachedStatus struct {
	OrderID       string
	UserID        string
	Status        string
	PaymentStatus string
}

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// NewFromRedis wraps an existing connection.
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// IsEventProcessed reports whether a webhook event was already handled.
func (c *Client) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, eventKey(eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkEventProcessed records a handled webhook event. Events are marked only
// after handling succeeds, so a failed attempt is retried by the provider.
func (c *Client) MarkEventProcessed(ctx context.Context, eventID string) error {
	return c.rdb.Set(ctx, eventKey(eventID), "1", processedEventTTL).Err()
}

// CacheOrderStatus stores a terminal status for a session. Terminal statuses
// never change, so the entry never needs invalidating.
func (c *Client) CacheOrderStatus(ctx context.Context, sessionRef string, status CachedStatus) error {
	key := statusKey(sessionRef)

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"order_id":       status.OrderID,
		"user_id":        status.UserID,
		"status":         status.Status,
		"payment_status": status.PaymentStatus,
	})
	pipe.Expire(ctx, key, orderStatusTTL)

	_, err := pipe.Exec(ctx)
	return err
}

// GetCachedOrderStatus returns the cached status, or nil on a miss.
func (c *Client) GetCachedOrderStatus(ctx context.Context, sessionRef string) (*CachedStatus, error) {
	result, err := c.rdb.HGetAll(ctx, statusKey(sessionRef)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(result) == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &CachedStatus{
		OrderID:       result["order_id"],
		UserID:        result["user_id"],
		Status:        result["status"],
		PaymentStatus: result["payment_status"],
	}, nil
}

func eventKey(eventID string) string {
	return fmt.Sprintf("webhook:event:%s", eventID)
}

func statusKey(sessionRef string) string {
	return fmt.Sprintf("order:status:%s", sessionRef)
}
