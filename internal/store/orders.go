package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"storefront-service/internal/models"
)

// CreateOrderOptions selects the side effects committed with a new order.
type CreateOrderOptions struct {
	ReserveStock bool
	ClearCart    bool
}

// reservationOrder returns a copy of items sorted by product ID. Every
// multi-row reservation locks product rows in this order so two checkouts
// sharing products cannot deadlock.
func reservationOrder(items []models.OrderItem) []models.OrderItem {
	sorted := append([]models.OrderItem(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ProductID < sorted[j].ProductID
	})
	return sorted
}

func reserveItems(ctx context.Context, tx *sqlx.Tx, items []models.OrderItem) error {
	for _, item := range reservationOrder(items) {
		if err := reserveStock(ctx, tx, item.ProductID, item.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// CreateOrder inserts the order and its items in one transaction. With
// ReserveStock every item is reserved first; a shortfall rolls everything back
// and returns ErrInsufficientStock.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order, items []models.OrderItem, opts CreateOrderOptions) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if opts.ReserveStock {
			if err := reserveItems(ctx, tx, items); err != nil {
				return err
			}
		}
		order.StockReserved = opts.ReserveStock

		err := tx.GetContext(ctx, order, `
			INSERT INTO orders (id, user_id, subtotal, discount, shipping, tax, total, coupon_code,
				status, payment_status, capture_mode, stock_reserved, paid_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING *`,
			order.ID, order.UserID, order.Subtotal, order.Discount, order.Shipping, order.Tax, order.Total,
			order.CouponCode, order.Status, order.PaymentStatus, order.CaptureMode, order.StockReserved, order.PaidAt)
		if err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}

		for i := range items {
			items[i].OrderID = order.ID
			err := tx.GetContext(ctx, &items[i].ID, `
				INSERT INTO order_items (order_id, product_id, quantity, unit_price)
				VALUES ($1, $2, $3, $4)
				RETURNING id`,
				items[i].OrderID, items[i].ProductID, items[i].Quantity, items[i].UnitPrice)
			if err != nil {
				return fmt.Errorf("failed to create order item: %w", err)
			}
		}

		if opts.ClearCart {
			return clearCart(ctx, tx, order.UserID)
		}
		return nil
	})
}

// BindSession records the gateway session on an unpaid order and clears the
// owner's cart in the same transaction.
func (s *Store) BindSession(ctx context.Context, orderID, sessionRef string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var userID string
		err := tx.GetContext(ctx, &userID, `
			UPDATE orders SET session_ref = $2, updated_at = NOW()
			WHERE id = $1 AND payment_status = 'UNPAID'
			RETURNING user_id`,
			orderID, sessionRef)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("unpaid order %s: %w", orderID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to bind session: %w", err)
		}
		return clearCart(ctx, tx, userID)
	})
}

// FinalizeOrder moves an UNPAID order to PAID/PAID, reserving stock for every
// item unless checkout already did, and clears the owner's cart. The bool
// reports whether this call made the transition. An order that is already
// terminal is returned unchanged. A reservation shortfall rolls back the whole
// transition and returns ErrInsufficientStock.
func (s *Store) FinalizeOrder(ctx context.Context, orderID string, refs models.PaymentRefs) (*models.Order, bool, error) {
	var order models.Order
	transitioned := false

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &order, `
			UPDATE orders
			SET status = 'PAID',
			    payment_status = 'PAID',
			    paid_at = COALESCE(paid_at, NOW()),
			    payment_intent_ref = COALESCE(NULLIF($2, ''), payment_intent_ref),
			    customer_ref = COALESCE(NULLIF($3, ''), customer_ref),
			    updated_at = NOW()
			WHERE id = $1 AND payment_status = 'UNPAID'
			RETURNING *`,
			orderID, refs.PaymentIntentRef, refs.CustomerRef)
		if errors.Is(err, sql.ErrNoRows) {
			return tx.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", orderID)
		}
		if err != nil {
			return fmt.Errorf("failed to finalize order: %w", err)
		}
		transitioned = true

		if !order.StockReserved {
			var items []models.OrderItem
			err := tx.SelectContext(ctx, &items,
				"SELECT * FROM order_items WHERE order_id = $1 ORDER BY product_id, id", orderID)
			if err != nil {
				return err
			}
			if err := reserveItems(ctx, tx, items); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"UPDATE orders SET stock_reserved = TRUE WHERE id = $1", orderID); err != nil {
				return err
			}
			order.StockReserved = true
		}

		return clearCart(ctx, tx, order.UserID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return nil, false, err
	}
	return &order, transitioned, nil
}

// FailOrder moves an UNPAID order to FAILED/FAILED. Terminal orders are
// returned unchanged with false.
func (s *Store) FailOrder(ctx context.Context, orderID string, refs models.PaymentRefs) (*models.Order, bool, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, `
		UPDATE orders
		SET status = 'FAILED',
		    payment_status = 'FAILED',
		    payment_intent_ref = COALESCE(NULLIF($2, ''), payment_intent_ref),
		    customer_ref = COALESCE(NULLIF($3, ''), customer_ref),
		    updated_at = NOW()
		WHERE id = $1 AND payment_status = 'UNPAID'
		RETURNING *`,
		orderID, refs.PaymentIntentRef, refs.CustomerRef)
	if err == nil {
		return &order, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to fail order: %w", err)
	}

	current, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// GetOrder retrieves an order by ID
func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderBySessionRef retrieves the order bound to a gateway session.
func (s *Store) GetOrderBySessionRef(ctx context.Context, sessionRef string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE session_ref = $1", sessionRef)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionRef, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderItems retrieves all items for an order with the current product
// name of each line.
func (s *Store) GetOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	items := []models.OrderItem{}
	err := s.db.SelectContext(ctx, &items, `
		SELECT oi.id, oi.order_id, oi.product_id, oi.quantity, oi.unit_price,
		       COALESCE(p.name, '') AS name
		FROM order_items oi
		LEFT JOIN products p ON p.id = oi.product_id
		WHERE oi.order_id = $1
		ORDER BY oi.id`,
		orderID)
	return items, err
}

// FailStaleUnboundOrders fails UNPAID orders that never got a gateway session
// and are older than maxAge. It returns the IDs it moved.
func (s *Store) FailStaleUnboundOrders(ctx context.Context, maxAge time.Duration) ([]string, error) {
	ids := []string{}
	err := s.db.SelectContext(ctx, &ids, `
		UPDATE orders
		SET status = 'FAILED', payment_status = 'FAILED', updated_at = NOW()
		WHERE payment_status = 'UNPAID'
		  AND session_ref IS NULL
		  AND created_at < NOW() - make_interval(secs => $1)
		RETURNING id`,
		maxAge.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to sweep orders: %w", err)
	}
	return ids, nil
}

// GetUserContact returns the notification address of a user.
func (s *Store) GetUserContact(ctx context.Context, userID string) (*models.UserContact, error) {
	var contact models.UserContact
	err := s.db.GetContext(ctx, &contact, "SELECT id, email, name FROM users WHERE id = $1", userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &contact, nil
}
