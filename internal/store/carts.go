package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"storefront-service/internal/models"
)

// getOrCreateCart returns the user's single cart, creating it when absent.
// UNIQUE(user_id) turns a concurrent second insert into an update of the
// existing row.
func getOrCreateCart(ctx context.Context, q sqlx.QueryerContext, userID string) (string, error) {
	var cartID string
	err := sqlx.GetContext(ctx, q, &cartID, `
		INSERT INTO carts (id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET updated_at = NOW()
		RETURNING id`,
		uuid.New().String(), userID)
	if err != nil {
		return "", fmt.Errorf("failed to get cart: %w", err)
	}
	return cartID, nil
}

// AddCartItem adds quantity to the user's line for productID and returns the
// resulting line quantity. The summed quantity is checked against live stock
// in the same statement; on failure the previous quantity is left untouched.
func (s *Store) AddCartItem(ctx context.Context, userID, productID string, quantity int) (int, error) {
	var total int
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		cartID, err := getOrCreateCart(ctx, tx, userID)
		if err != nil {
			return err
		}

		err = tx.GetContext(ctx, &total, `
			INSERT INTO cart_items (cart_id, product_id, quantity)
			SELECT $1::text, $2::text, $3::int
			WHERE $3::int <= (SELECT stock FROM products WHERE id = $2::text)
			ON CONFLICT (cart_id, product_id) DO UPDATE
			SET quantity = cart_items.quantity + EXCLUDED.quantity, updated_at = NOW()
			WHERE cart_items.quantity + EXCLUDED.quantity <= (SELECT stock FROM products WHERE id = $2::text)
			RETURNING quantity`,
			cartID, productID, quantity)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("product %s: %w", productID, ErrInsufficientStock)
		}
		if err != nil {
			return fmt.Errorf("failed to add cart item: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// SetCartItemQuantity sets the line quantity. Zero removes the line and the
// bool reports whether a line was actually deleted. A nil item with a nil
// error means there is no line after the call.
func (s *Store) SetCartItemQuantity(ctx context.Context, userID, productID string, quantity int) (*models.CartItem, bool, error) {
	if quantity == 0 {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM cart_items ci
			USING carts c
			WHERE c.id = ci.cart_id AND c.user_id = $1 AND ci.product_id = $2`,
			userID, productID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to remove cart item: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, false, fmt.Errorf("failed to remove cart item: %w", err)
		}
		return nil, n > 0, nil
	}

	var item models.CartItem
	err := s.db.GetContext(ctx, &item, `
		UPDATE cart_items ci
		SET quantity = $3, updated_at = NOW()
		FROM carts c, products p
		WHERE c.id = ci.cart_id
		  AND c.user_id = $1
		  AND ci.product_id = $2
		  AND p.id = ci.product_id
		  AND $3 <= p.stock
		RETURNING ci.product_id, ci.quantity, p.stock`,
		userID, productID, quantity)
	if err == nil {
		return &item, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to update cart item: %w", err)
	}

	var exists bool
	err = s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM cart_items ci
			JOIN carts c ON c.id = ci.cart_id
			WHERE c.user_id = $1 AND ci.product_id = $2
		)`,
		userID, productID)
	if err != nil {
		return nil, false, err
	}
	if exists {
		return nil, false, fmt.Errorf("product %s: %w", productID, ErrInsufficientStock)
	}
	return nil, false, nil
}

// ListCartLines returns the user's cart joined with live product rows, in
// insertion order. A user without a cart has no lines.
func (s *Store) ListCartLines(ctx context.Context, userID string) ([]models.CartLine, error) {
	lines := []models.CartLine{}
	err := s.db.SelectContext(ctx, &lines, `
		SELECT ci.product_id, ci.quantity, p.name, p.price, p.stock
		FROM cart_items ci
		JOIN carts c ON c.id = ci.cart_id
		JOIN products p ON p.id = ci.product_id
		WHERE c.user_id = $1
		ORDER BY ci.created_at, ci.id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cart: %w", err)
	}
	return lines, nil
}

// ClearCart removes every line from the user's cart.
func (s *Store) ClearCart(ctx context.Context, userID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return clearCart(ctx, tx, userID)
	})
}

func clearCart(ctx context.Context, tx *sqlx.Tx, userID string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM cart_items ci
		USING carts c
		WHERE c.id = ci.cart_id AND c.user_id = $1`,
		userID)
	if err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	return nil
}
