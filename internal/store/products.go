package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"storefront-service/internal/models"
)

const productColumns = "id, name, price, stock, category_id"

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT "+productColumns+" FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProductsByIDs retrieves multiple products by IDs
func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT "+productColumns+" FROM products WHERE id IN (?) ORDER BY id", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var products []models.Product
	err = s.db.SelectContext(ctx, &products, query, args...)
	return products, err
}

// ReserveStock decrements stock for a single product in its own transaction.
func (s *Store) ReserveStock(ctx context.Context, productID string, quantity int) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return reserveStock(ctx, tx, productID, quantity)
	})
}

// reserveStock is the only writer of products.stock. The conditional update
// makes check and decrement one atomic step, so concurrent reservations can
// never take stock below zero.
func reserveStock(ctx context.Context, tx *sqlx.Tx, productID string, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("reserve %d of %s: invalid quantity", quantity, productID)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE products SET stock = stock - $2, updated_at = NOW() WHERE id = $1 AND stock >= $2",
		productID, quantity)
	if isCheckViolation(err) {
		return fmt.Errorf("product %s: %w", productID, ErrInsufficientStock)
	}
	if err != nil {
		return fmt.Errorf("failed to reserve stock: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("product %s: %w", productID, ErrInsufficientStock)
	}
	return nil
}
