package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"storefront-service/config"
	"storefront-service/internal/models"
	"storefront-service/internal/pricing"
	"storefront-service/internal/util"
)

// CartService handles cart mutations and previews
type CartService struct {
	store      CartStore
	calculator *pricing.Calculator
	cfg        config.CheckoutConfig
	logger     *zap.Logger
}

// NewCartService creates a new cart service
func NewCartService(store CartStore, calculator *pricing.Calculator, cfg config.CheckoutConfig) *CartService {
	return &CartService{
		store:      store,
		calculator: calculator,
		cfg:        cfg,
		logger:     util.GetLogger(),
	}
}

// CartLineView is a cart line priced at the current product price.
type CartLineView struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Stock     int             `json:"stock"`
	Quantity  int             `json:"quantity"`
	LineTotal decimal.Decimal `json:"lineTotal"`
}

// CartView is the cart preview. Totals are not binding until checkout.
type CartView struct {
	Items         []CartLineView `json:"items"`
	Totals        pricing.Totals `json:"totals"`
	TotalQuantity int            `json:"totalQuantity"`
}

// CartMutation is the result of Add or SetQuantity. Item is nil and Removed
// is true when the line no longer exists.
type CartMutation struct {
	Item          *models.CartItem `json:"item"`
	Removed       bool             `json:"removed"`
	TotalQuantity int              `json:"totalQuantity"`
}

// Add puts quantity more of a product into the user's cart. A nil quantity
// means the configured default.
func (s *CartService) Add(ctx context.Context, userID, productID string, quantity *int) (*CartMutation, error) {
	ctx, span := util.StartSpan(ctx, "CartService.Add", attribute.String("product_id", productID))
	defer span.End()

	qty := s.cfg.DefaultQuantity
	if quantity != nil {
		qty = *quantity
	}
	if qty <= 0 {
		util.CartMutationsTotal.WithLabelValues("add", "invalid").Inc()
		return nil, ErrInvalidQuantity
	}
	if productID == "" {
		return nil, fmt.Errorf("%w: productId is required", ErrValidation)
	}

	product, err := s.store.GetProductByID(ctx, productID)
	if err != nil {
		return nil, err
	}
	if qty > product.Stock {
		util.CartMutationsTotal.WithLabelValues("add", "insufficient_stock").Inc()
		return nil, fmt.Errorf("product %s: %w", productID, ErrInsufficientStock)
	}

	newQty, err := s.store.AddCartItem(ctx, userID, productID, qty)
	if err != nil {
		if errors.Is(err, ErrInsufficientStock) {
			util.CartMutationsTotal.WithLabelValues("add", "insufficient_stock").Inc()
		}
		util.RecordError(span, err)
		return nil, err
	}
	util.CartMutationsTotal.WithLabelValues("add", "ok").Inc()

	s.logger.Debug("Cart item added",
		zap.String("user_id", userID),
		zap.String("product_id", productID),
		zap.Int("quantity", newQty))

	return s.mutationResult(ctx, userID, &models.CartItem{ProductID: productID, Quantity: newQty, Stock: product.Stock}, false)
}

// SetQuantity replaces the quantity of a line. Zero removes the line and is
// a no-op when the line does not exist. Removed is set only when a line was
// actually deleted.
func (s *CartService) SetQuantity(ctx context.Context, userID, productID string, quantity int) (*CartMutation, error) {
	ctx, span := util.StartSpan(ctx, "CartService.SetQuantity", attribute.String("product_id", productID))
	defer span.End()

	if quantity < 0 {
		util.CartMutationsTotal.WithLabelValues("set", "invalid").Inc()
		return nil, fmt.Errorf("%w: quantity must not be negative", ErrValidation)
	}
	if productID == "" {
		return nil, fmt.Errorf("%w: productId is required", ErrValidation)
	}

	if quantity > 0 {
		product, err := s.store.GetProductByID(ctx, productID)
		if err != nil {
			return nil, err
		}
		if quantity > product.Stock {
			util.CartMutationsTotal.WithLabelValues("set", "insufficient_stock").Inc()
			return nil, fmt.Errorf("product %s: %w", productID, ErrInsufficientStock)
		}
	}

	item, removed, err := s.store.SetCartItemQuantity(ctx, userID, productID, quantity)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	util.CartMutationsTotal.WithLabelValues("set", "ok").Inc()

	return s.mutationResult(ctx, userID, item, removed)
}

// View returns the cart with live prices and a totals preview.
func (s *CartService) View(ctx context.Context, userID, couponCode string) (*CartView, error) {
	ctx, span := util.StartSpan(ctx, "CartService.View")
	defer span.End()

	lines, err := s.store.ListCartLines(ctx, userID)
	if err != nil {
		return nil, err
	}

	view := &CartView{Items: make([]CartLineView, 0, len(lines))}
	for _, line := range lines {
		view.Items = append(view.Items, CartLineView{
			ProductID: line.ProductID,
			Name:      line.Name,
			Price:     line.Price,
			Stock:     line.Stock,
			Quantity:  line.Quantity,
			LineTotal: line.Price.Mul(decimal.NewFromInt(int64(line.Quantity))).Round(2),
		})
		view.TotalQuantity += line.Quantity
	}
	view.Totals = s.calculator.Compute(lineItems(lines), couponCode)
	return view, nil
}

func (s *CartService) mutationResult(ctx context.Context, userID string, item *models.CartItem, removed bool) (*CartMutation, error) {
	lines, err := s.store.ListCartLines(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &CartMutation{
		Item:          item,
		Removed:       removed,
		TotalQuantity: totalQuantity(lines),
	}, nil
}

func lineItems(lines []models.CartLine) []pricing.LineItem {
	items := make([]pricing.LineItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, pricing.LineItem{Quantity: line.Quantity, UnitPrice: line.Price})
	}
	return items
}

func totalQuantity(lines []models.CartLine) int {
	total := 0
	for _, line := range lines {
		total += line.Quantity
	}
	return total
}
