// Package pricing turns priced line items and an optional coupon into a
// totals breakdown. It does no I/O, so the cart preview, checkout and order
// display all show identical figures for identical input.
package pricing

import (
	"strings"

	"github.com/shopspring/decimal"

	"storefront-service/config"
)

// LineItem is a quantity of something at a unit price.
type LineItem struct {
	Quantity  int
	UnitPrice decimal.Decimal
}

// Totals is the breakdown shown to the customer and stored on the order.
type Totals struct {
	Subtotal      decimal.Decimal `json:"subtotal"`
	Discount      decimal.Decimal `json:"discount"`
	Shipping      decimal.Decimal `json:"shipping"`
	Tax           decimal.Decimal `json:"tax"`
	Total         decimal.Decimal `json:"total"`
	CouponApplied bool            `json:"couponApplied"`
	CouponCode    *string         `json:"couponCode"`
}

// Calculator applies one pricing scheme.
type Calculator struct {
	taxRate               decimal.Decimal
	shippingFlat          decimal.Decimal
	freeShippingThreshold decimal.Decimal
	couponCode            string
	couponRate            decimal.Decimal
}

// NewCalculator builds a calculator from the pricing configuration.
func NewCalculator(cfg config.PricingConfig) *Calculator {
	return &Calculator{
		taxRate:               cfg.TaxRate,
		shippingFlat:          cfg.ShippingFlat,
		freeShippingThreshold: cfg.FreeShippingThreshold,
		couponCode:            NormalizeCoupon(cfg.CouponCode),
		couponRate:            cfg.CouponDiscountRate,
	}
}

// NormalizeCoupon trims and upper-cases a coupon code.
func NormalizeCoupon(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Compute returns the totals for items. Unknown or empty coupon codes are
// treated as absent.
func (c *Calculator) Compute(items []LineItem, couponCode string) Totals {
	sum := decimal.Zero
	for _, item := range items {
		if item.Quantity <= 0 {
			continue
		}
		sum = sum.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	subtotal := round(sum)

	normalized := NormalizeCoupon(couponCode)
	applied := c.couponCode != "" && normalized == c.couponCode

	discount := decimal.Zero
	if applied {
		discount = round(subtotal.Mul(c.couponRate))
	}

	discounted := round(decimal.Max(decimal.Zero, subtotal.Sub(discount)))

	shipping := c.shippingFlat
	if discounted.IsZero() || discounted.GreaterThanOrEqual(c.freeShippingThreshold) {
		shipping = decimal.Zero
	}

	tax := round(discounted.Mul(c.taxRate))

	totals := Totals{
		Subtotal:      subtotal,
		Discount:      discount,
		Shipping:      shipping,
		Tax:           tax,
		Total:         round(discounted.Add(shipping).Add(tax)),
		CouponApplied: applied,
	}
	if applied {
		totals.CouponCode = &normalized
	}
	return totals
}

// ToCents converts an amount to integer minor units.
func ToCents(amount decimal.Decimal) int64 {
	return round(amount).Shift(2).IntPart()
}

func round(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
