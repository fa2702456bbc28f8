// Package pricing computes authoritative order totals from catalog rows.
// Client-submitted prices never reach this package; a cart only names
// products, variants and quantities.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nyashahama/licensekeys-backend/internal/cart"
	"github.com/nyashahama/licensekeys-backend/internal/db"
)

var (
	ErrInvalidCart              = errors.New("pricing: invalid cart")
	ErrProductNotFound          = errors.New("pricing: product not found")
	ErrVariantNotFound          = errors.New("pricing: variant not found")
	ErrInvalidVariantForProduct = errors.New("pricing: variant does not belong to product")
	ErrInvalidPrice             = errors.New("pricing: catalog price is invalid")
)

// Catalog is the read side of the product catalog. Each method is one
// batched query; the engine never queries per line.
type Catalog interface {
	ListProductsByIDs(ctx context.Context, ids []string) ([]db.Product, error)
	ListVariantsByIDs(ctx context.Context, ids []string) ([]db.ProductVariant, error)
}

// PricedLine is a cart line with its catalog snapshot and integer minor-unit
// prices.
type PricedLine struct {
	cart.Line
	ProductName   string
	VariantName   string
	LicenseBacked bool
	UnitPrice     int64
	Subtotal      int64
}

// Quote is the priced cart. Total is always the sum of the line subtotals.
type Quote struct {
	Lines []PricedLine
	Total int64
}

// Engine fetches the catalog snapshot for a cart and prices it.
type Engine struct {
	catalog Catalog
}

func NewEngine(catalog Catalog) *Engine {
	return &Engine{catalog: catalog}
}

// Quote prices normalized lines. It issues exactly one product query and one
// variant query regardless of cart size.
func (e *Engine) Quote(ctx context.Context, lines []cart.Line) (Quote, error) {
	if err := checkBounds(lines); err != nil {
		return Quote{}, err
	}

	productIDs, variantIDs := distinctIDs(lines)

	products, err := e.catalog.ListProductsByIDs(ctx, productIDs)
	if err != nil {
		return Quote{}, fmt.Errorf("pricing: list products: %w", err)
	}
	variants, err := e.catalog.ListVariantsByIDs(ctx, variantIDs)
	if err != nil {
		return Quote{}, fmt.Errorf("pricing: list variants: %w", err)
	}

	return Price(lines, products, variants)
}

// Price is the pure half of Quote: given the same lines and catalog rows it
// always returns the same quote.
func Price(lines []cart.Line, products []db.Product, variants []db.ProductVariant) (Quote, error) {
	if err := checkBounds(lines); err != nil {
		return Quote{}, err
	}

	productsByID := make(map[string]db.Product, len(products))
	for _, p := range products {
		if p.Active {
			productsByID[p.ID] = p
		}
	}
	variantsByID := make(map[string]db.ProductVariant, len(variants))
	for _, v := range variants {
		if v.Active {
			variantsByID[v.ID] = v
		}
	}

	q := Quote{Lines: make([]PricedLine, 0, len(lines))}
	for _, l := range lines {
		product, ok := productsByID[l.ProductID]
		if !ok {
			return Quote{}, fmt.Errorf("%w: %s", ErrProductNotFound, l.ProductID)
		}
		variant, ok := variantsByID[l.VariantID]
		if !ok {
			return Quote{}, fmt.Errorf("%w: %s", ErrVariantNotFound, l.VariantID)
		}
		// A client could pair a cheap variant id with an expensive product.
		if variant.ProductID != product.ID {
			return Quote{}, fmt.Errorf("%w: %s/%s", ErrInvalidVariantForProduct, l.ProductID, l.VariantID)
		}

		unit := ToMinorUnits(productPrice(product).Add(variant.PriceModifier))
		if unit <= 0 {
			return Quote{}, fmt.Errorf("%w: %s/%s", ErrInvalidPrice, l.ProductID, l.VariantID)
		}

		subtotal := unit * int64(l.Quantity)
		q.Lines = append(q.Lines, PricedLine{
			Line:          l,
			ProductName:   product.Name,
			VariantName:   variant.Name,
			LicenseBacked: product.LicenseBacked,
			UnitPrice:     unit,
			Subtotal:      subtotal,
		})
		q.Total += subtotal
	}
	return q, nil
}

// productPrice is the lower of the base price and any promotional price.
func productPrice(p db.Product) decimal.Decimal {
	if p.PromoPrice.Valid && p.PromoPrice.Decimal.LessThan(p.BasePrice) {
		return p.PromoPrice.Decimal
	}
	return p.BasePrice
}

// ToMinorUnits converts a catalog decimal amount to integer minor units
// (cents), rounding half away from zero. This is the only rounding step.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func checkBounds(lines []cart.Line) error {
	if len(lines) == 0 {
		return fmt.Errorf("%w: no lines", ErrInvalidCart)
	}
	if len(lines) > cart.MaxLines {
		return fmt.Errorf("%w: %d lines exceeds %d", ErrInvalidCart, len(lines), cart.MaxLines)
	}
	for _, l := range lines {
		if l.Quantity < 1 || l.Quantity > cart.MaxQuantity {
			return fmt.Errorf("%w: quantity %d for %s", ErrInvalidCart, l.Quantity, l.ProductID)
		}
	}
	return nil
}

func distinctIDs(lines []cart.Line) (productIDs, variantIDs []string) {
	seenP := make(map[string]struct{}, len(lines))
	seenV := make(map[string]struct{}, len(lines))
	for _, l := range lines {
		if _, ok := seenP[l.ProductID]; !ok {
			seenP[l.ProductID] = struct{}{}
			productIDs = append(productIDs, l.ProductID)
		}
		if _, ok := seenV[l.VariantID]; !ok {
			seenV[l.VariantID] = struct{}{}
			variantIDs = append(variantIDs, l.VariantID)
		}
	}
	return productIDs, variantIDs
}
