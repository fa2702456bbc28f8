package pricing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyashahama/licensekeys-backend/internal/cart"
	"github.com/nyashahama/licensekeys-backend/internal/db"
	"github.com/nyashahama/licensekeys-backend/internal/pricing"
)

type stubCatalog struct {
	products     []db.Product
	variants     []db.ProductVariant
	productCalls int
	variantCalls int
	err          error
}

func (c *stubCatalog) ListProductsByIDs(_ context.Context, _ []string) ([]db.Product, error) {
	c.productCalls++
	return c.products, c.err
}

func (c *stubCatalog) ListVariantsByIDs(_ context.Context, _ []string) ([]db.ProductVariant, error) {
	c.variantCalls++
	return c.variants, c.err
}

func product(id, price string) db.Product {
	return db.Product{ID: id, Name: id, BasePrice: decimal.RequireFromString(price), LicenseBacked: true, Active: true}
}

func variant(id, productID, modifier string) db.ProductVariant {
	return db.ProductVariant{ID: id, ProductID: productID, Name: id, PriceModifier: decimal.RequireFromString(modifier), Active: true}
}

func TestQuote_OfficeExample(t *testing.T) {
	catalog := &stubCatalog{
		products: []db.Product{product("office-2021-pro", "189.90")},
		variants: []db.ProductVariant{variant("digital-key", "office-2021-pro", "0")},
	}

	q, err := pricing.NewEngine(catalog).Quote(context.Background(), []cart.Line{
		{ProductID: "office-2021-pro", VariantID: "digital-key", Quantity: 2},
	})
	require.NoError(t, err)

	require.Len(t, q.Lines, 1)
	assert.Equal(t, int64(18990), q.Lines[0].UnitPrice)
	assert.Equal(t, int64(37980), q.Total)
	assert.True(t, q.Lines[0].LicenseBacked)
}

func TestQuote_BatchesCatalogQueries(t *testing.T) {
	catalog := &stubCatalog{
		products: []db.Product{product("office-2021-pro", "189.90"), product("windows-11-pro", "149.00")},
		variants: []db.ProductVariant{
			variant("office-key", "office-2021-pro", "0"),
			variant("office-dvd", "office-2021-pro", "12.50"),
			variant("windows-usb", "windows-11-pro", "20"),
		},
	}
	lines := []cart.Line{
		{ProductID: "office-2021-pro", VariantID: "office-dvd", Quantity: 1},
		{ProductID: "office-2021-pro", VariantID: "office-key", Quantity: 3},
		{ProductID: "windows-11-pro", VariantID: "windows-usb", Quantity: 2},
	}

	q, err := pricing.NewEngine(catalog).Quote(context.Background(), lines)
	require.NoError(t, err)

	assert.Equal(t, 1, catalog.productCalls)
	assert.Equal(t, 1, catalog.variantCalls)

	var sum int64
	for _, l := range q.Lines {
		assert.Equal(t, l.UnitPrice*int64(l.Quantity), l.Subtotal)
		sum += l.Subtotal
	}
	assert.Equal(t, sum, q.Total)
	assert.Equal(t, int64(20240+3*18990+2*16900), q.Total)
}

func TestPrice_Deterministic(t *testing.T) {
	products := []db.Product{product("office-2021-pro", "189.90")}
	variants := []db.ProductVariant{variant("digital-key", "office-2021-pro", "0.005")}
	lines := []cart.Line{{ProductID: "office-2021-pro", VariantID: "digital-key", Quantity: 4}}

	first, err := pricing.Price(lines, products, variants)
	require.NoError(t, err)
	second, err := pricing.Price(lines, products, variants)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(18991), first.Lines[0].UnitPrice)
}

func TestPrice_PromoPriceNeverRaisesPrice(t *testing.T) {
	lines := []cart.Line{{ProductID: "office-2021-pro", VariantID: "digital-key", Quantity: 1}}
	variants := []db.ProductVariant{variant("digital-key", "office-2021-pro", "0")}

	cheaper := product("office-2021-pro", "189.90")
	cheaper.PromoPrice = decimal.NewNullDecimal(decimal.RequireFromString("99.00"))
	q, err := pricing.Price(lines, []db.Product{cheaper}, variants)
	require.NoError(t, err)
	assert.Equal(t, int64(9900), q.Total)

	surcharge := product("office-2021-pro", "189.90")
	surcharge.PromoPrice = decimal.NewNullDecimal(decimal.RequireFromString("250.00"))
	q, err = pricing.Price(lines, []db.Product{surcharge}, variants)
	require.NoError(t, err)
	assert.Equal(t, int64(18990), q.Total)
}

func TestPrice_Errors(t *testing.T) {
	products := []db.Product{product("office-2021-pro", "189.90"), product("windows-11-pro", "149.00")}
	variants := []db.ProductVariant{
		variant("office-key", "office-2021-pro", "0"),
		variant("windows-key", "windows-11-pro", "0"),
		variant("free-key", "office-2021-pro", "-189.90"),
	}
	inactive := product("visio-2021", "99.00")
	inactive.Active = false
	products = append(products, inactive)
	variants = append(variants, variant("visio-key", "visio-2021", "0"))

	tests := []struct {
		name  string
		lines []cart.Line
		want  error
	}{
		{"empty", nil, pricing.ErrInvalidCart},
		{"quantity", []cart.Line{{ProductID: "office-2021-pro", VariantID: "office-key", Quantity: 0}}, pricing.ErrInvalidCart},
		{"unknown product", []cart.Line{{ProductID: "nope", VariantID: "office-key", Quantity: 1}}, pricing.ErrProductNotFound},
		{"inactive product", []cart.Line{{ProductID: "visio-2021", VariantID: "visio-key", Quantity: 1}}, pricing.ErrProductNotFound},
		{"unknown variant", []cart.Line{{ProductID: "office-2021-pro", VariantID: "nope", Quantity: 1}}, pricing.ErrVariantNotFound},
		{"mismatched variant", []cart.Line{{ProductID: "office-2021-pro", VariantID: "windows-key", Quantity: 1}}, pricing.ErrInvalidVariantForProduct},
		{"non-positive price", []cart.Line{{ProductID: "office-2021-pro", VariantID: "free-key", Quantity: 1}}, pricing.ErrInvalidPrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pricing.Price(tt.lines, products, variants)
			assert.True(t, errors.Is(err, tt.want), "got %v, want %v", err, tt.want)
		})
	}
}

func TestQuote_CatalogErrorIsWrapped(t *testing.T) {
	boom := errors.New("connection reset")
	_, err := pricing.NewEngine(&stubCatalog{err: boom}).Quote(context.Background(), []cart.Line{
		{ProductID: "office-2021-pro", VariantID: "digital-key", Quantity: 1},
	})
	assert.ErrorIs(t, err, boom)
}

func TestToMinorUnits(t *testing.T) {
	assert.Equal(t, int64(18990), pricing.ToMinorUnits(decimal.RequireFromString("189.90")))
	assert.Equal(t, int64(1), pricing.ToMinorUnits(decimal.RequireFromString("0.005")))
	assert.Equal(t, int64(0), pricing.ToMinorUnits(decimal.RequireFromString("0.004")))
}
