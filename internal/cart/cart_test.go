package cart_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyashahama/licensekeys-backend/internal/cart"
)

func mustNormalize(t *testing.T, lines []cart.Line) []cart.Line {
	t.Helper()
	out, err := cart.Normalize(lines)
	require.NoError(t, err)
	return out
}

func TestFingerprint_StableAcrossPermutations(t *testing.T) {
	a := cart.Line{ProductID: "office-2021-pro", VariantID: "digital-key", Quantity: 2}
	b := cart.Line{ProductID: "windows-11-pro", VariantID: "usb", Quantity: 1}
	c := cart.Line{ProductID: "office-2021-pro", VariantID: "dvd", Quantity: 3}

	want := cart.Fingerprint(mustNormalize(t, []cart.Line{a, b, c}))
	perms := [][]cart.Line{
		{a, c, b}, {b, a, c}, {b, c, a}, {c, a, b}, {c, b, a},
	}
	for _, p := range perms {
		assert.Equal(t, want, cart.Fingerprint(mustNormalize(t, p)))
	}
}

func TestFingerprint_ChangesWithAnyField(t *testing.T) {
	base := []cart.Line{
		{ProductID: "office-2021-pro", VariantID: "digital-key", Quantity: 2},
		{ProductID: "windows-11-pro", VariantID: "usb", Quantity: 1},
	}
	want := cart.Fingerprint(mustNormalize(t, base))

	variants := map[string][]cart.Line{
		"product": {
			{ProductID: "office-2019-pro", VariantID: "digital-key", Quantity: 2},
			{ProductID: "windows-11-pro", VariantID: "usb", Quantity: 1},
		},
		"variant": {
			{ProductID: "office-2021-pro", VariantID: "dvd", Quantity: 2},
			{ProductID: "windows-11-pro", VariantID: "usb", Quantity: 1},
		},
		"quantity": {
			{ProductID: "office-2021-pro", VariantID: "digital-key", Quantity: 3},
			{ProductID: "windows-11-pro", VariantID: "usb", Quantity: 1},
		},
		"dropped line": {
			{ProductID: "office-2021-pro", VariantID: "digital-key", Quantity: 2},
		},
	}
	for name, lines := range variants {
		t.Run(name, func(t *testing.T) {
			assert.NotEqual(t, want, cart.Fingerprint(mustNormalize(t, lines)))
		})
	}
}

func TestNormalize_MergesDuplicateLines(t *testing.T) {
	out := mustNormalize(t, []cart.Line{
		{ProductID: "office-2021-pro", VariantID: "digital-key", Quantity: 1},
		{ProductID: "office-2021-pro", VariantID: "digital-key", Quantity: 2},
	})
	require.Len(t, out, 1)
	assert.Equal(t, 3, out[0].Quantity)

	split := mustNormalize(t, []cart.Line{
		{ProductID: "office-2021-pro", VariantID: "digital-key", Quantity: 1},
		{ProductID: "office-2021-pro", VariantID: "digital-key", Quantity: 2},
	})
	single := mustNormalize(t, []cart.Line{
		{ProductID: "office-2021-pro", VariantID: "digital-key", Quantity: 3},
	})
	assert.Equal(t, cart.Fingerprint(single), cart.Fingerprint(split))
}

func TestNormalize_Rejects(t *testing.T) {
	tooMany := make([]cart.Line, 0, cart.MaxLines+1)
	for i := 0; i <= cart.MaxLines; i++ {
		tooMany = append(tooMany, cart.Line{
			ProductID: "p" + string(rune('a'+i)),
			VariantID: "digital-key",
			Quantity:  1,
		})
	}

	tests := []struct {
		name  string
		lines []cart.Line
		field string
	}{
		{"empty", nil, "items"},
		{"missing product", []cart.Line{{VariantID: "dvd", Quantity: 1}}, "items[0].product_id"},
		{"missing variant", []cart.Line{{ProductID: "office", Quantity: 1}}, "items[0].variant_id"},
		{"malformed id", []cart.Line{{ProductID: "office|x", VariantID: "dvd", Quantity: 1}}, "items[0].product_id"},
		{"zero quantity", []cart.Line{{ProductID: "office", VariantID: "dvd", Quantity: 0}}, "items[0].quantity"},
		{"quantity too high", []cart.Line{{ProductID: "office", VariantID: "dvd", Quantity: cart.MaxQuantity + 1}}, "items[0].quantity"},
		{"merged quantity too high", []cart.Line{
			{ProductID: "office", VariantID: "dvd", Quantity: cart.MaxQuantity},
			{ProductID: "office", VariantID: "dvd", Quantity: 1},
		}, "items"},
		{"too many lines", tooMany, "items"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cart.Normalize(tt.lines)
			var verr *cart.ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}
