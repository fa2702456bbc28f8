// Package cart validates and normalizes checkout carts and derives the cart
// fingerprint used to detect repeated checkouts of the same cart.
package cart

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	// MaxLines caps the number of distinct (product, variant) lines per cart.
	MaxLines = 20
	// MaxQuantity caps the quantity of a single line after merging duplicates.
	MaxQuantity = 10
)

// idPattern restricts catalog ids to slug characters. The fingerprint joins
// ids with '|' and ';', so neither may appear inside an id.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Line is one (product, variant, quantity) tuple. Clients never send prices.
type Line struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id"`
	Quantity  int    `json:"quantity"`
}

// ValidationError describes a field-level problem with a submitted cart.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "cart: " + e.Message
	}
	return fmt.Sprintf("cart: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Normalize validates lines, merges duplicate (product, variant) pairs and
// returns them sorted by (ProductID, VariantID). Every other function in this
// package expects normalized input.
func Normalize(lines []Line) ([]Line, error) {
	if len(lines) == 0 {
		return nil, invalid("items", "cart is empty")
	}

	merged := make(map[[2]string]int, len(lines))
	for i, l := range lines {
		field := fmt.Sprintf("items[%d]", i)
		if l.ProductID == "" {
			return nil, invalid(field+".product_id", "is required")
		}
		if !idPattern.MatchString(l.ProductID) {
			return nil, invalid(field+".product_id", "is malformed")
		}
		if l.VariantID == "" {
			return nil, invalid(field+".variant_id", "is required")
		}
		if !idPattern.MatchString(l.VariantID) {
			return nil, invalid(field+".variant_id", "is malformed")
		}
		if l.Quantity < 1 || l.Quantity > MaxQuantity {
			return nil, invalid(field+".quantity", "must be between 1 and %d", MaxQuantity)
		}
		merged[[2]string{l.ProductID, l.VariantID}] += l.Quantity
	}

	if len(merged) > MaxLines {
		return nil, invalid("items", "at most %d distinct items are allowed", MaxLines)
	}

	out := make([]Line, 0, len(merged))
	for key, qty := range merged {
		if qty > MaxQuantity {
			return nil, invalid("items", "quantity for %s/%s exceeds %d", key[0], key[1], MaxQuantity)
		}
		out = append(out, Line{ProductID: key[0], VariantID: key[1], Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].VariantID < out[j].VariantID
	})
	return out, nil
}

// Fingerprint returns the hex SHA-256 of the canonical form of lines. It is an
// idempotency key, not a security boundary. Lines must be normalized.
func Fingerprint(lines []Line) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = l.ProductID + "|" + l.VariantID + "|" + strconv.Itoa(l.Quantity)
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, ";")))
	return hex.EncodeToString(sum[:])
}
