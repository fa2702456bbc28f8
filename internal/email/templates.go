package email

import (
	"fmt"
	"html"
	"strings"
	"time"
)

// ─── TEMPLATE DATA ────────────────────────────────────────────────────────────

type OrderLine struct {
	ProductName string
	VariantName string
	Quantity    int32
	UnitAmount  int64 // minor units
}

// OrderSummary is the order data every storefront email renders.
type OrderSummary struct {
	StoreName string
	Reference string
	Email     string
	Currency  string
	Total     int64 // minor units
	Lines     []OrderLine
	PaidAt    time.Time
}

type LicenseKey struct {
	ProductName string
	Key         string
}

// FormatAmount renders minor units as a price, e.g. 37980 "eur" → "€379.80".
func FormatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	amount := fmt.Sprintf("%d.%02d", minor/100, minor%100)
	switch strings.ToLower(currency) {
	case "eur":
		return sign + "€" + amount
	case "usd":
		return sign + "$" + amount
	case "gbp":
		return sign + "£" + amount
	default:
		return sign + amount + " " + strings.ToUpper(currency)
	}
}

// ─── MESSAGES ─────────────────────────────────────────────────────────────────

// PaymentConfirmation returns the subject and body of the customer receipt.
func PaymentConfirmation(o OrderSummary) (subject, body string) {
	subject = fmt.Sprintf("%s: payment received for order %s", o.StoreName, o.Reference)
	body = layout(o.StoreName, "Payment Confirmed", fmt.Sprintf(`
  <p>Thank you for your purchase. We have received your payment of
  <strong>%s</strong> for order <strong>%s</strong>.</p>
  %s
  <p>Your license keys will follow in a separate email as soon as they are assigned.</p>`,
		FormatAmount(o.Total, o.Currency), html.EscapeString(o.Reference), linesTable(o)))
	return subject, body
}

// LicenseDelivery returns the grouped license key email for an order.
func LicenseDelivery(o OrderSummary, keys []LicenseKey) (subject, body string) {
	subject = fmt.Sprintf("%s: your license keys for order %s", o.StoreName, o.Reference)

	var rows strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&rows, `
    <tr>
      <td style="padding: 6px 12px 6px 0;">%s</td>
      <td style="padding: 6px 0; font-family: monospace; font-size: 15px;">%s</td>
    </tr>`, html.EscapeString(k.ProductName), html.EscapeString(k.Key))
	}

	body = layout(o.StoreName, "Your License Keys", fmt.Sprintf(`
  <p>Here are the license keys for order <strong>%s</strong>. Keep this email
  somewhere safe; each key activates one installation.</p>
  <table style="border-collapse: collapse; margin: 24px 0;">%s
  </table>
  <p style="color: #6b7280; font-size: 14px;">
    Your invoice is attached when available. If a key does not activate, reply to this email.
  </p>`, html.EscapeString(o.Reference), rows.String()))
	return subject, body
}

// SaleAlert returns the internal notification sent to the store operator.
func SaleAlert(o OrderSummary) (subject, body string) {
	subject = fmt.Sprintf("New sale %s: %s", o.Reference, FormatAmount(o.Total, o.Currency))
	body = layout(o.StoreName, "New Sale", fmt.Sprintf(`
  <p>Order <strong>%s</strong> was paid by %s.</p>
  %s`, html.EscapeString(o.Reference), html.EscapeString(o.Email), linesTable(o)))
	return subject, body
}

// ─── HTML HELPERS ─────────────────────────────────────────────────────────────

func linesTable(o OrderSummary) string {
	var b strings.Builder
	b.WriteString(`<table style="border-collapse: collapse; width: 100%; margin: 16px 0;">`)
	for _, l := range o.Lines {
		name := l.ProductName
		if l.VariantName != "" {
			name += " (" + l.VariantName + ")"
		}
		fmt.Fprintf(&b, `
    <tr>
      <td style="padding: 4px 0;">%d × %s</td>
      <td style="padding: 4px 0; text-align: right;">%s</td>
    </tr>`, l.Quantity, html.EscapeString(name), FormatAmount(l.UnitAmount*int64(l.Quantity), o.Currency))
	}
	fmt.Fprintf(&b, `
    <tr>
      <td style="padding: 8px 0; border-top: 1px solid #e5e7eb;"><strong>Total</strong></td>
      <td style="padding: 8px 0; border-top: 1px solid #e5e7eb; text-align: right;"><strong>%s</strong></td>
    </tr>
  </table>`, FormatAmount(o.Total, o.Currency))
	return b.String()
}

func layout(storeName, heading, content string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family: sans-serif; color: #1a1a1a; max-width: 560px; margin: 0 auto; padding: 24px;">
  <h2 style="margin-bottom: 8px;">%s</h2>
  %s
  <hr style="border: none; border-top: 1px solid #e5e7eb; margin: 32px 0;">
  <p style="color: #9ca3af; font-size: 12px;">%s · Genuine Microsoft license keys</p>
</body>
</html>`, html.EscapeString(heading), content, html.EscapeString(storeName))
}
