// Package invoice renders the proof-of-purchase PDF attached to license
// delivery emails.
package invoice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
)

type Line struct {
	Name       string
	Quantity   int32
	UnitAmount int64 // minor units
}

// Summary is everything printed on the invoice.
type Summary struct {
	StoreName string
	Reference string
	Email     string
	Currency  string
	Lines     []Line
	Total     int64 // minor units
	PaidAt    time.Time
}

var ErrEmptyInvoice = errors.New("invoice: no lines")

// Renderer produces A4 PDF invoices.
type Renderer struct {
	// Now stamps the document creation date; defaults to time.Now.
	Now func() time.Time
}

func NewRenderer() *Renderer {
	return &Renderer{Now: time.Now}
}

// Render returns the PDF bytes for s. It honours ctx only before starting;
// rendering itself is CPU-bound and short.
func (r *Renderer) Render(ctx context.Context, s Summary) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.Lines) == 0 {
		return nil, ErrEmptyInvoice
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetCreationDate(r.Now())
	pdf.SetTitle("Invoice "+s.Reference, true)
	pdf.SetCreator(s.StoreName, true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(0, 10, tr(s.StoreName), "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 11)
	pdf.CellFormat(0, 6, "Invoice "+s.Reference, "", 1, "L", false, 0, "")
	paid := s.PaidAt
	if paid.IsZero() {
		paid = r.Now()
	}
	pdf.CellFormat(0, 6, "Date: "+paid.UTC().Format("2 January 2006"), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, "Billed to: "+tr(s.Email), "", 1, "L", false, 0, "")
	pdf.Ln(8)

	widths := []float64{100, 20, 35, 35}
	pdf.SetFont("Helvetica", "B", 11)
	pdf.SetFillColor(240, 240, 240)
	for i, h := range []string{"Item", "Qty", "Unit price", "Amount"} {
		align := "R"
		if i == 0 {
			align = "L"
		}
		pdf.CellFormat(widths[i], 8, h, "B", 0, align, true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 11)
	for _, l := range s.Lines {
		pdf.CellFormat(widths[0], 7, tr(l.Name), "", 0, "L", false, 0, "")
		pdf.CellFormat(widths[1], 7, fmt.Sprintf("%d", l.Quantity), "", 0, "R", false, 0, "")
		pdf.CellFormat(widths[2], 7, formatAmount(l.UnitAmount, s.Currency), "", 0, "R", false, 0, "")
		pdf.CellFormat(widths[3], 7, formatAmount(l.UnitAmount*int64(l.Quantity), s.Currency), "", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	pdf.SetFont("Helvetica", "B", 11)
	pdf.CellFormat(widths[0]+widths[1]+widths[2], 9, "Total", "T", 0, "R", false, 0, "")
	pdf.CellFormat(widths[3], 9, formatAmount(s.Total, s.Currency), "T", 1, "R", false, 0, "")

	pdf.Ln(12)
	pdf.SetFont("Helvetica", "I", 9)
	pdf.MultiCell(0, 5, "License keys are delivered electronically and are bound to this order. "+
		"Keep this invoice as proof of purchase.", "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("invoice: render %s: %w", s.Reference, err)
	}
	return buf.Bytes(), nil
}

// Filename is the attachment name used for an order's invoice.
func Filename(reference string) string {
	return "invoice-" + reference + ".pdf"
}

func formatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, minor/100, minor%100, strings.ToUpper(currency))
}
