// Package email defines the interface for transactional email delivery,
// provides a Resend-backed implementation and builds the storefront's
// message bodies.
package email

import "context"

// Attachment is a file sent alongside a message, e.g. the invoice PDF.
type Attachment struct {
	Filename string
	Content  []byte
}

// Message is one outbound email. From is fixed by the sender.
type Message struct {
	To          string
	Subject     string
	HTML        string
	Attachments []Attachment

	// IdempotencyKey is forwarded to the provider so a retried HTTP call
	// within its idempotency window is not delivered twice.
	IdempotencyKey string
}

// Sender is the interface the notification dispatcher uses to send email.
// Tests inject a stub that records calls without hitting the network.
type Sender interface {
	// Send delivers msg and returns the provider's message id.
	Send(ctx context.Context, msg Message) (string, error)
}
