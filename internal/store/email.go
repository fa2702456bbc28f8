package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nyashahama/licensekeys-backend/internal/db"
)

// ClaimEmail inserts the pending email log row for dedupeKey. A key that was
// used before, whatever its send outcome, returns ErrDuplicateEmail.
func (s *Store) ClaimEmail(ctx context.Context, dedupeKey, kind, recipient, subject string) error {
	_, err := s.q.InsertEmailLog(ctx, db.InsertEmailLogParams{
		DedupeKey: dedupeKey,
		Kind:      kind,
		Recipient: recipient,
		Subject:   subject,
	})
	if errors.Is(err, sql.ErrNoRows) {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("ClaimEmail: %w", err)
	}
	return nil
}

func (s *Store) MarkEmailSent(ctx context.Context, dedupeKey, providerMessageID string) error {
	if _, err := s.q.MarkEmailSent(ctx, db.MarkEmailSentParams{
		DedupeKey:         dedupeKey,
		ProviderMessageID: providerMessageID,
	}); err != nil {
		return fmt.Errorf("MarkEmailSent: %w", notFound(err))
	}
	return nil
}

func (s *Store) MarkEmailFailed(ctx context.Context, dedupeKey, detail string) error {
	if _, err := s.q.MarkEmailFailed(ctx, db.MarkEmailFailedParams{
		DedupeKey: dedupeKey,
		Error:     detail,
	}); err != nil {
		return fmt.Errorf("MarkEmailFailed: %w", notFound(err))
	}
	return nil
}
