package db

import (
	"context"
)

const emailLogColumns = `id, dedupe_key, kind, recipient, subject, status, provider_message_id, error, created_at, sent_at`

func scanEmailLog(row rowScanner) (EmailLog, error) {
	var i EmailLog
	err := row.Scan(
		&i.ID,
		&i.DedupeKey,
		&i.Kind,
		&i.Recipient,
		&i.Subject,
		&i.Status,
		&i.ProviderMessageID,
		&i.Error,
		&i.CreatedAt,
		&i.SentAt,
	)
	return i, err
}

// Duplicate dedupe keys return sql.ErrNoRows.
const insertEmailLog = `
INSERT INTO email_log (dedupe_key, kind, recipient, subject)
VALUES ($1, $2, $3, $4)
ON CONFLICT (dedupe_key) DO NOTHING
RETURNING ` + emailLogColumns

type InsertEmailLogParams struct {
	DedupeKey string
	Kind      string
	Recipient string
	Subject   string
}

func (q *Queries) InsertEmailLog(ctx context.Context, arg InsertEmailLogParams) (EmailLog, error) {
	return scanEmailLog(q.db.QueryRowContext(ctx, insertEmailLog, arg.DedupeKey, arg.Kind, arg.Recipient, arg.Subject))
}

const markEmailSent = `
UPDATE email_log SET status = 'sent', provider_message_id = $2, error = NULL, sent_at = now()
WHERE dedupe_key = $1
RETURNING ` + emailLogColumns

type MarkEmailSentParams struct {
	DedupeKey         string
	ProviderMessageID string
}

func (q *Queries) MarkEmailSent(ctx context.Context, arg MarkEmailSentParams) (EmailLog, error) {
	return scanEmailLog(q.db.QueryRowContext(ctx, markEmailSent, arg.DedupeKey, arg.ProviderMessageID))
}

const markEmailFailed = `
UPDATE email_log SET status = 'failed', error = $2
WHERE dedupe_key = $1
RETURNING ` + emailLogColumns

type MarkEmailFailedParams struct {
	DedupeKey string
	Error     string
}

func (q *Queries) MarkEmailFailed(ctx context.Context, arg MarkEmailFailedParams) (EmailLog, error) {
	return scanEmailLog(q.db.QueryRowContext(ctx, markEmailFailed, arg.DedupeKey, arg.Error))
}
