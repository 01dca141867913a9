package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/payflow/service/errs"
	"github.com/brojonat/payflow/service/fees"
	"github.com/brojonat/payflow/service/outbox"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

var _ outbox.Store = (*Store)(nil)

const outboxColumns = `id, intent_key, destination, amount::text, memo, fee_preset, status, attempts,
	last_error, error_kind, tx_hash, next_attempt_at, created_at, updated_at`

// CreateEntry inserts an outbox entry unless the id already exists.
func (s *Store) CreateEntry(ctx context.Context, entry outbox.PendingTransaction) (outbox.PendingTransaction, bool, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO outbox_entries (id, intent_key, destination, amount, memo, fee_preset, status,
			attempts, last_error, error_kind, tx_hash, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
		RETURNING `+outboxColumns,
		entry.ID,
		entry.IntentKey,
		entry.Destination,
		entry.Amount.String(),
		pgtextFromStringPtr(entry.Memo),
		string(entry.FeePreset),
		string(entry.Status),
		entry.Attempts,
		entry.LastError,
		string(entry.ErrorKind),
		entry.TxHash,
		pgTimestamptzFromPtr(entry.NextAttemptAt),
		entry.CreatedAt,
		entry.UpdatedAt,
	)
	created, err := scanEntry(row)
	s.observe("insert", "outbox_entries", start, ignoreNoRows(err))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, err := s.GetEntry(ctx, entry.ID)
		return existing, false, err
	}
	if err != nil {
		return outbox.PendingTransaction{}, false, fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return created, true, nil
}

// GetEntry retrieves an outbox entry by id.
func (s *Store) GetEntry(ctx context.Context, id string) (outbox.PendingTransaction, error) {
	start := time.Now()
	entry, err := scanEntry(s.pool.QueryRow(ctx, `SELECT `+outboxColumns+` FROM outbox_entries WHERE id = $1`, id))
	s.observe("select", "outbox_entries", start, ignoreNoRows(err))
	if errors.Is(err, pgx.ErrNoRows) {
		return outbox.PendingTransaction{}, errs.Validation(errs.ErrNotFound, "outbox entry %s", id)
	}
	if err != nil {
		return outbox.PendingTransaction{}, fmt.Errorf("failed to get outbox entry: %w", err)
	}
	return entry, nil
}

// ListEntries returns entries oldest first, optionally filtered by status.
func (s *Store) ListEntries(ctx context.Context, filter outbox.Filter) ([]outbox.PendingTransaction, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_entries
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY created_at, id
		LIMIT NULLIF($2::int, 0)`,
		string(filter.Status), filter.Limit,
	)
	if err != nil {
		s.observe("select", "outbox_entries", start, err)
		return nil, fmt.Errorf("failed to list outbox entries: %w", err)
	}
	entries, err := collectEntries(rows)
	s.observe("select", "outbox_entries", start, err)
	return entries, err
}

// ClaimEntry moves a created or failed_retryable entry to submitting.
func (s *Store) ClaimEntry(ctx context.Context, id string, now time.Time) (outbox.PendingTransaction, bool, error) {
	start := time.Now()
	entry, err := scanEntry(s.pool.QueryRow(ctx, `
		UPDATE outbox_entries
		SET status = 'submitting', attempts = attempts + 1, next_attempt_at = NULL, updated_at = $2
		WHERE id = $1 AND status IN ('created', 'failed_retryable')
		RETURNING `+outboxColumns,
		id, now,
	))
	s.observe("update", "outbox_entries", start, ignoreNoRows(err))
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := s.GetEntry(ctx, id)
		return current, false, err
	}
	if err != nil {
		return outbox.PendingTransaction{}, false, fmt.Errorf("failed to claim outbox entry: %w", err)
	}
	return entry, true, nil
}

// CompleteEntry records an attempt outcome if the entry is still submitting.
func (s *Store) CompleteEntry(ctx context.Context, id string, o outbox.Outcome) (outbox.PendingTransaction, bool, error) {
	start := time.Now()
	entry, err := scanEntry(s.pool.QueryRow(ctx, `
		UPDATE outbox_entries
		SET status = $2, tx_hash = $3, last_error = $4, error_kind = $5, next_attempt_at = $6, updated_at = $7
		WHERE id = $1 AND status = 'submitting'
		RETURNING `+outboxColumns,
		id,
		string(o.Status),
		o.TxHash,
		o.LastError,
		string(o.ErrorKind),
		pgTimestamptzFromPtr(o.NextAttemptAt),
		o.At,
	))
	s.observe("update", "outbox_entries", start, ignoreNoRows(err))
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := s.GetEntry(ctx, id)
		return current, false, err
	}
	if err != nil {
		return outbox.PendingTransaction{}, false, fmt.Errorf("failed to complete outbox entry: %w", err)
	}
	return entry, true, nil
}

// ListDueEntries returns entries ready for an attempt, oldest first.
func (s *Store) ListDueEntries(ctx context.Context, now time.Time, limit int) ([]outbox.PendingTransaction, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_entries
		WHERE status = 'created'
		   OR (status = 'failed_retryable' AND (next_attempt_at IS NULL OR next_attempt_at <= $1))
		ORDER BY created_at, id
		LIMIT NULLIF($2::int, 0)`,
		now, limit,
	)
	if err != nil {
		s.observe("select", "outbox_entries", start, err)
		return nil, fmt.Errorf("failed to list due outbox entries: %w", err)
	}
	entries, err := collectEntries(rows)
	s.observe("select", "outbox_entries", start, err)
	return entries, err
}

// DeleteEntry removes an entry that is not submitting.
func (s *Store) DeleteEntry(ctx context.Context, id string) error {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `DELETE FROM outbox_entries WHERE id = $1 AND status <> 'submitting'`, id)
	s.observe("delete", "outbox_entries", start, err)
	if err != nil {
		return fmt.Errorf("failed to delete outbox entry: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetEntry(ctx, id); err != nil {
		return err
	}
	return errs.Validation(errs.ErrEntryBusy, "outbox entry %s", id)
}

// CancelEntry marks a created or failed_retryable entry failed_terminal so no sweep picks it up.
func (s *Store) CancelEntry(ctx context.Context, id, reason string, at time.Time) (outbox.PendingTransaction, bool, error) {
	start := time.Now()
	entry, err := scanEntry(s.pool.QueryRow(ctx, `
		UPDATE outbox_entries
		SET status = 'failed_terminal', last_error = $2, error_kind = 'terminal', next_attempt_at = NULL, updated_at = $3
		WHERE id = $1 AND status IN ('created', 'failed_retryable')
		RETURNING `+outboxColumns,
		id, reason, at,
	))
	s.observe("update", "outbox_entries", start, ignoreNoRows(err))
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := s.GetEntry(ctx, id)
		return current, false, err
	}
	if err != nil {
		return outbox.PendingTransaction{}, false, fmt.Errorf("failed to cancel outbox entry: %w", err)
	}
	return entry, true, nil
}

func scanEntry(row rowScanner) (outbox.PendingTransaction, error) {
	var (
		e         outbox.PendingTransaction
		amount    string
		memo      pgtype.Text
		preset    string
		status    string
		errorKind string
		next      pgtype.Timestamptz
	)
	err := row.Scan(
		&e.ID,
		&e.IntentKey,
		&e.Destination,
		&amount,
		&memo,
		&preset,
		&status,
		&e.Attempts,
		&e.LastError,
		&errorKind,
		&e.TxHash,
		&next,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return outbox.PendingTransaction{}, err
	}

	e.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return outbox.PendingTransaction{}, fmt.Errorf("invalid stored amount %q: %w", amount, err)
	}
	e.Memo = stringPtrFromPgtext(memo)
	e.FeePreset = fees.Preset(preset)
	e.Status = outbox.Status(status)
	e.ErrorKind = errs.Kind(errorKind)
	e.NextAttemptAt = timePtrFromPgTimestamptz(next)
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]outbox.PendingTransaction, error) {
	defer rows.Close()
	var entries []outbox.PendingTransaction
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outbox entries: %w", err)
	}
	return entries, nil
}

func ignoreNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	return err
}
