package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/payflow/service/errs"
	"github.com/brojonat/payflow/service/requests"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

var _ requests.Store = (*Store)(nil)

const requestColumns = `id, from_address, to_address, amount::text, memo, status, created_at, resolved_at, transfer_id`

// CreateRequest inserts a payment request.
func (s *Store) CreateRequest(ctx context.Context, req requests.PaymentRequest) (requests.PaymentRequest, error) {
	start := time.Now()
	created, err := scanRequest(s.pool.QueryRow(ctx, `
		INSERT INTO payment_requests (id, from_address, to_address, amount, memo, status, created_at, resolved_at, transfer_id)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)
		RETURNING `+requestColumns,
		req.ID,
		req.FromAddress,
		req.ToAddress,
		req.Amount.String(),
		pgtextFromStringPtr(req.Memo),
		string(req.Status),
		req.CreatedAt,
		pgTimestamptzFromPtr(req.ResolvedAt),
		req.TransferID,
	))
	s.observe("insert", "payment_requests", start, err)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return requests.PaymentRequest{}, errs.Validation(errs.ErrInvalidTransition, "payment request %s already exists", req.ID)
		}
		return requests.PaymentRequest{}, fmt.Errorf("failed to insert payment request: %w", err)
	}
	return created, nil
}

// GetRequest retrieves a payment request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (requests.PaymentRequest, error) {
	start := time.Now()
	req, err := scanRequest(s.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM payment_requests WHERE id = $1`, id))
	s.observe("select", "payment_requests", start, ignoreNoRows(err))
	if errors.Is(err, pgx.ErrNoRows) {
		return requests.PaymentRequest{}, errs.Validation(errs.ErrNotFound, "payment request %s", id)
	}
	if err != nil {
		return requests.PaymentRequest{}, fmt.Errorf("failed to get payment request: %w", err)
	}
	return req, nil
}

// ListRequests returns requests newest first. Filter.Address matches either party.
func (s *Store) ListRequests(ctx context.Context, filter requests.Filter) ([]requests.PaymentRequest, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM payment_requests
		WHERE ($1::text = '' OR from_address = $1::text OR to_address = $1::text)
		  AND ($2::text = '' OR status = $2::text)
		ORDER BY created_at DESC, id
		LIMIT NULLIF($3::int, 0)`,
		filter.Address, string(filter.Status), filter.Limit,
	)
	if err != nil {
		s.observe("select", "payment_requests", start, err)
		return nil, fmt.Errorf("failed to list payment requests: %w", err)
	}
	defer rows.Close()

	var out []requests.PaymentRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			s.observe("select", "payment_requests", start, err)
			return nil, err
		}
		out = append(out, req)
	}
	err = rows.Err()
	s.observe("select", "payment_requests", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to read payment requests: %w", err)
	}
	return out, nil
}

// ResolveRequest moves a pending request to status.
func (s *Store) ResolveRequest(ctx context.Context, id string, status requests.Status, transferID string, at time.Time) (requests.PaymentRequest, error) {
	start := time.Now()
	req, err := scanRequest(s.pool.QueryRow(ctx, `
		UPDATE payment_requests
		SET status = $2, transfer_id = $3, resolved_at = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING `+requestColumns,
		id, string(status), transferID, at,
	))
	s.observe("update", "payment_requests", start, ignoreNoRows(err))
	if errors.Is(err, pgx.ErrNoRows) {
		current, err := s.GetRequest(ctx, id)
		if err != nil {
			return requests.PaymentRequest{}, err
		}
		return current, errs.Validation(errs.ErrAlreadyResolved, "payment request %s is %s", id, current.Status)
	}
	if err != nil {
		return requests.PaymentRequest{}, fmt.Errorf("failed to resolve payment request: %w", err)
	}
	return req, nil
}

func scanRequest(row rowScanner) (requests.PaymentRequest, error) {
	var (
		r        requests.PaymentRequest
		amount   string
		memo     pgtype.Text
		status   string
		resolved pgtype.Timestamptz
	)
	err := row.Scan(&r.ID, &r.FromAddress, &r.ToAddress, &amount, &memo, &status, &r.CreatedAt, &resolved, &r.TransferID)
	if err != nil {
		return requests.PaymentRequest{}, err
	}
	r.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return requests.PaymentRequest{}, fmt.Errorf("invalid stored amount %q: %w", amount, err)
	}
	r.Memo = stringPtrFromPgtext(memo)
	r.Status = requests.Status(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.ResolvedAt = timePtrFromPgTimestamptz(resolved)
	return r, nil
}
