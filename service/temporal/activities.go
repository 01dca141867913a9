package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/payflow/service/errs"
	"github.com/brojonat/payflow/service/fees"
	"github.com/brojonat/payflow/service/metrics"
	"github.com/brojonat/payflow/service/outbox"
	"github.com/shopspring/decimal"
)

// EnqueueSendInput contains the parameters for the EnqueueSend activity.
type EnqueueSendInput struct {
	IntentKey   string          `json:"intent_key"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
	Memo        *string         `json:"memo,omitempty"`
	FeePreset   fees.Preset     `json:"fee_preset"`
}

// EnqueueSendResult contains the result of EnqueueSend.
type EnqueueSendResult struct {
	EntryID string        `json:"entry_id"`
	Status  outbox.Status `json:"status"`
}

// AttemptEntryInput contains the parameters for the AttemptEntry activity.
type AttemptEntryInput struct {
	EntryID string `json:"entry_id"`
}

// AttemptEntryResult contains the result of one delivery attempt.
type AttemptEntryResult struct {
	EntryID   string        `json:"entry_id"`
	Status    outbox.Status `json:"status"`
	Attempts  int           `json:"attempts"`
	TxHash    string        `json:"tx_hash,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// SweepOutboxResult contains the result of the SweepOutbox activity.
type SweepOutboxResult struct {
	outbox.SweepResult
}

// ReconcileRequestsResult contains the result of the ReconcileRequests activity.
type ReconcileRequestsResult struct {
	Resolved int `json:"resolved"`
}

// OutboxInterface defines the outbox operations needed by activities.
// This allows for easy mocking in tests.
type OutboxInterface interface {
	Enqueue(ctx context.Context, in outbox.Intent) (outbox.PendingTransaction, error)
	AttemptNow(ctx context.Context, id string) (outbox.PendingTransaction, error)
	RetryDue(ctx context.Context) (outbox.SweepResult, error)
}

// RequestReconciler resolves payment requests whose transfer confirmed after the accept call
// returned.
type RequestReconciler interface {
	Reconcile(ctx context.Context) (int, error)
}

// Activities holds the dependencies needed by Temporal activities.
// Following go-kit pattern, all dependencies are explicit.
type Activities struct {
	outbox   OutboxInterface
	requests RequestReconciler
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded. requests may be nil.
func NewActivities(ob OutboxInterface, requests RequestReconciler, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		outbox:   ob,
		requests: requests,
		metrics:  m,
		logger:   logger,
	}
}

func (a *Activities) observe(activity string, start time.Time) {
	if a.metrics != nil {
		a.metrics.RecordActivityDuration(activity, time.Since(start).Seconds())
	}
}

// EnqueueSend records a send intent in the outbox. Re-running it with the same intent key is a
// no-op returning the existing entry, which is what makes workflow retries safe.
func (a *Activities) EnqueueSend(ctx context.Context, input EnqueueSendInput) (*EnqueueSendResult, error) {
	defer a.observe("EnqueueSend", time.Now())

	entry, err := a.outbox.Enqueue(ctx, outbox.Intent{
		IntentKey:   input.IntentKey,
		Destination: input.Destination,
		Amount:      input.Amount,
		Memo:        input.Memo,
		FeePreset:   input.FeePreset,
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to enqueue send",
			"intent_key", input.IntentKey,
			"destination", input.Destination,
			"error", err,
		)
		if errs.IsValidation(err) {
			return nil, nonRetryable(err)
		}
		return nil, fmt.Errorf("failed to enqueue send: %w", err)
	}

	a.logger.InfoContext(ctx, "send enqueued",
		"intent_key", input.IntentKey,
		"entry_id", entry.ID,
		"status", entry.Status,
	)
	return &EnqueueSendResult{EntryID: entry.ID, Status: entry.Status}, nil
}

// AttemptEntry makes one delivery attempt. Delivery failures are recorded on the entry and
// reported in the result; the outbox sweep owns retries, so only store failures fail the
// activity.
func (a *Activities) AttemptEntry(ctx context.Context, input AttemptEntryInput) (*AttemptEntryResult, error) {
	defer a.observe("AttemptEntry", time.Now())

	entry, err := a.outbox.AttemptNow(ctx, input.EntryID)
	if err != nil && errs.KindOf(err) == "" {
		a.logger.ErrorContext(ctx, "attempt failed to record", "entry_id", input.EntryID, "error", err)
		return nil, fmt.Errorf("failed to attempt entry %s: %w", input.EntryID, err)
	}

	return &AttemptEntryResult{
		EntryID:   input.EntryID,
		Status:    entry.Status,
		Attempts:  entry.Attempts,
		TxHash:    entry.TxHash,
		LastError: entry.LastError,
	}, nil
}

// SweepOutbox retries every due outbox entry.
func (a *Activities) SweepOutbox(ctx context.Context) (*SweepOutboxResult, error) {
	defer a.observe("SweepOutbox", time.Now())

	result, err := a.outbox.RetryDue(ctx)
	if err != nil {
		a.logger.ErrorContext(ctx, "outbox sweep failed", "error", err)
		return nil, fmt.Errorf("failed to sweep outbox: %w", err)
	}
	return &SweepOutboxResult{SweepResult: result}, nil
}

// ReconcileRequests resolves pending payment requests whose transfer has since confirmed.
func (a *Activities) ReconcileRequests(ctx context.Context) (*ReconcileRequestsResult, error) {
	defer a.observe("ReconcileRequests", time.Now())

	if a.requests == nil {
		return &ReconcileRequestsResult{}, nil
	}
	n, err := a.requests.Reconcile(ctx)
	if err != nil {
		a.logger.ErrorContext(ctx, "request reconcile failed", "error", err)
		return nil, fmt.Errorf("failed to reconcile requests: %w", err)
	}
	if n > 0 {
		a.logger.InfoContext(ctx, "payment requests reconciled", "resolved", n)
	}
	return &ReconcileRequestsResult{Resolved: n}, nil
}
