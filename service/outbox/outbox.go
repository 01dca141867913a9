// Package outbox is the durable queue of submission intents.
//
// Every intent is validated, stored, then delivered through a Submitter. An entry moves
// created -> submitting -> confirmed | failed_retryable | failed_terminal, and failed_retryable
// entries go back to submitting on the next attempt. At most one attempt per entry is in flight
// at any time, and an attempt's result is only recorded while the entry is still submitting.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/brojonat/payflow/service/errs"
	"github.com/brojonat/payflow/service/events"
	"github.com/brojonat/payflow/service/fees"
	"github.com/brojonat/payflow/service/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// AmountScale is the maximum number of fractional digits an amount may carry.
const AmountScale = 9

// DefaultRecoverAfter is how long an entry may stay submitting before a sweep re-evaluates it
// when Config.RecoverAfter is zero.
const DefaultRecoverAfter = 2 * time.Minute

// intentNamespace seeds deterministic ids for keyed intents.
var intentNamespace = uuid.MustParse("6f1c4f7e-2a51-4a53-9f4b-8d1f0e6b7c21")

// IDForKey returns the entry id an intent key maps to.
func IDForKey(intentKey string) string {
	return uuid.NewSHA1(intentNamespace, []byte(intentKey)).String()
}

// Intent is a request to move value, before it becomes an outbox entry.
type Intent struct {
	// IntentKey identifies the logical intent. Enqueueing the same key twice yields the same entry.
	// Empty means every Enqueue creates a new entry.
	IntentKey   string
	Destination string
	Amount      decimal.Decimal
	Memo        *string
	FeePreset   fees.Preset
}

// SubmitRequest is what the Submitter receives for one attempt.
type SubmitRequest struct {
	ID          string
	Destination string
	Amount      decimal.Decimal
	Memo        *string
	PriorityFee uint64
}

// Submitter delivers one entry. Errors should be classified with errs.Retryable or
// errs.Terminal; unclassified errors are treated as retryable.
type Submitter interface {
	Submit(ctx context.Context, req SubmitRequest) (txHash string, err error)
}

// Reconciler looks up the real outcome of an entry whose attempt was interrupted.
type Reconciler interface {
	Reconcile(ctx context.Context, entry PendingTransaction) (txHash string, confirmed bool, err error)
}

// AddressValidator rejects malformed destinations before they are accepted.
type AddressValidator func(address string) error

// Config holds the outbox dependencies. Store and Submitter are required.
type Config struct {
	Store            Store
	Submitter        Submitter
	Reconciler       Reconciler       // optional
	ValidateAddress  AddressValidator // optional
	Policy           RetryPolicy      // zero value uses DefaultRetryPolicy
	SweepConcurrency int              // default 4
	SweepBatch       int              // default 100
	// RecoverAfter leaves entries alone until they have been submitting this long, so another
	// process's attempt in flight is not requeued. Zero makes Recover take every submitting entry,
	// while sweeps still wait DefaultRecoverAfter.
	RecoverAfter     time.Duration
	Events           events.Sink      // optional
	Metrics          *metrics.Metrics // optional
	Logger           *slog.Logger
	Clock            func() time.Time
}

// Outbox accepts intents and drives their delivery.
type Outbox struct {
	store       Store
	submitter   Submitter
	reconciler  Reconciler
	validate    AddressValidator
	policy      RetryPolicy
	concurrency int
	batch       int
	recoverWait time.Duration
	events      events.Sink
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time

	sweepMu sync.Mutex
}

// New creates an Outbox.
func New(cfg Config) (*Outbox, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("outbox: store is required")
	}
	if cfg.Submitter == nil {
		return nil, fmt.Errorf("outbox: submitter is required")
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = DefaultRetryPolicy()
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("outbox: %w", err)
	}
	if cfg.SweepConcurrency <= 0 {
		cfg.SweepConcurrency = 4
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Outbox{
		store:       cfg.Store,
		submitter:   cfg.Submitter,
		reconciler:  cfg.Reconciler,
		validate:    cfg.ValidateAddress,
		policy:      cfg.Policy,
		concurrency: cfg.SweepConcurrency,
		batch:       cfg.SweepBatch,
		recoverWait: cfg.RecoverAfter,
		events:      cfg.Events,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With("component", "outbox"),
		now:         cfg.Clock,
	}, nil
}

// Policy returns the retry policy in effect.
func (o *Outbox) Policy() RetryPolicy {
	return o.policy
}

// Validate checks an intent without storing it.
func (o *Outbox) Validate(in Intent) error {
	dest := strings.TrimSpace(in.Destination)
	if dest == "" {
		return errs.Validation(errs.ErrInvalidAddress, "destination is blank")
	}
	if o.validate != nil {
		if err := o.validate(dest); err != nil {
			return errs.Validation(errs.ErrInvalidAddress, "destination %q: %v", dest, err)
		}
	}
	if in.Amount.IsNegative() {
		return errs.Validation(errs.ErrInvalidAmount, "amount %s is negative", in.Amount.String())
	}
	if !in.Amount.Equal(in.Amount.Truncate(AmountScale)) {
		return errs.Validation(errs.ErrInvalidAmount, "amount %s has more than %d decimal places", in.Amount.String(), AmountScale)
	}
	if in.FeePreset != "" && !in.FeePreset.Valid() {
		return errs.Validation(errs.ErrInvalidPreset, "unknown preset %q", string(in.FeePreset))
	}
	return nil
}

// Enqueue validates and stores an intent. Re-enqueueing a keyed intent returns the existing entry.
func (o *Outbox) Enqueue(ctx context.Context, in Intent) (PendingTransaction, error) {
	if err := o.Validate(in); err != nil {
		return PendingTransaction{}, err
	}

	id := uuid.NewString()
	if in.IntentKey != "" {
		id = IDForKey(in.IntentKey)
	}
	preset := in.FeePreset
	if preset == "" {
		preset = fees.Normal
	}
	now := o.now().UTC()

	entry, created, err := o.store.CreateEntry(ctx, PendingTransaction{
		ID:          id,
		IntentKey:   in.IntentKey,
		Destination: strings.TrimSpace(in.Destination),
		Amount:      in.Amount,
		Memo:        in.Memo,
		FeePreset:   preset,
		CreatedAt:   now,
		Status:      StatusCreated,
		UpdatedAt:   now,
	})
	if err != nil {
		return PendingTransaction{}, fmt.Errorf("failed to store outbox entry: %w", err)
	}

	if !created {
		if entry.Destination != strings.TrimSpace(in.Destination) ||
			!entry.Amount.Equal(in.Amount) ||
			memoText(entry.Memo) != memoText(in.Memo) ||
			entry.FeePreset != preset {
			return entry, errs.Validation(errs.ErrIntentConflict, "intent %q already maps to %s %s (fee preset %s, memo %q)",
				in.IntentKey, entry.Amount.String(), entry.Destination, entry.FeePreset, memoText(entry.Memo))
		}
		o.logger.DebugContext(ctx, "intent already enqueued", "id", entry.ID, "intent_key", in.IntentKey, "status", entry.Status)
		return entry, nil
	}

	o.logger.InfoContext(ctx, "outbox entry created",
		"id", entry.ID,
		"intent_key", entry.IntentKey,
		"destination", entry.Destination,
		"amount", entry.Amount.String(),
		"fee_preset", entry.FeePreset,
	)
	o.recordTransition(ctx, events.OutboxCreated, entry)
	return entry, nil
}

func memoText(memo *string) string {
	if memo == nil {
		return ""
	}
	return *memo
}

// AttemptNow delivers the entry once. It is a no-op returning the current entry when the entry
// is already submitting, confirmed or failed_terminal. Delivery failures are returned as
// classified errors together with the updated entry.
func (o *Outbox) AttemptNow(ctx context.Context, id string) (PendingTransaction, error) {
	entry, claimed, err := o.store.ClaimEntry(ctx, id, o.now().UTC())
	if err != nil {
		return PendingTransaction{}, err
	}
	if !claimed {
		o.logger.DebugContext(ctx, "attempt skipped", "id", id, "status", entry.Status)
		return entry, nil
	}
	o.recordTransition(ctx, events.OutboxSubmitting, entry)

	start := time.Now()
	txHash, submitErr := o.submitter.Submit(ctx, SubmitRequest{
		ID:          entry.ID,
		Destination: entry.Destination,
		Amount:      entry.Amount,
		Memo:        entry.Memo,
		PriorityFee: fees.FeeFor(entry.FeePreset),
	})
	duration := time.Since(start).Seconds()

	outcome, retErr := o.classify(entry, txHash, submitErr)
	if o.metrics != nil {
		o.metrics.RecordOutboxAttempt(outcomeLabel(outcome.Status), duration)
	}

	// the caller's context may be cancelled by now; the result still has to be recorded
	applyCtx := context.WithoutCancel(ctx)
	updated, applied, err := o.store.CompleteEntry(applyCtx, entry.ID, outcome)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			o.logger.WarnContext(ctx, "entry removed during attempt, result dropped", "id", entry.ID, "tx_hash", txHash)
			return PendingTransaction{}, err
		}
		return entry, fmt.Errorf("failed to record attempt outcome: %w", err)
	}
	if !applied {
		o.logger.WarnContext(ctx, "entry changed during attempt, result dropped", "id", entry.ID, "status", updated.Status)
		return updated, retErr
	}

	o.recordTransition(ctx, kindFor(updated.Status), updated)
	switch updated.Status {
	case StatusConfirmed:
		o.logger.InfoContext(ctx, "outbox entry confirmed", "id", updated.ID, "tx_hash", updated.TxHash, "attempts", updated.Attempts)
	case StatusFailedRetryable:
		o.logger.WarnContext(ctx, "outbox attempt failed, will retry",
			"id", updated.ID,
			"attempts", updated.Attempts,
			"next_attempt_at", updated.NextAttemptAt,
			"error", updated.LastError,
		)
	case StatusFailedTerminal:
		o.logger.ErrorContext(ctx, "outbox entry failed permanently", "id", updated.ID, "attempts", updated.Attempts, "error", updated.LastError)
	}
	return updated, retErr
}

// classify turns a submitter result into the outcome to record and the error to surface.
func (o *Outbox) classify(entry PendingTransaction, txHash string, submitErr error) (Outcome, error) {
	now := o.now().UTC()
	if submitErr == nil {
		return Outcome{Status: StatusConfirmed, TxHash: txHash, At: now}, nil
	}

	var classified *errs.Error
	switch errs.KindOf(submitErr) {
	case errs.KindRetryable, errs.KindTerminal:
		errors.As(submitErr, &classified)
	case errs.KindValidation:
		// the submitter refused the input itself; retrying cannot help
		classified = errs.Terminal(errs.ErrRejected, "%v", submitErr)
	default:
		classified = errs.Retryable(errs.ErrDeliveryFailed, "%v", submitErr)
	}

	if classified.Kind == errs.KindRetryable {
		if entry.Attempts >= o.policy.MaxAttempts {
			limit := errs.Terminal(errs.ErrDeliveryFailed, "retry limit exceeded after %d attempts: %v", entry.Attempts, submitErr)
			return Outcome{Status: StatusFailedTerminal, LastError: limit.Error(), ErrorKind: errs.KindTerminal, At: now}, limit
		}
		next := now.Add(o.policy.Delay(entry.Attempts))
		return Outcome{
			Status:        StatusFailedRetryable,
			LastError:     submitErr.Error(),
			ErrorKind:     errs.KindRetryable,
			NextAttemptAt: &next,
			At:            now,
		}, classified
	}
	return Outcome{Status: StatusFailedTerminal, LastError: submitErr.Error(), ErrorKind: errs.KindTerminal, At: now}, classified
}

// Submit enqueues the intent and attempts it immediately. An intent that is already confirmed
// returns its entry without a new attempt; one that already failed terminally returns its
// recorded reason.
func (o *Outbox) Submit(ctx context.Context, in Intent) (PendingTransaction, error) {
	entry, err := o.Enqueue(ctx, in)
	if err != nil {
		return entry, err
	}
	switch entry.Status {
	case StatusConfirmed:
		return entry, nil
	case StatusFailedTerminal:
		return entry, errs.Terminal(errs.ErrDeliveryFailed, "%s", entry.LastError)
	case StatusSubmitting:
		return entry, errs.Retryable(errs.ErrEntryBusy, "outbox entry %s", entry.ID)
	}

	entry, err = o.AttemptNow(ctx, entry.ID)
	if err != nil {
		return entry, err
	}
	if entry.Status == StatusSubmitting {
		return entry, errs.Retryable(errs.ErrEntryBusy, "outbox entry %s", entry.ID)
	}
	return entry, nil
}

// Get returns one entry.
func (o *Outbox) Get(ctx context.Context, id string) (PendingTransaction, error) {
	return o.store.GetEntry(ctx, id)
}

// List returns entries, oldest first, optionally filtered by status.
func (o *Outbox) List(ctx context.Context, filter Filter) ([]PendingTransaction, error) {
	return o.store.ListEntries(ctx, filter)
}

// Remove deletes an entry that is not being submitted. An in-flight attempt for a removed
// entry will not recreate it.
func (o *Outbox) Remove(ctx context.Context, id string) error {
	entry, err := o.store.GetEntry(ctx, id)
	if err != nil {
		return err
	}
	if err := o.store.DeleteEntry(ctx, id); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "outbox entry removed", "id", id, "status", entry.Status)
	o.publish(ctx, events.OutboxRemoved, entry)
	return nil
}

// Cancel stops a created or failed_retryable entry from ever being attempted again. The entry is
// kept as failed_terminal with reason. The bool is false, with the current entry, when the entry
// is submitting, confirmed or already terminal.
func (o *Outbox) Cancel(ctx context.Context, id, reason string) (PendingTransaction, bool, error) {
	entry, cancelled, err := o.store.CancelEntry(ctx, id, reason, o.now().UTC())
	if err != nil {
		return entry, false, err
	}
	if !cancelled {
		o.logger.DebugContext(ctx, "cancel skipped", "id", id, "status", entry.Status)
		return entry, false, nil
	}
	o.logger.InfoContext(ctx, "outbox entry cancelled", "id", id, "reason", reason)
	o.recordTransition(ctx, events.OutboxFailed, entry)
	return entry, true, nil
}

// SweepResult summarizes one RetryDue pass.
type SweepResult struct {
	Attempted int `json:"attempted"`
	Confirmed int `json:"confirmed"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Recovered int `json:"recovered"`
}

// RetryDue first re-evaluates entries stuck submitting for longer than the recovery window,
// then attempts every due entry, oldest first, with bounded concurrency. Delivery failures are
// counted, not returned; only store failures abort the sweep.
func (o *Outbox) RetryDue(ctx context.Context) (SweepResult, error) {
	o.sweepMu.Lock()
	defer o.sweepMu.Unlock()

	wait := o.recoverWait
	if wait <= 0 {
		wait = DefaultRecoverAfter
	}
	recovered, err := o.recoverStale(ctx, wait)
	if err != nil {
		return SweepResult{}, err
	}

	due, err := o.store.ListDueEntries(ctx, o.now().UTC(), o.batch)
	if err != nil {
		return SweepResult{}, fmt.Errorf("failed to list due entries: %w", err)
	}

	var (
		mu     sync.Mutex
		result = SweepResult{Recovered: recovered}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for _, entry := range due {
		id := entry.ID
		g.Go(func() error {
			updated, err := o.AttemptNow(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil && errs.KindOf(err) == "" {
				return err
			}
			switch updated.Status {
			case StatusConfirmed:
				result.Attempted++
				result.Confirmed++
			case StatusFailedRetryable:
				result.Attempted++
				result.Retrying++
			case StatusFailedTerminal:
				result.Attempted++
				result.Failed++
			default:
				result.Skipped++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, fmt.Errorf("retry sweep aborted: %w", err)
	}

	if o.metrics != nil {
		o.metrics.RecordOutboxSweep("due", result.Attempted)
	}
	if len(due) > 0 || recovered > 0 {
		o.logger.InfoContext(ctx, "retry sweep finished",
			"due", len(due),
			"recovered", recovered,
			"confirmed", result.Confirmed,
			"retrying", result.Retrying,
			"failed", result.Failed,
			"skipped", result.Skipped,
		)
	}
	return result, nil
}

// Recover re-evaluates entries left submitting by a previous process. With a Reconciler the
// real outcome is looked up; otherwise, or when the lookup is inconclusive, the entry becomes
// failed_retryable and due immediately. An interrupted entry is never assumed confirmed.
// Entries updated within RecoverAfter are left for a later sweep.
func (o *Outbox) Recover(ctx context.Context) (int, error) {
	return o.recoverStale(ctx, o.recoverWait)
}

func (o *Outbox) recoverStale(ctx context.Context, wait time.Duration) (int, error) {
	stuck, err := o.store.ListEntries(ctx, Filter{Status: StatusSubmitting})
	if err != nil {
		return 0, fmt.Errorf("failed to list in-flight entries: %w", err)
	}

	recovered := 0
	for _, entry := range stuck {
		now := o.now().UTC()
		if wait > 0 && now.Sub(entry.UpdatedAt) < wait {
			o.logger.DebugContext(ctx, "entry still within its attempt window, not recovering", "id", entry.ID)
			continue
		}
		outcome := Outcome{
			Status:        StatusFailedRetryable,
			LastError:     "outcome unknown after restart",
			ErrorKind:     errs.KindRetryable,
			NextAttemptAt: &now,
			At:            now,
		}
		result := "requeued"

		if o.reconciler != nil {
			txHash, confirmed, rerr := o.reconciler.Reconcile(ctx, entry)
			switch {
			case rerr != nil:
				o.logger.WarnContext(ctx, "reconcile failed, requeueing", "id", entry.ID, "error", rerr)
			case confirmed:
				outcome = Outcome{Status: StatusConfirmed, TxHash: txHash, At: now}
				result = "confirmed"
			}
		}

		updated, applied, err := o.store.CompleteEntry(ctx, entry.ID, outcome)
		if err != nil {
			return recovered, fmt.Errorf("failed to recover entry %s: %w", entry.ID, err)
		}
		if !applied {
			continue
		}
		recovered++
		if o.metrics != nil {
			o.metrics.RecordOutboxRecovered(result)
		}
		o.recordTransition(ctx, kindFor(updated.Status), updated)
		o.logger.InfoContext(ctx, "recovered in-flight entry", "id", updated.ID, "status", updated.Status)
	}
	return recovered, nil
}

func (o *Outbox) recordTransition(ctx context.Context, kind events.Kind, entry PendingTransaction) {
	if o.metrics != nil {
		o.metrics.RecordOutboxTransition(string(entry.Status))
	}
	o.publish(ctx, kind, entry)
}

func (o *Outbox) publish(ctx context.Context, kind events.Kind, entry PendingTransaction) {
	err := o.events.Publish(ctx, events.Event{
		Kind:    kind,
		ID:      entry.ID,
		Subject: entry.Destination,
		Status:  string(entry.Status),
		Reason:  entry.LastError,
		TxHash:  entry.TxHash,
		At:      o.now().UTC(),
	})
	if err != nil {
		o.logger.WarnContext(ctx, "failed to publish outbox event", "id", entry.ID, "kind", kind, "error", err)
	}
}

func kindFor(s Status) events.Kind {
	switch s {
	case StatusSubmitting:
		return events.OutboxSubmitting
	case StatusConfirmed:
		return events.OutboxConfirmed
	case StatusFailedRetryable:
		return events.OutboxRetrying
	case StatusFailedTerminal:
		return events.OutboxFailed
	}
	return events.OutboxCreated
}

func outcomeLabel(s Status) string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusFailedRetryable:
		return "retryable"
	}
	return "terminal"
}
