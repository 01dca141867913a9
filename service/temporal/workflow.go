package temporal

import (
	"fmt"
	"strings"
	"time"

	"github.com/brojonat/payflow/service/fees"
	"github.com/brojonat/payflow/service/outbox"
	"github.com/shopspring/decimal"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// RecurringSendInput is the argument every firing of a recurring send schedule receives.
type RecurringSendInput struct {
	ScheduleID  string          `json:"schedule_id"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
	Memo        *string         `json:"memo,omitempty"`
	FeePreset   fees.Preset     `json:"fee_preset"`
}

// RecurringSendResult summarizes one firing.
type RecurringSendResult struct {
	ScheduleID string        `json:"schedule_id"`
	IntentKey  string        `json:"intent_key"`
	EntryID    string        `json:"entry_id"`
	Status     outbox.Status `json:"status"`
	TxHash     string        `json:"tx_hash,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
}

// OutboxSweepResult summarizes one sweep run.
type OutboxSweepResult struct {
	outbox.SweepResult
	RequestsResolved int       `json:"requests_resolved"`
	SweepTime        time.Time `json:"sweep_time"`
}

func activityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
}

func nonRetryable(err error) error {
	return temporalsdk.NewNonRetryableApplicationError(err.Error(), "validation", err)
}

// fireKey derives a stable per-firing suffix. Temporal schedules start workflows with the id
// "<action id>-<scheduled time>", so retries of one firing share the key.
func fireKey(workflowID, actionID string, now time.Time) string {
	if suffix, ok := strings.CutPrefix(workflowID, actionID+"-"); ok && suffix != "" {
		return suffix
	}
	return now.UTC().Format(time.RFC3339)
}

// RecurringSendIntentKey is the outbox intent key for one firing of a recurring send.
func RecurringSendIntentKey(scheduleID, fire string) string {
	return "recurring:" + scheduleID + ":" + fire
}

// RecurringSendWorkflow runs once per schedule firing:
// 1. Enqueue the send in the outbox under a per-firing intent key (EnqueueSend)
// 2. Make the first delivery attempt (AttemptEntry)
//
// A failed attempt does not fail the workflow. The entry stays in the outbox and the sweep
// schedule retries it.
func RecurringSendWorkflow(ctx workflow.Context, input RecurringSendInput) (*RecurringSendResult, error) {
	logger := workflow.GetLogger(ctx)
	info := workflow.GetInfo(ctx)

	key := RecurringSendIntentKey(input.ScheduleID, fireKey(info.WorkflowExecution.ID, recurringActionID(input.ScheduleID), workflow.Now(ctx)))
	logger.Info("RecurringSendWorkflow started", "schedule_id", input.ScheduleID, "intent_key", key)

	result := &RecurringSendResult{ScheduleID: input.ScheduleID, IntentKey: key}
	ctx = workflow.WithActivityOptions(ctx, activityOptions())

	var enqueued *EnqueueSendResult
	err := workflow.ExecuteActivity(ctx, a.EnqueueSend, EnqueueSendInput{
		IntentKey:   key,
		Destination: input.Destination,
		Amount:      input.Amount,
		Memo:        input.Memo,
		FeePreset:   input.FeePreset,
	}).Get(ctx, &enqueued)
	if err != nil {
		result.LastError = err.Error()
		return result, fmt.Errorf("failed to enqueue recurring send: %w", err)
	}
	result.EntryID = enqueued.EntryID
	result.Status = enqueued.Status

	if enqueued.Status.Terminal() {
		logger.Info("firing already resolved", "entry_id", enqueued.EntryID, "status", enqueued.Status)
		return result, nil
	}

	var attempt *AttemptEntryResult
	err = workflow.ExecuteActivity(ctx, a.AttemptEntry, AttemptEntryInput{EntryID: enqueued.EntryID}).Get(ctx, &attempt)
	if err != nil {
		result.LastError = err.Error()
		return result, fmt.Errorf("failed to attempt recurring send: %w", err)
	}

	result.Status = attempt.Status
	result.TxHash = attempt.TxHash
	result.LastError = attempt.LastError

	logger.Info("RecurringSendWorkflow completed",
		"schedule_id", input.ScheduleID,
		"entry_id", result.EntryID,
		"status", result.Status,
	)
	return result, nil
}

// OutboxSweepWorkflow retries due outbox entries and then resolves payment requests whose
// transfers confirmed during the sweep. A reconcile failure is logged, not returned.
func OutboxSweepWorkflow(ctx workflow.Context) (*OutboxSweepResult, error) {
	logger := workflow.GetLogger(ctx)
	result := &OutboxSweepResult{SweepTime: workflow.Now(ctx)}
	ctx = workflow.WithActivityOptions(ctx, activityOptions())

	var sweep *SweepOutboxResult
	if err := workflow.ExecuteActivity(ctx, a.SweepOutbox).Get(ctx, &sweep); err != nil {
		return result, fmt.Errorf("failed to sweep outbox: %w", err)
	}
	result.SweepResult = sweep.SweepResult

	var reconciled *ReconcileRequestsResult
	if err := workflow.ExecuteActivity(ctx, a.ReconcileRequests).Get(ctx, &reconciled); err != nil {
		logger.Warn("failed to reconcile payment requests", "error", err)
	} else {
		result.RequestsResolved = reconciled.Resolved
	}

	logger.Info("OutboxSweepWorkflow completed",
		"attempted", result.Attempted,
		"confirmed", result.Confirmed,
		"requests_resolved", result.RequestsResolved,
	)
	return result, nil
}
