package temporal

import (
	"context"
	"time"

	"github.com/brojonat/payflow/service/fees"
	"github.com/shopspring/decimal"
)

const (
	// SweepScheduleID is the id of the single outbox sweep schedule.
	SweepScheduleID = "payflow-outbox-sweep"

	recurringSchedulePrefix = "recurring-send-"
)

// RecurringSend describes a payment sent on a fixed interval.
type RecurringSend struct {
	ID          string          `json:"id"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
	Memo        *string         `json:"memo,omitempty"`
	FeePreset   fees.Preset     `json:"fee_preset"`
	Interval    time.Duration   `json:"interval"`
}

// Scheduler manages Temporal schedules for recurring sends and the outbox sweep.
// Each recurring send gets its own schedule that triggers the RecurringSendWorkflow.
type Scheduler interface {
	// CreateRecurringSendSchedule creates a schedule firing RecurringSendWorkflow every interval.
	CreateRecurringSendSchedule(ctx context.Context, send RecurringSend) error

	// DeleteRecurringSendSchedule deletes the schedule for a recurring send.
	DeleteRecurringSendSchedule(ctx context.Context, id string) error

	// EnsureSweepSchedule creates or updates the outbox sweep schedule.
	EnsureSweepSchedule(ctx context.Context, interval time.Duration) error
}

// recurringScheduleID returns the Temporal schedule ID for a recurring send.
func recurringScheduleID(id string) string {
	return recurringSchedulePrefix + id
}

// recurringActionID is the workflow id prefix every firing of a recurring send starts with.
func recurringActionID(id string) string {
	return "recurring-send-wf-" + id
}
