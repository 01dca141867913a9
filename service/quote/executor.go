package quote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/payflow/service/errs"
	"github.com/brojonat/payflow/service/events"
	"github.com/brojonat/payflow/service/metrics"
)

// State is the swap execution state.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateSuccess    State = "success"
	StateError      State = "error"
)

// Execution is an immutable view of the executor.
type Execution struct {
	State     State     `json:"state"`
	TxHash    string    `json:"tx_hash,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	QuoteID   string    `json:"quote_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QuoteProvider supplies the quote to execute. *Manager implements it.
type QuoteProvider interface {
	ValidQuote() (*Quote, error)
}

// Swapper carries out a quoted swap and returns the transaction hash.
type Swapper interface {
	Swap(ctx context.Context, q Quote) (txHash string, err error)
}

// ExecutorConfig holds Executor dependencies. Quotes and Swapper are required.
type ExecutorConfig struct {
	// Session names the executor in events and logs.
	Session string
	Quotes  QuoteProvider
	Swapper Swapper
	// AutoReset returns success and error to idle after this long. Zero waits for Dismiss.
	AutoReset time.Duration
	Events    events.Sink
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Clock     func() time.Time
}

// Executor runs at most one swap at a time.
type Executor struct {
	session   string
	quotes    QuoteProvider
	swapper   Swapper
	autoReset time.Duration
	events    events.Sink
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	notify    *notifier[Execution]

	mu    sync.Mutex
	state Execution
	seq   uint64
	timer *time.Timer
}

// NewExecutor creates an idle Executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Quotes == nil {
		return nil, fmt.Errorf("quote: quote provider is required")
	}
	if cfg.Swapper == nil {
		return nil, fmt.Errorf("quote: swapper is required")
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
	return &Executor{
		session:   cfg.Session,
		quotes:    cfg.Quotes,
		swapper:   cfg.Swapper,
		autoReset: cfg.AutoReset,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With("component", "swap_executor", "session", cfg.Session),
		now:       cfg.Clock,
		notify:    newNotifier[Execution](),
		state:     Execution{State: StateIdle, UpdatedAt: cfg.Clock().UTC()},
	}, nil
}

// State returns the current execution.
func (e *Executor) State() Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscribe returns a channel receiving every state change.
func (e *Executor) Subscribe() (<-chan Execution, func()) {
	return e.notify.subscribe(8)
}

// Confirm executes the current quote. It is rejected while another execution is processing and
// after a success that has not been dismissed.
func (e *Executor) Confirm(ctx context.Context) (Execution, error) {
	e.mu.Lock()
	switch e.state.State {
	case StateProcessing:
		defer e.mu.Unlock()
		return e.state, errs.Validation(errs.ErrExecutionInProgress, "swap %s is already processing", e.state.QuoteID)
	case StateSuccess:
		defer e.mu.Unlock()
		return e.state, errs.Validation(errs.ErrInvalidTransition, "dismiss the completed swap before confirming another")
	}
	return e.execute(ctx)
}

// Retry re-executes after an error.
func (e *Executor) Retry(ctx context.Context) (Execution, error) {
	e.mu.Lock()
	if e.state.State != StateError {
		defer e.mu.Unlock()
		if e.state.State == StateProcessing {
			return e.state, errs.Validation(errs.ErrExecutionInProgress, "swap %s is already processing", e.state.QuoteID)
		}
		return e.state, errs.Validation(errs.ErrInvalidTransition, "retry is only allowed after an error, state is %s", e.state.State)
	}
	return e.execute(ctx)
}

// execute is called with e.mu held and releases it.
func (e *Executor) execute(ctx context.Context) (Execution, error) {
	q, err := e.quotes.ValidQuote()
	if err != nil {
		defer e.mu.Unlock()
		return e.state, err
	}

	e.stopTimerLocked()
	e.seq++
	e.setLocked(Execution{State: StateProcessing, QuoteID: q.QuoteID, UpdatedAt: e.now().UTC()})
	processing := e.state
	e.mu.Unlock()

	e.publish(ctx, events.SwapProcessing, processing)
	e.logger.InfoContext(ctx, "executing swap",
		"quote_id", q.QuoteID,
		"input", q.InputAmount.String()+" "+q.InputToken,
		"output", q.OutputAmount.String()+" "+q.OutputToken,
	)

	txHash, swapErr := e.swapper.Swap(ctx, *q)

	e.mu.Lock()
	next := Execution{State: StateSuccess, TxHash: txHash, QuoteID: q.QuoteID, UpdatedAt: e.now().UTC()}
	kind := events.SwapSucceeded
	if swapErr != nil {
		next = Execution{State: StateError, Reason: swapErr.Error(), QuoteID: q.QuoteID, UpdatedAt: e.now().UTC()}
		kind = events.SwapFailed
	}
	e.setLocked(next)
	e.scheduleResetLocked()
	e.mu.Unlock()

	e.publish(ctx, kind, next)
	if swapErr != nil {
		e.logger.WarnContext(ctx, "swap failed", "quote_id", q.QuoteID, "error", swapErr)
		return next, swapErr
	}
	e.logger.InfoContext(ctx, "swap submitted", "quote_id", q.QuoteID, "tx_hash", txHash)
	return next, nil
}

// Dismiss returns a finished execution to idle.
func (e *Executor) Dismiss() (Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state.State {
	case StateProcessing:
		return e.state, errs.Validation(errs.ErrExecutionInProgress, "swap %s is still processing", e.state.QuoteID)
	case StateIdle:
		return e.state, nil
	}
	e.stopTimerLocked()
	e.setLocked(Execution{State: StateIdle, UpdatedAt: e.now().UTC()})
	return e.state, nil
}

// Close stops any pending auto reset and closes subscriptions.
func (e *Executor) Close() {
	e.mu.Lock()
	e.stopTimerLocked()
	e.mu.Unlock()
	e.notify.close()
}

func (e *Executor) scheduleResetLocked() {
	if e.autoReset <= 0 {
		return
	}
	seq := e.seq
	e.timer = time.AfterFunc(e.autoReset, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.seq != seq || e.state.State == StateProcessing || e.state.State == StateIdle {
			return
		}
		e.setLocked(Execution{State: StateIdle, UpdatedAt: e.now().UTC()})
	})
}

func (e *Executor) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Executor) setLocked(next Execution) {
	e.state = next
	if e.metrics != nil {
		e.metrics.RecordSwapExecution(string(next.State))
	}
	e.notify.send(next)
}

func (e *Executor) publish(ctx context.Context, kind events.Kind, ex Execution) {
	err := e.events.Publish(ctx, events.Event{
		Kind:    kind,
		ID:      e.session,
		Subject: ex.QuoteID,
		Status:  string(ex.State),
		Reason:  ex.Reason,
		TxHash:  ex.TxHash,
		At:      ex.UpdatedAt,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "failed to publish swap event", "kind", kind, "error", err)
	}
}
