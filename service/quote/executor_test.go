package quote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brojonat/payflow/service/errs"
	"github.com/brojonat/payflow/service/events"
	"github.com/brojonat/payflow/service/fees"
	"github.com/brojonat/payflow/service/outbox"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type staticQuotes struct {
	q   *Quote
	err error
}

func (s staticQuotes) ValidQuote() (*Quote, error) {
	if s.err != nil {
		return nil, s.err
	}
	q := *s.q
	return &q, nil
}

// MockSwapper records Swap calls.
type MockSwapper struct {
	mock.Mock
}

func (m *MockSwapper) Swap(ctx context.Context, q Quote) (string, error) {
	args := m.Called(ctx, q)
	return args.String(0), args.Error(1)
}

func testQuote() *Quote {
	return &Quote{
		InputToken:     "SOL",
		OutputToken:    "USDC",
		InputAmount:    decimal.NewFromInt(1),
		OutputAmount:   decimal.NewFromInt(150),
		DepositAddress: "deposit-addr",
		QuoteID:        "q1",
	}
}

func newTestExecutor(t *testing.T, quotes QuoteProvider, swapper Swapper, autoReset time.Duration, sink events.Sink) *Executor {
	t.Helper()
	e, err := NewExecutor(ExecutorConfig{
		Session:   "s1",
		Quotes:    quotes,
		Swapper:   swapper,
		AutoReset: autoReset,
		Events:    sink,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestExecutor_ConfirmSuccess(t *testing.T) {
	sw := &MockSwapper{}
	sw.On("Swap", mock.Anything, mock.MatchedBy(func(q Quote) bool { return q.QuoteID == "q1" })).Return("sig-1", nil).Once()

	bus := events.NewBus()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	e := newTestExecutor(t, staticQuotes{q: testQuote()}, sw, 0, bus)
	ex, err := e.Confirm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, ex.State)
	assert.Equal(t, "sig-1", ex.TxHash)
	assert.Equal(t, "q1", ex.QuoteID)

	assert.Equal(t, events.SwapProcessing, (<-ch).Kind)
	done := <-ch
	assert.Equal(t, events.SwapSucceeded, done.Kind)
	assert.Equal(t, "s1", done.ID)

	// a finished swap must be dismissed before the next one
	_, err = e.Confirm(context.Background())
	assert.True(t, errors.Is(err, errs.ErrInvalidTransition))

	ex, err = e.Dismiss()
	require.NoError(t, err)
	assert.Equal(t, StateIdle, ex.State)
	sw.AssertExpectations(t)
}

type blockingSwapper struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingSwapper) Swap(ctx context.Context, q Quote) (string, error) {
	close(b.started)
	<-b.release
	return "sig", nil
}

func TestExecutor_SecondConfirmWhileProcessingIsRejected(t *testing.T) {
	sw := &blockingSwapper{started: make(chan struct{}), release: make(chan struct{})}
	e := newTestExecutor(t, staticQuotes{q: testQuote()}, sw, 0, nil)

	done := make(chan Execution)
	go func() {
		ex, _ := e.Confirm(context.Background())
		done <- ex
	}()
	<-sw.started

	ex, err := e.Confirm(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrExecutionInProgress))
	assert.Equal(t, StateProcessing, ex.State)
	assert.Equal(t, StateProcessing, e.State().State)

	_, err = e.Dismiss()
	assert.True(t, errors.Is(err, errs.ErrExecutionInProgress))

	close(sw.release)
	final := <-done
	assert.Equal(t, StateSuccess, final.State)
}

func TestExecutor_ErrorThenRetry(t *testing.T) {
	sw := &MockSwapper{}
	sw.On("Swap", mock.Anything, mock.Anything).Return("", errs.Retryable(errs.ErrDeliveryFailed, "rpc timeout")).Once()
	sw.On("Swap", mock.Anything, mock.Anything).Return("sig-2", nil).Once()

	e := newTestExecutor(t, staticQuotes{q: testQuote()}, sw, 0, nil)

	ex, err := e.Confirm(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, ex.State)
	assert.Contains(t, ex.Reason, "rpc timeout")

	ex, err = e.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, ex.State)
	assert.Equal(t, "sig-2", ex.TxHash)
	sw.AssertExpectations(t)
}

func TestExecutor_RetryOnlyFromError(t *testing.T) {
	e := newTestExecutor(t, staticQuotes{q: testQuote()}, &MockSwapper{}, 0, nil)
	_, err := e.Retry(context.Background())
	assert.True(t, errors.Is(err, errs.ErrInvalidTransition))
	assert.Equal(t, StateIdle, e.State().State)
}

func TestExecutor_StaleQuoteLeavesStateUnchanged(t *testing.T) {
	sw := &MockSwapper{}
	e := newTestExecutor(t, staticQuotes{err: errs.Retryable(errs.ErrQuoteStale, "too old")}, sw, 0, nil)

	ex, err := e.Confirm(context.Background())
	assert.True(t, errors.Is(err, errs.ErrQuoteStale))
	assert.Equal(t, StateIdle, ex.State)
	sw.AssertNotCalled(t, "Swap", mock.Anything, mock.Anything)
}

func TestExecutor_AutoReset(t *testing.T) {
	sw := &MockSwapper{}
	sw.On("Swap", mock.Anything, mock.Anything).Return("sig", nil)
	e := newTestExecutor(t, staticQuotes{q: testQuote()}, sw, 20*time.Millisecond, nil)

	ex, err := e.Confirm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, ex.State)

	require.Eventually(t, func() bool { return e.State().State == StateIdle }, time.Second, 5*time.Millisecond)
}

func TestOutboxSwapper_SendsDepositThroughOutbox(t *testing.T) {
	var got outbox.SubmitRequest
	ob, err := outbox.New(outbox.Config{
		Store: outbox.NewMemoryStore(),
		Submitter: submitterFunc(func(ctx context.Context, req outbox.SubmitRequest) (string, error) {
			got = req
			return "deposit-sig", nil
		}),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	sw := &OutboxSwapper{Outbox: ob, FeePreset: fees.Fast}
	txHash, err := sw.Swap(context.Background(), *testQuote())
	require.NoError(t, err)
	assert.Equal(t, "deposit-sig", txHash)
	assert.Equal(t, "deposit-addr", got.Destination)
	assert.Equal(t, uint64(500), got.PriorityFee)
	assert.Equal(t, outbox.IDForKey("swap:q1:0"), got.ID)

	// the same quote is never sent twice
	txHash, err = sw.Swap(context.Background(), *testQuote())
	require.NoError(t, err)
	assert.Equal(t, "deposit-sig", txHash)
}

func TestExecutor_RetryableDepositFailureIsNotSentBySweep(t *testing.T) {
	var calls []outbox.SubmitRequest
	results := []error{errs.Retryable(errs.ErrDeliveryFailed, "rpc timeout")}
	ob, err := outbox.New(outbox.Config{
		Store: outbox.NewMemoryStore(),
		Submitter: submitterFunc(func(ctx context.Context, req outbox.SubmitRequest) (string, error) {
			calls = append(calls, req)
			if len(results) > 0 {
				err := results[0]
				results = results[1:]
				return "", err
			}
			return "deposit-sig", nil
		}),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	ctx := context.Background()

	e := newTestExecutor(t, staticQuotes{q: testQuote()}, &OutboxSwapper{Outbox: ob, FeePreset: fees.Normal}, 0, nil)
	ex, err := e.Confirm(ctx)
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))
	assert.Equal(t, StateError, ex.State)

	first, err := ob.Get(ctx, outbox.IDForKey("swap:q1:0"))
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailedTerminal, first.Status, "the failed deposit is cancelled")
	assert.Nil(t, first.NextAttemptAt)

	_, err = ob.AttemptNow(ctx, first.ID)
	require.NoError(t, err)
	_, err = ob.RetryDue(ctx)
	require.NoError(t, err)
	require.Len(t, calls, 1, "nothing is sent while the swap shows an error")
	assert.Equal(t, StateError, e.State().State)

	ex, err = e.Retry(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, ex.State)
	assert.Equal(t, "deposit-sig", ex.TxHash)
	require.Len(t, calls, 2)
	assert.Equal(t, outbox.IDForKey("swap:q1:1"), calls[1].ID)

	// a confirmed deposit is reused instead of sending again
	txHash, err := (&OutboxSwapper{Outbox: ob}).Swap(ctx, *testQuote())
	require.NoError(t, err)
	assert.Equal(t, "deposit-sig", txHash)
	assert.Len(t, calls, 2)
}

func TestOutboxSwapper_RequiresDepositAddress(t *testing.T) {
	sw := &OutboxSwapper{Outbox: nil}
	q := testQuote()
	q.DepositAddress = ""
	_, err := sw.Swap(context.Background(), *q)
	assert.True(t, errors.Is(err, errs.ErrInvalidAddress))
}

type submitterFunc func(ctx context.Context, req outbox.SubmitRequest) (string, error)

func (f submitterFunc) Submit(ctx context.Context, req outbox.SubmitRequest) (string, error) {
	return f(ctx, req)
}
