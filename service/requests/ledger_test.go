package requests

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/brojonat/payflow/service/errs"
	"github.com/brojonat/payflow/service/events"
	"github.com/brojonat/payflow/service/fees"
	"github.com/brojonat/payflow/service/outbox"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSubmitter returns queued results in order, then succeeds.
type scriptedSubmitter struct {
	mu      sync.Mutex
	results []error
	calls   []outbox.SubmitRequest
}

func (s *scriptedSubmitter) Submit(ctx context.Context, req outbox.SubmitRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if len(s.results) > 0 {
		err := s.results[0]
		s.results = s.results[1:]
		if err != nil {
			return "", err
		}
	}
	return "sig-" + req.ID[:8], nil
}

type fixture struct {
	ledger *Ledger
	outbox *outbox.Outbox
	sub    *scriptedSubmitter
	bus    *events.Bus
}

func newFixture(t *testing.T, results ...error) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sub := &scriptedSubmitter{results: results}
	bus := events.NewBus()

	ob, err := outbox.New(outbox.Config{
		Store:     outbox.NewMemoryStore(),
		Submitter: sub,
		Logger:    logger,
	})
	require.NoError(t, err)

	ledger, err := New(Config{
		Store:     NewMemoryStore(),
		Transfers: ob,
		Events:    bus,
		Logger:    logger,
	})
	require.NoError(t, err)
	return fixture{ledger: ledger, outbox: ob, sub: sub, bus: bus}
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		from, to string
		amount   string
		sentinel error
	}{
		{"blank from", "", "bob", "1", errs.ErrInvalidAddress},
		{"blank to", "alice", " ", "1", errs.ErrInvalidAddress},
		{"same address", "alice", "alice", "1", errs.ErrInvalidAddress},
		{"zero amount", "alice", "bob", "0", errs.ErrInvalidAmount},
		{"negative amount", "alice", "bob", "-2", errs.ErrInvalidAmount},
		{"too precise", "alice", "bob", "1.0000000001", errs.ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.Create(ctx, tt.from, tt.to, amount(tt.amount), nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.sentinel))
		})
	}
}

func TestAccept_TransfersToRequester(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	memo := "dinner"

	req, err := f.ledger.Create(ctx, "alice", "bob", amount("12.5"), &memo)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)

	accepted, err := f.ledger.Accept(ctx, req.ID, fees.Fast)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, accepted.Status)
	assert.NotNil(t, accepted.ResolvedAt)
	assert.Equal(t, outbox.IDForKey("payment-request:"+req.ID+":0"), accepted.TransferID)

	require.Len(t, f.sub.calls, 1)
	call := f.sub.calls[0]
	assert.Equal(t, "alice", call.Destination)
	assert.True(t, call.Amount.Equal(amount("12.5")))
	assert.Equal(t, uint64(500), call.PriorityFee)
	require.NotNil(t, call.Memo)
	assert.Equal(t, "dinner", *call.Memo)
}

func TestAccept_FailureLeavesRequestPending(t *testing.T) {
	f := newFixture(t, errs.Terminal(errs.ErrRejected, "insufficient funds"))
	ctx := context.Background()

	req, err := f.ledger.Create(ctx, "alice", "bob", amount("1"), nil)
	require.NoError(t, err)

	got, err := f.ledger.Accept(ctx, req.ID, fees.Normal)
	require.Error(t, err)
	assert.True(t, errs.IsTerminal(err))
	assert.Contains(t, err.Error(), "insufficient funds")
	assert.Equal(t, StatusPending, got.Status)

	stored, err := f.ledger.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)

	// accepting again starts a new transfer instead of replaying the failed one
	accepted, err := f.ledger.Accept(ctx, req.ID, fees.Normal)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, accepted.Status)
	assert.Equal(t, outbox.IDForKey("payment-request:"+req.ID+":1"), accepted.TransferID)
	assert.Len(t, f.sub.calls, 2)
}

func TestResolvedRequestsAreFinal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	declined, err := f.ledger.Create(ctx, "alice", "bob", amount("1"), nil)
	require.NoError(t, err)
	_, err = f.ledger.Decline(ctx, declined.ID)
	require.NoError(t, err)

	_, err = f.ledger.Accept(ctx, declined.ID, fees.Normal)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrAlreadyResolved))
	assert.Contains(t, err.Error(), "already resolved")
	assert.Empty(t, f.sub.calls, "no transfer for a declined request")

	accepted, err := f.ledger.Create(ctx, "carol", "bob", amount("2"), nil)
	require.NoError(t, err)
	_, err = f.ledger.Accept(ctx, accepted.ID, fees.Normal)
	require.NoError(t, err)

	_, err = f.ledger.Decline(ctx, accepted.ID)
	assert.True(t, errors.Is(err, errs.ErrAlreadyResolved))

	_, err = f.ledger.Accept(ctx, accepted.ID, fees.Normal)
	assert.True(t, errors.Is(err, errs.ErrAlreadyResolved))
	assert.Len(t, f.sub.calls, 1)
}

func TestDecline_CancelsQueuedRetry(t *testing.T) {
	f := newFixture(t, errs.Retryable(errs.ErrDeliveryFailed, "rpc timeout"))
	ctx := context.Background()

	req, err := f.ledger.Create(ctx, "alice", "bob", amount("5"), nil)
	require.NoError(t, err)
	_, err = f.ledger.Accept(ctx, req.ID, fees.Normal)
	require.True(t, errs.IsRetryable(err))

	transferID := outbox.IDForKey("payment-request:" + req.ID + ":0")
	queued, err := f.outbox.Get(ctx, transferID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusFailedRetryable, queued.Status)

	declined, err := f.ledger.Decline(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeclined, declined.Status)

	cancelled, err := f.outbox.Get(ctx, transferID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailedTerminal, cancelled.Status)
	assert.Nil(t, cancelled.NextAttemptAt)
	assert.Contains(t, cancelled.LastError, "declined")

	// neither a forced attempt nor a sweep sends money for the declined request
	_, err = f.outbox.AttemptNow(ctx, transferID)
	require.NoError(t, err)
	_, err = f.outbox.RetryDue(ctx)
	require.NoError(t, err)
	assert.Len(t, f.sub.calls, 1)

	n, err := f.ledger.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	got, err := f.ledger.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeclined, got.Status)
}

func TestDecline_AfterTransferLandedResolvesAccepted(t *testing.T) {
	f := newFixture(t, errs.Retryable(errs.ErrDeliveryFailed, "rpc timeout"))
	ctx := context.Background()

	req, err := f.ledger.Create(ctx, "alice", "bob", amount("6"), nil)
	require.NoError(t, err)
	_, err = f.ledger.Accept(ctx, req.ID, fees.Normal)
	require.Error(t, err)

	transferID := outbox.IDForKey("payment-request:" + req.ID + ":0")
	entry, err := f.outbox.AttemptNow(ctx, transferID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusConfirmed, entry.Status)

	got, err := f.ledger.Decline(ctx, req.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrAlreadyResolved))
	assert.Equal(t, StatusAccepted, got.Status)
	assert.Equal(t, transferID, got.TransferID)

	stored, err := f.ledger.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, stored.Status)

	landed, err := f.outbox.Get(ctx, transferID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusConfirmed, landed.Status)
}

func TestAccept_ConcurrentCallsTransferOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req, err := f.ledger.Create(ctx, "alice", "bob", amount("3"), nil)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.ledger.Accept(ctx, req.ID, fees.Normal); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Len(t, f.sub.calls, 1)
}

func TestReconcile_AcceptsAfterLaterRetry(t *testing.T) {
	f := newFixture(t, errs.Retryable(errs.ErrDeliveryFailed, "rpc timeout"))
	ctx := context.Background()

	req, err := f.ledger.Create(ctx, "alice", "bob", amount("4"), nil)
	require.NoError(t, err)

	_, err = f.ledger.Accept(ctx, req.ID, fees.Normal)
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))

	n, err := f.ledger.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing confirmed yet")

	transferID := outbox.IDForKey("payment-request:" + req.ID + ":0")
	entry, err := f.outbox.AttemptNow(ctx, transferID)
	require.NoError(t, err)
	require.Equal(t, outbox.StatusConfirmed, entry.Status)

	n, err = f.ledger.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.ledger.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, got.Status)
	assert.Equal(t, transferID, got.TransferID)
}

func TestIncomingAndOutgoing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Create(ctx, "alice", "bob", amount("1"), nil)
	require.NoError(t, err)
	_, err = f.ledger.Create(ctx, "bob", "alice", amount("2"), nil)
	require.NoError(t, err)
	_, err = f.ledger.Create(ctx, "carol", "dave", amount("3"), nil)
	require.NoError(t, err)

	out, err := f.ledger.Outgoing(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "bob", out[0].ToAddress)

	in, err := f.ledger.Incoming(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, "bob", in[0].FromAddress)

	all, err := f.ledger.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestEventsPublished(t *testing.T) {
	f := newFixture(t)
	ch, unsub := f.bus.Subscribe(8)
	defer unsub()
	ctx := context.Background()

	req, err := f.ledger.Create(ctx, "alice", "bob", amount("1"), nil)
	require.NoError(t, err)
	_, err = f.ledger.Decline(ctx, req.ID)
	require.NoError(t, err)

	assert.Equal(t, events.RequestCreated, (<-ch).Kind)
	declined := <-ch
	assert.Equal(t, events.RequestDeclined, declined.Kind)
	assert.Equal(t, req.ID, declined.ID)
	assert.Equal(t, "declined", declined.Status)
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Accept(context.Background(), "missing", fees.Normal)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
	_, err = f.ledger.Decline(context.Background(), "missing")
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}
