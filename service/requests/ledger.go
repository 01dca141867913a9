// Package requests records payment requests and realizes their acceptance as outbox transfers.
package requests

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
	"github.com/brojonat/payflow/service/outbox"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// maxTransfers bounds how many terminally failed transfers one request may accumulate.
const maxTransfers = 64

// Transfers is the part of the outbox the ledger needs.
type Transfers interface {
	Submit(ctx context.Context, in outbox.Intent) (outbox.PendingTransaction, error)
	Get(ctx context.Context, id string) (outbox.PendingTransaction, error)
	Cancel(ctx context.Context, id, reason string) (outbox.PendingTransaction, bool, error)
}

// Config holds Ledger dependencies. Store and Transfers are required.
type Config struct {
	Store           Store
	Transfers       Transfers
	ValidateAddress outbox.AddressValidator
	Events          events.Sink
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
	Clock           func() time.Time
}

// Ledger manages payment requests.
type Ledger struct {
	store     Store
	transfers Transfers
	validate  outbox.AddressValidator
	events    events.Sink
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	locks     keyedMutex
}

// New creates a Ledger.
func New(cfg Config) (*Ledger, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("requests: store is required")
	}
	if cfg.Transfers == nil {
		return nil, fmt.Errorf("requests: transfers are required")
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
	return &Ledger{
		store:     cfg.Store,
		transfers: cfg.Transfers,
		validate:  cfg.ValidateAddress,
		events:    cfg.Events,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With("component", "requests"),
		now:       cfg.Clock,
		locks:     keyedMutex{locks: make(map[string]*refMutex)},
	}, nil
}

// Create records a pending request asking to to pay amount to from.
func (l *Ledger) Create(ctx context.Context, from, to string, amount decimal.Decimal, memo *string) (PaymentRequest, error) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	for _, addr := range []string{from, to} {
		if addr == "" {
			return PaymentRequest{}, errs.Validation(errs.ErrInvalidAddress, "address is blank")
		}
		if l.validate != nil {
			if err := l.validate(addr); err != nil {
				return PaymentRequest{}, errs.Validation(errs.ErrInvalidAddress, "address %q: %v", addr, err)
			}
		}
	}
	if from == to {
		return PaymentRequest{}, errs.Validation(errs.ErrInvalidAddress, "requester and payer are the same address")
	}
	if !amount.IsPositive() {
		return PaymentRequest{}, errs.Validation(errs.ErrInvalidAmount, "amount must be greater than zero, got %s", amount.String())
	}
	if !amount.Equal(amount.Truncate(outbox.AmountScale)) {
		return PaymentRequest{}, errs.Validation(errs.ErrInvalidAmount, "amount %s has more than %d decimal places", amount.String(), outbox.AmountScale)
	}

	req, err := l.store.CreateRequest(ctx, PaymentRequest{
		ID:          uuid.NewString(),
		FromAddress: from,
		ToAddress:   to,
		Amount:      amount,
		Memo:        memo,
		Status:      StatusPending,
		CreatedAt:   l.now().UTC(),
	})
	if err != nil {
		return PaymentRequest{}, fmt.Errorf("failed to store payment request: %w", err)
	}

	l.logger.InfoContext(ctx, "payment request created", "id", req.ID, "from", from, "to", to, "amount", amount.String())
	l.record(ctx, events.RequestCreated, req)
	return req, nil
}

// Accept pays the request through the outbox. On any delivery failure the request stays
// pending and the classified error is returned.
func (l *Ledger) Accept(ctx context.Context, id string, preset fees.Preset) (PaymentRequest, error) {
	unlock := l.locks.lock(id)
	defer unlock()

	req, err := l.store.GetRequest(ctx, id)
	if err != nil {
		return PaymentRequest{}, err
	}
	if req.Status != StatusPending {
		return req, errs.Validation(errs.ErrAlreadyResolved, "payment request %s is %s", id, req.Status)
	}

	key, queued, err := l.currentIntent(ctx, id)
	if err != nil {
		return req, err
	}
	if queued != nil {
		// a transfer from an earlier attempt is still live; it keeps the preset it was queued with
		preset = queued.FeePreset
	}

	entry, err := l.transfers.Submit(ctx, outbox.Intent{
		IntentKey:   key,
		Destination: req.FromAddress,
		Amount:      req.Amount,
		Memo:        req.Memo,
		FeePreset:   preset,
	})
	if err != nil {
		l.logger.WarnContext(ctx, "payment request transfer failed, request stays pending",
			"id", id,
			"intent_key", key,
			"error", err,
		)
		return req, err
	}

	resolved, err := l.store.ResolveRequest(ctx, id, StatusAccepted, entry.ID, l.now().UTC())
	if err != nil {
		return req, err
	}
	l.logger.InfoContext(ctx, "payment request accepted", "id", id, "transfer_id", entry.ID, "tx_hash", entry.TxHash)
	l.record(ctx, events.RequestAccepted, resolved)
	return resolved, nil
}

// Decline rejects a pending request. A transfer left queued by an earlier failed Accept is
// cancelled first. A request whose transfer is in flight cannot be declined yet, and one whose
// transfer already landed is resolved as accepted instead.
func (l *Ledger) Decline(ctx context.Context, id string) (PaymentRequest, error) {
	unlock := l.locks.lock(id)
	defer unlock()

	req, err := l.store.GetRequest(ctx, id)
	if err != nil {
		return PaymentRequest{}, err
	}
	if req.Status != StatusPending {
		return req, errs.Validation(errs.ErrAlreadyResolved, "payment request %s is %s", id, req.Status)
	}

	_, entry, err := l.currentIntent(ctx, id)
	if err != nil {
		return req, err
	}
	if entry != nil {
		current, cancelled, err := l.transfers.Cancel(ctx, entry.ID, "payment request declined")
		if err != nil {
			return req, fmt.Errorf("failed to cancel transfer for request %s: %w", id, err)
		}
		if !cancelled {
			switch current.Status {
			case outbox.StatusSubmitting:
				return req, errs.Retryable(errs.ErrEntryBusy, "payment request %s has a transfer in flight", id)
			case outbox.StatusConfirmed:
				resolved, err := l.store.ResolveRequest(ctx, id, StatusAccepted, current.ID, l.now().UTC())
				if err != nil {
					return req, err
				}
				l.logger.WarnContext(ctx, "decline refused, transfer already confirmed", "id", id, "transfer_id", current.ID)
				l.record(ctx, events.RequestAccepted, resolved)
				return resolved, errs.Validation(errs.ErrAlreadyResolved, "payment request %s was already paid by transfer %s", id, current.ID)
			}
		} else {
			l.logger.InfoContext(ctx, "cancelled pending transfer of declined request", "id", id, "transfer_id", current.ID)
		}
	}

	resolved, err := l.store.ResolveRequest(ctx, id, StatusDeclined, "", l.now().UTC())
	if err != nil {
		return resolved, err
	}
	l.logger.InfoContext(ctx, "payment request declined", "id", id)
	l.record(ctx, events.RequestDeclined, resolved)
	return resolved, nil
}

// Get returns one request.
func (l *Ledger) Get(ctx context.Context, id string) (PaymentRequest, error) {
	return l.store.GetRequest(ctx, id)
}

// List returns requests, newest first.
func (l *Ledger) List(ctx context.Context, filter Filter) ([]PaymentRequest, error) {
	return l.store.ListRequests(ctx, filter)
}

// Outgoing returns requests made by address.
func (l *Ledger) Outgoing(ctx context.Context, address string) ([]PaymentRequest, error) {
	all, err := l.store.ListRequests(ctx, Filter{Address: address})
	if err != nil {
		return nil, err
	}
	return filterRequests(all, func(r PaymentRequest) bool { return r.FromAddress == address }), nil
}

// Incoming returns requests addressed to address.
func (l *Ledger) Incoming(ctx context.Context, address string) ([]PaymentRequest, error) {
	all, err := l.store.ListRequests(ctx, Filter{Address: address})
	if err != nil {
		return nil, err
	}
	return filterRequests(all, func(r PaymentRequest) bool { return r.ToAddress == address }), nil
}

// Reconcile accepts pending requests whose transfer was confirmed after Accept returned, for
// example by a later outbox retry.
func (l *Ledger) Reconcile(ctx context.Context) (int, error) {
	pending, err := l.store.ListRequests(ctx, Filter{Status: StatusPending})
	if err != nil {
		return 0, fmt.Errorf("failed to list pending requests: %w", err)
	}

	accepted := 0
	for _, req := range pending {
		if err := ctx.Err(); err != nil {
			return accepted, err
		}
		ok, err := l.reconcileOne(ctx, req.ID)
		if err != nil {
			return accepted, err
		}
		if ok {
			accepted++
		}
	}
	if accepted > 0 {
		l.logger.InfoContext(ctx, "reconciled payment requests", "accepted", accepted)
	}
	return accepted, nil
}

func (l *Ledger) reconcileOne(ctx context.Context, id string) (bool, error) {
	unlock := l.locks.lock(id)
	defer unlock()

	_, entry, err := l.currentIntent(ctx, id)
	if err != nil {
		return false, err
	}
	if entry == nil || entry.Status != outbox.StatusConfirmed {
		return false, nil
	}

	resolved, err := l.store.ResolveRequest(ctx, id, StatusAccepted, entry.ID, l.now().UTC())
	if errors.Is(err, errs.ErrAlreadyResolved) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	l.record(ctx, events.RequestAccepted, resolved)
	return true, nil
}

// currentIntent returns the intent key the next acceptance of request id should use, and the
// outbox entry already holding that key if there is one. Keys whose transfer failed terminally
// are skipped so that accepting again starts a new transfer.
func (l *Ledger) currentIntent(ctx context.Context, id string) (string, *outbox.PendingTransaction, error) {
	for n := 0; n < maxTransfers; n++ {
		key := fmt.Sprintf("payment-request:%s:%d", id, n)
		entry, err := l.transfers.Get(ctx, outbox.IDForKey(key))
		if errors.Is(err, errs.ErrNotFound) {
			return key, nil, nil
		}
		if err != nil {
			return "", nil, fmt.Errorf("failed to look up transfer for request %s: %w", id, err)
		}
		if entry.Status != outbox.StatusFailedTerminal {
			return key, &entry, nil
		}
	}
	return "", nil, errs.Terminal(errs.ErrDeliveryFailed, "payment request %s exceeded %d failed transfers", id, maxTransfers)
}

func (l *Ledger) record(ctx context.Context, kind events.Kind, req PaymentRequest) {
	if l.metrics != nil {
		l.metrics.RecordRequestTransition(string(req.Status))
	}
	err := l.events.Publish(ctx, events.Event{
		Kind:    kind,
		ID:      req.ID,
		Subject: req.ToAddress,
		Status:  string(req.Status),
		TxHash:  req.TransferID,
		At:      l.now().UTC(),
	})
	if err != nil {
		l.logger.WarnContext(ctx, "failed to publish request event", "id", req.ID, "kind", kind, "error", err)
	}
}

func filterRequests(in []PaymentRequest, keep func(PaymentRequest) bool) []PaymentRequest {
	out := make([]PaymentRequest, 0, len(in))
	for _, r := range in {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

type refMutex struct {
	sync.Mutex
	refs int
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
