package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/brojonat/payflow/service/errs"
	"github.com/brojonat/payflow/service/fees"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an outbox entry.
type Status string

const (
	StatusCreated         Status = "created"
	StatusSubmitting      Status = "submitting"
	StatusConfirmed       Status = "confirmed"
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedTerminal  Status = "failed_terminal"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailedTerminal
}

// ParseStatus parses a status name. Empty input returns "" (no filter).
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case "", StatusCreated, StatusSubmitting, StatusConfirmed, StatusFailedRetryable, StatusFailedTerminal:
		return st, nil
	}
	return "", errs.Validation(errs.ErrInvalidTransition, "unknown outbox status %q", s)
}

// PendingTransaction is one submission intent owned by the outbox. Destination, Amount, Memo,
// FeePreset and CreatedAt never change after creation.
type PendingTransaction struct {
	ID          string          `json:"id"`
	IntentKey   string          `json:"intent_key,omitempty"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
	Memo        *string         `json:"memo,omitempty"`
	FeePreset   fees.Preset     `json:"fee_preset"`
	CreatedAt   time.Time       `json:"created_at"`

	Status        Status     `json:"status"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	ErrorKind     errs.Kind  `json:"error_kind,omitempty"`
	TxHash        string     `json:"tx_hash,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Outcome is the result of one attempt, applied to an entry that is still submitting.
type Outcome struct {
	Status        Status
	TxHash        string
	LastError     string
	ErrorKind     errs.Kind
	NextAttemptAt *time.Time
	At            time.Time
}

// Filter narrows List results. Zero values mean no filtering.
type Filter struct {
	Status Status
	Limit  int
}

// Store persists outbox entries. Implementations must serialize writes per entry id: ClaimEntry and
// CompleteEntry are compare-and-set operations on the status column.
type Store interface {
	// CreateEntry inserts entry unless one with the same id exists. It returns the stored entry and
	// whether it was newly created.
	CreateEntry(ctx context.Context, entry PendingTransaction) (PendingTransaction, bool, error)
	GetEntry(ctx context.Context, id string) (PendingTransaction, error)
	ListEntries(ctx context.Context, filter Filter) ([]PendingTransaction, error)
	// ClaimEntry moves a created or failed_retryable entry to submitting and increments Attempts.
	// The bool is false (with the current entry) when the entry was not claimable.
	ClaimEntry(ctx context.Context, id string, now time.Time) (PendingTransaction, bool, error)
	// CompleteEntry applies outcome only if the entry is still submitting.
	CompleteEntry(ctx context.Context, id string, outcome Outcome) (PendingTransaction, bool, error)
	// ListDueEntries returns created entries and failed_retryable entries whose next attempt is at or
	// before now, oldest CreatedAt first.
	ListDueEntries(ctx context.Context, now time.Time, limit int) ([]PendingTransaction, error)
	// DeleteEntry removes an entry that is not submitting.
	DeleteEntry(ctx context.Context, id string) error
	// CancelEntry moves a created or failed_retryable entry to failed_terminal with reason. The bool
	// is false (with the current entry) when the entry was not cancellable.
	CancelEntry(ctx context.Context, id, reason string, at time.Time) (PendingTransaction, bool, error)
}

// MemoryStore is an in-process Store. It survives Outbox restarts within one process, which is
// what tests and the CLI's dry-run mode need.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]PendingTransaction
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]PendingTransaction)}
}

func (s *MemoryStore) CreateEntry(_ context.Context, entry PendingTransaction) (PendingTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[entry.ID]; ok {
		return existing, false, nil
	}
	s.entries[entry.ID] = entry
	return entry, true, nil
}

func (s *MemoryStore) GetEntry(_ context.Context, id string) (PendingTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return PendingTransaction{}, errs.Validation(errs.ErrNotFound, "outbox entry %s", id)
	}
	return e, nil
}

func (s *MemoryStore) ListEntries(_ context.Context, filter Filter) ([]PendingTransaction, error) {
	s.mu.RLock()
	out := make([]PendingTransaction, 0, len(s.entries))
	for _, e := range s.entries {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, e)
	}
	s.mu.RUnlock()

	sortOldestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ClaimEntry(_ context.Context, id string, now time.Time) (PendingTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return PendingTransaction{}, false, errs.Validation(errs.ErrNotFound, "outbox entry %s", id)
	}
	if e.Status != StatusCreated && e.Status != StatusFailedRetryable {
		return e, false, nil
	}
	e.Status = StatusSubmitting
	e.Attempts++
	e.NextAttemptAt = nil
	e.UpdatedAt = now
	s.entries[id] = e
	return e, true, nil
}

func (s *MemoryStore) CompleteEntry(_ context.Context, id string, outcome Outcome) (PendingTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return PendingTransaction{}, false, errs.Validation(errs.ErrNotFound, "outbox entry %s", id)
	}
	if e.Status != StatusSubmitting {
		return e, false, nil
	}
	e.Status = outcome.Status
	e.TxHash = outcome.TxHash
	e.LastError = outcome.LastError
	e.ErrorKind = outcome.ErrorKind
	e.NextAttemptAt = outcome.NextAttemptAt
	e.UpdatedAt = outcome.At
	s.entries[id] = e
	return e, true, nil
}

func (s *MemoryStore) ListDueEntries(_ context.Context, now time.Time, limit int) ([]PendingTransaction, error) {
	s.mu.RLock()
	var out []PendingTransaction
	for _, e := range s.entries {
		switch e.Status {
		case StatusCreated:
			out = append(out, e)
		case StatusFailedRetryable:
			if e.NextAttemptAt == nil || !e.NextAttemptAt.After(now) {
				out = append(out, e)
			}
		}
	}
	s.mu.RUnlock()

	sortOldestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteEntry(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return errs.Validation(errs.ErrNotFound, "outbox entry %s", id)
	}
	if e.Status == StatusSubmitting {
		return errs.Validation(errs.ErrEntryBusy, "outbox entry %s", id)
	}
	delete(s.entries, id)
	return nil
}

func (s *MemoryStore) CancelEntry(_ context.Context, id, reason string, at time.Time) (PendingTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return PendingTransaction{}, false, errs.Validation(errs.ErrNotFound, "outbox entry %s", id)
	}
	if e.Status != StatusCreated && e.Status != StatusFailedRetryable {
		return e, false, nil
	}
	e.Status = StatusFailedTerminal
	e.LastError = reason
	e.ErrorKind = errs.KindTerminal
	e.NextAttemptAt = nil
	e.UpdatedAt = at
	s.entries[id] = e
	return e, true, nil
}

func sortOldestFirst(entries []PendingTransaction) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}
