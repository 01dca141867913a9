package requests

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/brojonat/payflow/service/errs"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a payment request. Transitions are one-way out of pending.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
)

// ParseStatus parses a status name. Empty input returns "" (no filter).
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case "", StatusPending, StatusAccepted, StatusDeclined:
		return st, nil
	}
	return "", errs.Validation(errs.ErrInvalidTransition, "unknown request status %q", s)
}

// PaymentRequest asks ToAddress to pay Amount to FromAddress.
type PaymentRequest struct {
	ID          string          `json:"id"`
	FromAddress string          `json:"from_address"`
	ToAddress   string          `json:"to_address"`
	Amount      decimal.Decimal `json:"amount"`
	Memo        *string         `json:"memo,omitempty"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
	TransferID  string          `json:"transfer_id,omitempty"`
}

// Filter narrows List results. Address matches either side of the request.
type Filter struct {
	Address string
	Status  Status
	Limit   int
}

// Store persists payment requests.
type Store interface {
	CreateRequest(ctx context.Context, req PaymentRequest) (PaymentRequest, error)
	GetRequest(ctx context.Context, id string) (PaymentRequest, error)
	ListRequests(ctx context.Context, filter Filter) ([]PaymentRequest, error)
	// ResolveRequest moves a pending request to status. It returns ErrAlreadyResolved when the
	// request is no longer pending.
	ResolveRequest(ctx context.Context, id string, status Status, transferID string, at time.Time) (PaymentRequest, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]PaymentRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]PaymentRequest)}
}

func (s *MemoryStore) CreateRequest(_ context.Context, req PaymentRequest) (PaymentRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.ID]; ok {
		return PaymentRequest{}, errs.Validation(errs.ErrInvalidTransition, "payment request %s already exists", req.ID)
	}
	s.requests[req.ID] = req
	return req, nil
}

func (s *MemoryStore) GetRequest(_ context.Context, id string) (PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return PaymentRequest{}, errs.Validation(errs.ErrNotFound, "payment request %s", id)
	}
	return req, nil
}

func (s *MemoryStore) ListRequests(_ context.Context, filter Filter) ([]PaymentRequest, error) {
	s.mu.RLock()
	out := make([]PaymentRequest, 0, len(s.requests))
	for _, req := range s.requests {
		if filter.Address != "" && req.FromAddress != filter.Address && req.ToAddress != filter.Address {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		out = append(out, req)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ResolveRequest(_ context.Context, id string, status Status, transferID string, at time.Time) (PaymentRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return PaymentRequest{}, errs.Validation(errs.ErrNotFound, "payment request %s", id)
	}
	if req.Status != StatusPending {
		return req, errs.Validation(errs.ErrAlreadyResolved, "payment request %s is %s", id, req.Status)
	}
	req.Status = status
	req.TransferID = transferID
	req.ResolvedAt = &at
	s.requests[id] = req
	return req, nil
}
