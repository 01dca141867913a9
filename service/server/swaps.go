package server

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/brojonat/payflow/service/errs"
	"github.com/brojonat/payflow/service/events"
	"github.com/brojonat/payflow/service/fees"
	"github.com/brojonat/payflow/service/metrics"
	"github.com/brojonat/payflow/service/quote"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	DefaultSessionTTL  = 30 * time.Minute
	DefaultMaxSessions = 256
)

// SwapRegistryConfig holds SwapRegistry dependencies. Source and Outbox are required.
type SwapRegistryConfig struct {
	Source          quote.Source
	Outbox          quote.Transfers
	RefreshInterval time.Duration
	StaleAfter      time.Duration
	// RateLimit is the per-session quote fetch budget in requests per second (default 1).
	RateLimit       float64
	// DefaultSlippage applies to requests that carry no slippage.
	DefaultSlippage decimal.Decimal
	AutoReset       time.Duration
	// SessionTTL is how long a session may go unused before it is reaped.
	SessionTTL      time.Duration
	// MaxSessions caps live sessions. Create fails once it is reached and nothing can be reaped.
	MaxSessions     int
	Events          events.Sink
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
	Clock           func() time.Time
}

// SwapSession pairs a quote manager with the executor that settles its quotes.
type SwapSession struct {
	ID        string
	CreatedAt time.Time
	Manager   *quote.Manager
	Executor  *quote.Executor
	swapper   *quote.OutboxSwapper
	lastUsed  time.Time
}

// SwapView is the JSON representation of a session.
type SwapView struct {
	ID        string          `json:"id"`
	FeePreset fees.Preset     `json:"fee_preset"`
	Quote     quote.Snapshot  `json:"quote"`
	Execution quote.Execution `json:"execution"`
	CreatedAt time.Time       `json:"created_at"`
}

// View returns the session's current state.
func (s *SwapSession) View() SwapView {
	return SwapView{
		ID:        s.ID,
		FeePreset: s.swapper.FeePreset,
		Quote:     s.Manager.Snapshot(),
		Execution: s.Executor.State(),
		CreatedAt: s.CreatedAt,
	}
}

// SwapRegistry owns the live swap sessions of the server.
type SwapRegistry struct {
	cfg    SwapRegistryConfig
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*SwapSession
}

// NewSwapRegistry creates an empty registry.
func NewSwapRegistry(cfg SwapRegistryConfig) (*SwapRegistry, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("swaps: quote source is required")
	}
	if cfg.Outbox == nil {
		return nil, fmt.Errorf("swaps: outbox is required")
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	return &SwapRegistry{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "swaps"),
		sessions: make(map[string]*SwapSession),
	}, nil
}

// Create starts a session for req. A request with a valid amount starts refreshing at once.
// Idle sessions are reaped first; if the registry is still full the request is refused.
func (r *SwapRegistry) Create(req quote.Request, preset fees.Preset) (*SwapSession, error) {
	if preset == "" {
		preset = fees.Normal
	}
	if !preset.Valid() {
		return nil, errs.Validation(errs.ErrInvalidPreset, "unknown preset %q", string(preset))
	}
	if req.InputToken == "" || req.OutputToken == "" {
		return nil, errs.Validation(errs.ErrInvalidAmount, "input_token and output_token are required")
	}
	if req.Slippage.IsZero() {
		req.Slippage = r.cfg.DefaultSlippage
	}
	r.Reap()

	id := uuid.NewString()
	manager, err := quote.NewManager(quote.ManagerConfig{
		Source:          r.cfg.Source,
		RefreshInterval: r.cfg.RefreshInterval,
		StaleAfter:      r.cfg.StaleAfter,
		Limiter:         rate.NewLimiter(rate.Limit(r.cfg.RateLimit), 1),
		Metrics:         r.cfg.Metrics,
		Logger:          r.cfg.Logger,
		Clock:           r.cfg.Clock,
	})
	if err != nil {
		return nil, err
	}
	swapper := &quote.OutboxSwapper{Outbox: r.cfg.Outbox, FeePreset: preset}
	executor, err := quote.NewExecutor(quote.ExecutorConfig{
		Session:   id,
		Quotes:    manager,
		Swapper:   swapper,
		AutoReset: r.cfg.AutoReset,
		Events:    r.cfg.Events,
		Metrics:   r.cfg.Metrics,
		Logger:    r.cfg.Logger,
		Clock:     r.cfg.Clock,
	})
	if err != nil {
		manager.Close()
		return nil, err
	}

	now := r.cfg.Clock().UTC()
	session := &SwapSession{
		ID:        id,
		CreatedAt: now,
		Manager:   manager,
		Executor:  executor,
		swapper:   swapper,
		lastUsed:  now,
	}
	r.mu.Lock()
	if len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		executor.Close()
		manager.Close()
		return nil, errs.Retryable(errs.ErrTooManySessions, "%d swap sessions are open", r.cfg.MaxSessions)
	}
	r.sessions[id] = session
	r.mu.Unlock()

	manager.SetInput(req)
	r.logger.Info("swap session created", "id", id, "input_token", req.InputToken, "output_token", req.OutputToken)
	return session, nil
}

// Get returns a session and marks it used.
func (r *SwapRegistry) Get(id string) (*SwapSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, errs.Validation(errs.ErrNotFound, "swap session %s", id)
	}
	s.lastUsed = r.cfg.Clock().UTC()
	return s, nil
}

// List returns every session, oldest first.
func (r *SwapRegistry) List() []*SwapSession {
	r.mu.Lock()
	out := make([]*SwapSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Delete stops a session. A session with a swap still processing cannot be deleted.
func (r *SwapRegistry) Delete(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return errs.Validation(errs.ErrNotFound, "swap session %s", id)
	}
	if s.Executor.State().State == quote.StateProcessing {
		r.mu.Unlock()
		return errs.Validation(errs.ErrExecutionInProgress, "swap session %s is processing", id)
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	s.Executor.Close()
	s.Manager.Close()
	r.logger.Info("swap session deleted", "id", id)
	return nil
}

// Reap stops sessions unused for longer than the session TTL. Sessions with a swap processing
// are kept. It returns how many sessions were stopped.
func (r *SwapRegistry) Reap() int {
	now := r.cfg.Clock().UTC()
	var idle []*SwapSession
	r.mu.Lock()
	for id, s := range r.sessions {
		if now.Sub(s.lastUsed) < r.cfg.SessionTTL {
			continue
		}
		if s.Executor.State().State == quote.StateProcessing {
			continue
		}
		delete(r.sessions, id)
		idle = append(idle, s)
	}
	r.mu.Unlock()

	for _, s := range idle {
		s.Executor.Close()
		s.Manager.Close()
		r.logger.Info("swap session expired", "id", s.ID, "idle", now.Sub(s.lastUsed).Round(time.Second))
	}
	return len(idle)
}

// Run reaps idle sessions periodically until ctx is done.
func (r *SwapRegistry) Run(ctx context.Context) {
	interval := r.cfg.SessionTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reap()
		}
	}
}

// Close stops every session.
func (r *SwapRegistry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*SwapSession)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Executor.Close()
		s.Manager.Close()
	}
}

type swapAction int

const (
	swapConfirm swapAction = iota
	swapRetry
	swapDismiss
)

func (r *SwapRegistry) apply(ctx context.Context, id string, action swapAction) (quote.Execution, error) {
	s, err := r.Get(id)
	if err != nil {
		return quote.Execution{}, err
	}
	switch action {
	case swapConfirm:
		return s.Executor.Confirm(ctx)
	case swapRetry:
		return s.Executor.Retry(ctx)
	default:
		return s.Executor.Dismiss()
	}
}
