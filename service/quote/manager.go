package quote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/payflow/service/errs"
	"github.com/brojonat/payflow/service/metrics"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	DefaultRefreshInterval = 10 * time.Second
	DefaultStaleAfter      = 15 * time.Second

	msgRefreshFailed = "unable to refresh price"
	msgFetchFailed   = "unable to fetch price"
	msgStale         = "price may be outdated"
)

// ManagerConfig holds Manager dependencies. Source is required.
type ManagerConfig struct {
	Source          Source
	RefreshInterval time.Duration
	StaleAfter      time.Duration
	// Limiter bounds fetches. Nil allows one fetch per second.
	Limiter *rate.Limiter
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Snapshot is an immutable view of the manager's state.
type Snapshot struct {
	Input           Request         `json:"input"`
	Quote           *Quote          `json:"quote,omitempty"`
	MinimumReceived decimal.Decimal `json:"minimum_received"`
	Stale           bool            `json:"stale"`
	Refreshing      bool            `json:"refreshing"`
	LastError       string          `json:"last_error,omitempty"`
	Message         string          `json:"message,omitempty"`
	Generation      uint64          `json:"generation"`
}

// Manager refreshes a quote for the current input on a fixed cadence. Results of fetches started
// for an earlier input are discarded, whatever order they complete in.
type Manager struct {
	source     Source
	interval   time.Duration
	staleAfter time.Duration
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	notify *notifier[Snapshot]

	mu         sync.Mutex
	generation uint64
	input      Request
	quote      *Quote
	quoteGen   uint64
	lastErr    error
	refreshing bool
	cancel     context.CancelFunc
	closed     bool
}

// NewManager creates a Manager with no input. Call Close when done.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("quote: source is required")
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Limiter == nil {
		cfg.Limiter = rate.NewLimiter(rate.Every(time.Second), 1)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		source:     cfg.Source,
		interval:   cfg.RefreshInterval,
		staleAfter: cfg.StaleAfter,
		limiter:    cfg.Limiter,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With("component", "quote_manager"),
		now:        cfg.Clock,
		ctx:        ctx,
		stop:       stop,
		notify:     newNotifier[Snapshot](),
	}, nil
}

// SetInput replaces the input. Any in-flight fetch is cancelled and its result ignored. A valid
// amount starts a new refresh loop that fetches immediately; an invalid one clears the quote.
func (m *Manager) SetInput(req Request) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.generation++
	gen := m.generation

	if !req.samePair(m.input) {
		m.quote = nil
	}
	m.input = req
	m.lastErr = nil

	if _, ok := req.Amount(); !ok {
		m.quote = nil
		m.refreshing = false
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.notify.send(snap)
		return
	}

	ctx, cancel := context.WithCancel(m.ctx)
	m.cancel = cancel
	m.refreshing = true
	m.wg.Add(1)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.notify.send(snap)
	go m.loop(ctx, gen, req)
}

// SetSlippage changes only the slippage of the current input.
func (m *Manager) SetSlippage(slippage decimal.Decimal) {
	m.mu.Lock()
	req := m.input
	m.mu.Unlock()
	req.Slippage = slippage
	m.SetInput(req)
}

func (m *Manager) loop(ctx context.Context, gen uint64, req Request) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.refresh(ctx, gen, req)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) refresh(ctx context.Context, gen uint64, req Request) {
	if err := m.limiter.Wait(ctx); err != nil {
		return
	}

	start := time.Now()
	q, err := m.source.Quote(ctx, req)
	duration := time.Since(start).Seconds()

	if ctx.Err() != nil {
		if m.metrics != nil {
			m.metrics.RecordQuoteDiscarded()
		}
		return
	}
	if err == nil && q == nil {
		err = errs.Retryable(errs.ErrNoQuote, "source returned no quote")
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	if m.metrics != nil {
		m.metrics.RecordQuoteFetch(status, duration)
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.RecordQuoteDiscarded()
		}
		m.logger.Debug("discarding quote for superseded input", "generation", gen)
		return
	}
	if err != nil {
		m.lastErr = err
		m.logger.Warn("quote fetch failed",
			"input_token", req.InputToken,
			"output_token", req.OutputToken,
			"amount", req.InputAmount,
			"error", err,
		)
	} else {
		fetched := *q
		if fetched.FetchedAt.IsZero() {
			fetched.FetchedAt = m.now()
		}
		fetched.Slippage = req.Slippage
		m.quote = &fetched
		m.quoteGen = gen
		m.lastErr = nil
	}
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.notify.send(snap)
}

// Snapshot returns the current state. Staleness and the minimum received amount are computed at
// call time.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{
		Input:      m.input,
		Refreshing: m.refreshing,
		Generation: m.generation,
	}
	if m.lastErr != nil {
		snap.LastError = m.lastErr.Error()
	}
	if m.quote == nil {
		if m.lastErr != nil {
			snap.Message = msgFetchFailed
		}
		return snap
	}

	q := *m.quote
	snap.Quote = &q
	snap.MinimumReceived = MinimumReceived(q.OutputAmount, m.input.Slippage)
	snap.Stale = m.isStale(q) || m.quoteGen != m.generation
	switch {
	case m.lastErr != nil:
		snap.Message = msgRefreshFailed
	case snap.Stale:
		snap.Message = msgStale
	}
	return snap
}

func (m *Manager) isStale(q Quote) bool {
	return m.now().Sub(q.FetchedAt) >= m.staleAfter
}

// ValidQuote returns the current quote if one was fetched for the current input, slippage
// included, and is fresh enough to execute. A quote kept on display across an input change is
// not valid until the refetch lands.
func (m *Manager) ValidQuote() (*Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.quote == nil {
		return nil, errs.Retryable(errs.ErrNoQuote, "no quote for %s -> %s", m.input.InputToken, m.input.OutputToken)
	}
	if m.quoteGen != m.generation {
		return nil, errs.Retryable(errs.ErrNoQuote, "quote for %s -> %s is being refreshed for the new input", m.input.InputToken, m.input.OutputToken)
	}
	if m.isStale(*m.quote) {
		return nil, errs.Retryable(errs.ErrQuoteStale, "quote fetched at %s is older than %s", m.quote.FetchedAt.Format(time.RFC3339), m.staleAfter)
	}
	q := *m.quote
	return &q, nil
}

// Subscribe returns a channel receiving a Snapshot after every state change.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	return m.notify.subscribe(8)
}

// Close stops refreshing and closes every subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.refreshing = false
	m.mu.Unlock()

	m.stop()
	m.wg.Wait()
	m.notify.close()
}
