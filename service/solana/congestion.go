package solana

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/brojonat/payflow/service/fees"
	"github.com/brojonat/payflow/service/metrics"
)

// Default thresholds on the median recent prioritization fee, in micro-lamports per compute unit.
const (
	DefaultMediumFeeThreshold uint64 = 1_000
	DefaultHighFeeThreshold   uint64 = 10_000
)

// CongestionConfig configures a CongestionMonitor.
type CongestionConfig struct {
	RPC             RPCClient
	MediumThreshold uint64
	HighThreshold   uint64
	// CacheTTL bounds how often the node is asked. Zero disables caching.
	CacheTTL time.Duration
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Clock    func() time.Time
}

// CongestionMonitor derives a fees.CongestionSignal from recent prioritization fees. It
// implements fees.CongestionSource.
type CongestionMonitor struct {
	rpc    RPCClient
	medium uint64
	high   uint64
	ttl    time.Duration
	m      *metrics.Metrics
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	cached *fees.CongestionSignal
}

// NewCongestionMonitor creates a CongestionMonitor.
func NewCongestionMonitor(cfg CongestionConfig) *CongestionMonitor {
	if cfg.MediumThreshold == 0 {
		cfg.MediumThreshold = DefaultMediumFeeThreshold
	}
	if cfg.HighThreshold == 0 {
		cfg.HighThreshold = DefaultHighFeeThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &CongestionMonitor{
		rpc:    cfg.RPC,
		medium: cfg.MediumThreshold,
		high:   cfg.HighThreshold,
		ttl:    cfg.CacheTTL,
		m:      cfg.Metrics,
		logger: cfg.Logger,
		now:    cfg.Clock,
	}
}

// Congestion returns the current signal. RPC failures are returned so that fees.Current can
// degrade to an unknown signal.
func (c *CongestionMonitor) Congestion(ctx context.Context) (fees.CongestionSignal, error) {
	now := c.now()

	c.mu.Lock()
	if c.cached != nil && c.ttl > 0 && now.Sub(c.cached.ObservedAt) < c.ttl {
		sig := *c.cached
		c.mu.Unlock()
		return sig, nil
	}
	c.mu.Unlock()

	start := time.Now()
	results, err := c.rpc.GetRecentPrioritizationFees(ctx, nil)
	if c.m != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		c.m.RecordRPCCall("GetRecentPrioritizationFees", status, time.Since(start).Seconds())
	}
	if err != nil {
		c.logger.WarnContext(ctx, "failed to read prioritization fees", "error", err)
		return fees.CongestionSignal{}, ClassifyError(err)
	}

	samples := make([]uint64, 0, len(results))
	for _, r := range results {
		samples = append(samples, r.PrioritizationFee)
	}
	sig := fees.NewSignal(c.Level(samples), now)

	c.mu.Lock()
	c.cached = &sig
	c.mu.Unlock()

	c.logger.DebugContext(ctx, "congestion observed", "level", sig.Level, "samples", len(samples))
	return sig, nil
}

// Level maps fee samples to a congestion level using their median.
func (c *CongestionMonitor) Level(samples []uint64) fees.CongestionLevel {
	if len(samples) == 0 {
		return fees.CongestionUnknown
	}
	sorted := append([]uint64(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	median := sorted[len(sorted)/2]

	switch {
	case median >= c.high:
		return fees.CongestionHigh
	case median >= c.medium:
		return fees.CongestionMedium
	default:
		return fees.CongestionLow
	}
}
