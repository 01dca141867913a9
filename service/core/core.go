// Package core assembles the delivery pipeline shared by the server and the worker: the Solana
// submitter behind a circuit breaker, the outbox and the payment request ledger.
package core

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/brojonat/payflow/service/config"
	"github.com/brojonat/payflow/service/events"
	"github.com/brojonat/payflow/service/metrics"
	"github.com/brojonat/payflow/service/outbox"
	"github.com/brojonat/payflow/service/requests"
	"github.com/brojonat/payflow/service/solana"
)

// Stores is the persistence the pipeline runs on. *db.Store satisfies both.
type Stores struct {
	Outbox   outbox.Store
	Requests requests.Store
}

// Options holds pipeline dependencies. Config, Stores, RPC and Signer are required.
type Options struct {
	Config  *config.Config
	Stores  Stores
	RPC     solana.RPCClient
	Signer  solana.Signer
	Events  events.Sink
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// recoverAfter is how long an entry must sit in submitting before a restarted process treats
// its attempt as abandoned. It exceeds any single send, including the node's own retries.
const recoverAfter = 2 * time.Minute

// Core is the assembled pipeline.
type Core struct {
	Outbox     *outbox.Outbox
	Requests   *requests.Ledger
	Congestion *solana.CongestionMonitor
	Breaker    *solana.Breaker
}

// New wires the pipeline. It does not touch the network.
func New(opts Options) (*Core, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Stores.Outbox == nil || opts.Stores.Requests == nil {
		return nil, fmt.Errorf("outbox and request stores are required")
	}
	if opts.RPC == nil || opts.Signer == nil {
		return nil, fmt.Errorf("solana rpc client and signer are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := opts.Config
	logger := opts.Logger

	breaker := solana.NewBreaker(solana.BreakerConfig{
		Name: EndpointName(cfg.SolanaRPCURL),
		OnStateChange: func(name string, from, to solana.BreakerState) {
			logger.Warn("rpc circuit changed state", "endpoint", name, "from", from.String(), "to", to.String())
			if opts.Metrics != nil {
				opts.Metrics.RecordBreakerTransition(name, to.String())
			}
		},
	})

	submitter := solana.NewSubmitter(solana.SubmitterConfig{
		RPC:        opts.RPC,
		Signer:     opts.Signer,
		Breaker:    breaker,
		MaxRetries: 3,
		Metrics:    opts.Metrics,
		Logger:     logger,
	})
	reconciler := solana.NewReconciler(solana.ReconcilerConfig{
		RPC:     opts.RPC,
		Payer:   opts.Signer.PublicKey(),
		Metrics: opts.Metrics,
		Logger:  logger,
	})

	ob, err := outbox.New(outbox.Config{
		Store:            opts.Stores.Outbox,
		Submitter:        submitter,
		Reconciler:       reconciler,
		ValidateAddress:  solana.ValidateAddress,
		Policy:           RetryPolicy(cfg),
		SweepConcurrency: cfg.OutboxSweepConcurrency,
		RecoverAfter:     recoverAfter,
		Events:           opts.Events,
		Metrics:          opts.Metrics,
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create outbox: %w", err)
	}

	ledger, err := requests.New(requests.Config{
		Store:           opts.Stores.Requests,
		Transfers:       ob,
		ValidateAddress: solana.ValidateAddress,
		Events:          opts.Events,
		Metrics:         opts.Metrics,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create payment request ledger: %w", err)
	}

	congestion := solana.NewCongestionMonitor(solana.CongestionConfig{
		RPC:      opts.RPC,
		CacheTTL: 10 * time.Second,
		Metrics:  opts.Metrics,
		Logger:   logger,
	})

	return &Core{
		Outbox:     ob,
		Requests:   ledger,
		Congestion: congestion,
		Breaker:    breaker,
	}, nil
}

// RetryPolicy builds the outbox retry policy from cfg, keeping defaults for unset fields.
func RetryPolicy(cfg *config.Config) outbox.RetryPolicy {
	policy := outbox.DefaultRetryPolicy()
	if cfg.OutboxMaxAttempts > 0 {
		policy.MaxAttempts = cfg.OutboxMaxAttempts
	}
	if cfg.OutboxRetryBase > 0 {
		policy.BaseDelay = cfg.OutboxRetryBase
	}
	if cfg.OutboxRetryMax > 0 {
		policy.MaxDelay = cfg.OutboxRetryMax
	}
	return policy
}

// EndpointName extracts a short identifier from a Solana RPC URL for metrics labeling.
// Examples:
//   - "https://api.mainnet-beta.solana.com" -> "mainnet"
//   - "https://api.devnet.solana.com" -> "devnet"
//   - "https://mainnet.helius-rpc.com/?api-key=..." -> "helius"
//   - "https://some-endpoint.quiknode.pro/..." -> "quiknode"
func EndpointName(rpcURL string) string {
	parsed, err := url.Parse(rpcURL)
	if err != nil || parsed.Hostname() == "" {
		return "unknown"
	}
	host := parsed.Hostname()

	// Common RPC providers first; their hostnames often contain "mainnet" too.
	providers := []struct{ marker, name string }{
		{"helius", "helius"},
		{"quiknode", "quiknode"},
		{"quicknode", "quiknode"},
		{"alchemy", "alchemy"},
		{"triton", "triton"},
		{"rpcpool", "rpcpool"},
		{"mainnet", "mainnet"},
		{"devnet", "devnet"},
		{"testnet", "testnet"},
	}
	for _, p := range providers {
		if strings.Contains(host, p.marker) {
			return p.name
		}
	}
	return host
}
