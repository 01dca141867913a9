package solana

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/payflow/service/metrics"
	"github.com/brojonat/payflow/service/outbox"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	RPC   RPCClient
	Payer solana.PublicKey
	// Limit is the number of recent payer signatures scanned per entry (default 100).
	Limit   int
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Reconciler finds on-chain transfers for outbox entries whose submission outcome was lost. It
// scans the payer's recent signatures for the payflow reference memo. It implements
// outbox.Reconciler.
type Reconciler struct {
	rpc    RPCClient
	payer  solana.PublicKey
	limit  int
	m      *metrics.Metrics
	logger *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reconciler{
		rpc:    cfg.RPC,
		payer:  cfg.Payer,
		limit:  cfg.Limit,
		m:      cfg.Metrics,
		logger: cfg.Logger,
	}
}

// Reconcile reports whether entry landed on chain. Failed transactions never count as confirmed.
func (r *Reconciler) Reconcile(ctx context.Context, entry outbox.PendingTransaction) (string, bool, error) {
	limit := r.limit
	start := time.Now()
	sigs, err := r.rpc.GetSignaturesForAddressWithOpts(ctx, r.payer, &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: rpc.CommitmentConfirmed,
	})
	if r.m != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		r.m.RecordRPCCall("GetSignaturesForAddress", status, time.Since(start).Seconds())
	}
	if err != nil {
		return "", false, ClassifyError(err)
	}

	ref := Reference(entry.ID)
	for _, sig := range sigs {
		if sig == nil || sig.Err != nil || sig.Memo == nil {
			continue
		}
		if !memoHasReference(*sig.Memo, ref) {
			continue
		}
		r.logger.InfoContext(ctx, "reconciled outbox entry",
			"id", entry.ID,
			"signature", sig.Signature.String(),
		)
		return sig.Signature.String(), true, nil
	}
	return "", false, nil
}

// memoHasReference matches ref exactly within the memo field. The RPC joins memos from all memo
// instructions as "[len] text; [len] text".
func memoHasReference(memo, ref string) bool {
	for _, part := range strings.Split(memo, ";") {
		part = strings.TrimSpace(part)
		if i := strings.Index(part, "] "); strings.HasPrefix(part, "[") && i > 0 {
			part = part[i+2:]
		}
		if part == ref {
			return true
		}
	}
	return false
}
