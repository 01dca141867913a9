package solana

import (
	"context"
	"log/slog"
	"time"

	"github.com/brojonat/payflow/service/errs"
	"github.com/brojonat/payflow/service/metrics"
	"github.com/brojonat/payflow/service/outbox"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/memo"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
)

// lamportDecimals is the number of decimal places between SOL and lamports.
const lamportDecimals = 9

// referencePrefix marks the memo that ties a transaction to its outbox entry.
const referencePrefix = "payflow:"

// Reference returns the memo text recorded on chain for outbox entry id.
func Reference(id string) string {
	return referencePrefix + id
}

// SubmitterConfig holds Submitter dependencies. RPC and Signer are required.
type SubmitterConfig struct {
	RPC     RPCClient
	Signer  Signer
	Breaker *Breaker // optional
	// MaxRetries is passed to the node's own rebroadcast loop.
	MaxRetries uint
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Submitter sends native SOL transfers. It implements outbox.Submitter.
type Submitter struct {
	rpc        RPCClient
	signer     Signer
	breaker    *Breaker
	maxRetries uint
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewSubmitter creates a Submitter.
func NewSubmitter(cfg SubmitterConfig) *Submitter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Submitter{
		rpc:        cfg.RPC,
		signer:     cfg.Signer,
		breaker:    cfg.Breaker,
		maxRetries: cfg.MaxRetries,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With("component", "solana_submitter"),
	}
}

// Submit builds, signs and sends one transfer. Returned errors are classified.
func (s *Submitter) Submit(ctx context.Context, req outbox.SubmitRequest) (string, error) {
	dest, err := solana.PublicKeyFromBase58(req.Destination)
	if err != nil {
		return "", errs.Validation(errs.ErrInvalidAddress, "destination %q: %v", req.Destination, err)
	}
	lamports := req.Amount.Shift(lamportDecimals)
	if !lamports.IsInteger() || lamports.IsNegative() {
		return "", errs.Validation(errs.ErrInvalidAmount, "amount %s is not a whole number of lamports", req.Amount.String())
	}

	if s.breaker != nil && !s.breaker.Allow() {
		return "", errs.Retryable(errs.ErrDeliveryFailed, "rpc circuit open, not sending")
	}

	sig, err := s.send(ctx, req, dest, uint64(lamports.IntPart()))
	if s.breaker != nil {
		if err != nil && errs.IsRetryable(err) {
			s.breaker.Failure()
		} else {
			s.breaker.Success()
		}
	}
	if err != nil {
		return "", err
	}
	return sig.String(), nil
}

func (s *Submitter) send(ctx context.Context, req outbox.SubmitRequest, dest solana.PublicKey, lamports uint64) (solana.Signature, error) {
	payer := s.signer.PublicKey()

	start := time.Now()
	latest, err := s.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	s.recordRPC("GetLatestBlockhash", start, err)
	if err != nil {
		return solana.Signature{}, ClassifyError(err)
	}

	instructions := make([]solana.Instruction, 0, 4)
	if req.PriorityFee > 0 {
		instructions = append(instructions, computebudget.NewSetComputeUnitPriceInstruction(req.PriorityFee).Build())
	}
	instructions = append(instructions,
		system.NewTransferInstruction(lamports, payer, dest).Build(),
		memo.NewMemoInstruction([]byte(Reference(req.ID)), payer).Build(),
	)
	if req.Memo != nil && *req.Memo != "" {
		instructions = append(instructions, memo.NewMemoInstruction([]byte(*req.Memo), payer).Build())
	}

	tx, err := solana.NewTransaction(instructions, latest.Value.Blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return solana.Signature{}, errs.Validation(errs.ErrInvalidAmount, "failed to build transaction: %v", err)
	}
	if err := s.signer.Sign(tx); err != nil {
		return solana.Signature{}, ClassifyError(err)
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	}
	if s.maxRetries > 0 {
		retries := s.maxRetries
		opts.MaxRetries = &retries
	}

	start = time.Now()
	sig, err := s.rpc.SendTransactionWithOpts(ctx, tx, opts)
	s.recordRPC("SendTransaction", start, err)
	if err != nil {
		classified := ClassifyError(err)
		s.logger.WarnContext(ctx, "send transaction failed",
			"id", req.ID,
			"destination", req.Destination,
			"kind", errs.KindOf(classified),
			"error", err,
		)
		return solana.Signature{}, classified
	}

	s.logger.InfoContext(ctx, "transaction sent",
		"id", req.ID,
		"signature", sig.String(),
		"lamports", lamports,
		"priority_fee", req.PriorityFee,
	)
	return sig, nil
}

func (s *Submitter) recordRPC(method string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordRPCCall(method, status, time.Since(start).Seconds())
}
