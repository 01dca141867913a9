package quote

import (
	"context"
	"errors"
	"fmt"

	"github.com/brojonat/payflow/service/errs"
	"github.com/brojonat/payflow/service/fees"
	"github.com/brojonat/payflow/service/outbox"
)

// maxDeposits bounds how many failed deposits one quote may accumulate.
const maxDeposits = 16

// Transfers is the part of the outbox the swapper needs.
type Transfers interface {
	Submit(ctx context.Context, in outbox.Intent) (outbox.PendingTransaction, error)
	Get(ctx context.Context, id string) (outbox.PendingTransaction, error)
	Cancel(ctx context.Context, id, reason string) (outbox.PendingTransaction, bool, error)
}

// OutboxSwapper settles a swap by sending the quoted input amount to the quote's deposit address
// through the outbox. A quote maps to at most one live outbox entry, so retrying a failed swap
// with the same quote never sends twice. A deposit that fails retryably is cancelled rather than
// left for the sweep: the swap reports an error and only an explicit retry sends again.
type OutboxSwapper struct {
	Outbox    Transfers
	FeePreset fees.Preset
}

func (s *OutboxSwapper) Swap(ctx context.Context, q Quote) (string, error) {
	if q.DepositAddress == "" {
		return "", errs.Validation(errs.ErrInvalidAddress, "quote %s has no deposit address", q.QuoteID)
	}
	if !q.InputAmount.IsPositive() {
		return "", errs.Validation(errs.ErrInvalidAmount, "quote %s input amount %s", q.QuoteID, q.InputAmount.String())
	}

	in := outbox.Intent{
		Destination: q.DepositAddress,
		Amount:      q.InputAmount,
		FeePreset:   s.FeePreset,
	}
	if q.QuoteID != "" {
		key, err := s.intentKey(ctx, q.QuoteID)
		if err != nil {
			return "", err
		}
		in.IntentKey = key
		memo := fmt.Sprintf("swap %s %s->%s", q.QuoteID, q.InputToken, q.OutputToken)
		in.Memo = &memo
	}

	entry, err := s.Outbox.Submit(ctx, in)
	if err == nil {
		return entry.TxHash, nil
	}
	if entry.ID == "" || !errs.IsRetryable(err) {
		return "", err
	}

	current, cancelled, cancelErr := s.Outbox.Cancel(context.WithoutCancel(ctx), entry.ID, "swap failed: "+err.Error())
	switch {
	case cancelErr != nil:
		return "", errors.Join(err, fmt.Errorf("failed to cancel deposit %s: %w", entry.ID, cancelErr))
	case !cancelled && current.Status == outbox.StatusConfirmed:
		return current.TxHash, nil
	}
	return "", err
}

// intentKey returns the outbox key for the next deposit of quoteID, skipping deposits that were
// cancelled or failed terminally.
func (s *OutboxSwapper) intentKey(ctx context.Context, quoteID string) (string, error) {
	for n := 0; n < maxDeposits; n++ {
		key := fmt.Sprintf("swap:%s:%d", quoteID, n)
		entry, err := s.Outbox.Get(ctx, outbox.IDForKey(key))
		if errors.Is(err, errs.ErrNotFound) {
			return key, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to look up deposit for quote %s: %w", quoteID, err)
		}
		if entry.Status != outbox.StatusFailedTerminal {
			return key, nil
		}
	}
	return "", errs.Terminal(errs.ErrDeliveryFailed, "quote %s exceeded %d failed deposits", quoteID, maxDeposits)
}
