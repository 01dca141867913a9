package solana

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/brojonat/payflow/service/errs"
)

var terminalMarkers = []string{
	"insufficient funds",
	"insufficient lamports",
	"no record of a prior credit",
	"invalid account",
	"invalidaccountdata",
	"account not found",
	"accountnotfound",
	"invalid param",
	"signature verification",
	"user rejected",
	"user cancelled",
	"user canceled",
}

var retryableMarkers = []string{
	"timeout",
	"timed out",
	"429",
	"too many requests",
	"rate limit",
	"blockhash not found",
	"block height exceeded",
	"node is behind",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"eof",
	"502",
	"503",
	"504",
	"service unavailable",
	"signer unavailable",
}

// ClassifyError tags err as retryable or terminal. Errors that already carry a kind are returned
// unchanged. Anything unrecognized is retryable.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	if errs.KindOf(err) != "" {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Retryable(errs.ErrDeliveryFailed, "%v", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.Retryable(errs.ErrDeliveryFailed, "%v", err)
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range terminalMarkers {
		if strings.Contains(msg, marker) {
			return errs.Terminal(errs.ErrRejected, "%v", err)
		}
	}
	for _, marker := range retryableMarkers {
		if strings.Contains(msg, marker) {
			return errs.Retryable(errs.ErrDeliveryFailed, "%v", err)
		}
	}
	return errs.Retryable(errs.ErrDeliveryFailed, "%v", err)
}
