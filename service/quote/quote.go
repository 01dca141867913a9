// Package quote keeps a fresh swap quote for the selected token pair and drives swap execution.
package quote

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Request identifies what to quote. InputAmount is kept as entered so that partial or invalid
// input can be represented; Slippage is a percent.
type Request struct {
	InputToken  string          `json:"input_token"`
	OutputToken string          `json:"output_token"`
	InputAmount string          `json:"input_amount"`
	Slippage    decimal.Decimal `json:"slippage"`
}

// Amount parses InputAmount. ok is false when the amount is empty, non-numeric or not positive.
func (r Request) Amount() (decimal.Decimal, bool) {
	s := strings.TrimSpace(r.InputAmount)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}

// samePair reports whether r and other quote the same tokens and amount.
func (r Request) samePair(other Request) bool {
	return r.InputToken == other.InputToken &&
		r.OutputToken == other.OutputToken &&
		strings.TrimSpace(r.InputAmount) == strings.TrimSpace(other.InputAmount)
}

// Quote is a priced, time-bounded offer. DepositAddress and QuoteID are set by sources that
// settle swaps through a deposit transfer.
type Quote struct {
	InputToken     string          `json:"input_token"`
	OutputToken    string          `json:"output_token"`
	InputAmount    decimal.Decimal `json:"input_amount"`
	OutputAmount   decimal.Decimal `json:"output_amount"`
	Rate           decimal.Decimal `json:"rate"`
	NetworkFee     decimal.Decimal `json:"network_fee"`
	PlatformFee    decimal.Decimal `json:"platform_fee"`
	PriceImpact    decimal.Decimal `json:"price_impact"`
	Slippage       decimal.Decimal `json:"slippage"`
	Route          []string        `json:"route,omitempty"`
	DepositAddress string          `json:"deposit_address,omitempty"`
	QuoteID        string          `json:"quote_id,omitempty"`
	FetchedAt      time.Time       `json:"fetched_at"`
}

// Source prices a Request.
type Source interface {
	Quote(ctx context.Context, req Request) (*Quote, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, req Request) (*Quote, error)

func (f SourceFunc) Quote(ctx context.Context, req Request) (*Quote, error) {
	return f(ctx, req)
}

// MinimumReceived is the least output accepted at the given slippage percent.
func MinimumReceived(output, slippagePercent decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Sub(slippagePercent.Div(decimal.NewFromInt(100)))
	if factor.IsNegative() {
		return decimal.Zero
	}
	return output.Mul(factor)
}

// notifier fans values out to subscribers, dropping values for subscribers that are behind.
type notifier[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan T
	closed bool
}

func newNotifier[T any]() *notifier[T] {
	return &notifier[T]{subs: make(map[int]chan T)}
}

func (n *notifier[T]) subscribe(buffer int) (<-chan T, func()) {
	ch := make(chan T, buffer)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(ch)
		return ch, func() {}
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if c, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(c)
			}
		})
	}
}

func (n *notifier[T]) send(v T) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

func (n *notifier[T]) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
