// Package split apportions one payment total among several participants.
//
// Amounts are carried with 9 fractional digits (one lamport for SOL). Whatever the mode, the
// computed amounts always sum to the total exactly: the smallest units left over after
// truncation are handed out one at a time by largest remainder, ties going to the participant
// listed first. Percentages in EVEN mode are display values rounded to 2 decimals and may not
// add up to exactly 100.
package split

import (
	"math/big"
	"sort"
	"strings"

	"github.com/brojonat/payflow/service/errs"
	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by every computed amount.
const Scale = 9

// Mode selects how the total is divided.
type Mode string

const (
	Even   Mode = "even"
	Custom Mode = "custom"
)

var hundred = decimal.NewFromInt(100)

// ParseMode parses a case-insensitive mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case Even, "":
		return Even, nil
	case Custom:
		return Custom, nil
	}
	return "", errs.Validation(errs.ErrInvalidAmount, "unknown split mode %q", s)
}

// Participant is one destination of a split. ID, DisplayName and Address come from the caller's
// contacts; Amount is always derived by Calculate.
type Participant struct {
	ID           string          `json:"id"`
	DisplayName  string          `json:"display_name,omitempty"`
	Address      string          `json:"address"`
	SharePercent decimal.Decimal `json:"share_percent"`
	Amount       decimal.Decimal `json:"amount"`
	FirstPayment bool            `json:"first_payment,omitempty"`
	RiskTier     string          `json:"risk_tier,omitempty"`
}

// Result is the outcome of one calculation.
type Result struct {
	Mode         Mode            `json:"mode"`
	Total        decimal.Decimal `json:"total"`
	Participants []Participant   `json:"participants"`
	PercentTotal decimal.Decimal `json:"percent_total"`
}

// Calculate computes per-participant amounts. Participant IDs must be unique. The input slice is
// not modified.
func Calculate(total decimal.Decimal, participants []Participant, mode Mode) (*Result, error) {
	if !total.IsPositive() {
		return nil, errs.Validation(errs.ErrInvalidTotal, "total must be greater than zero, got %s", total.String())
	}
	if !total.Equal(total.Truncate(Scale)) {
		return nil, errs.Validation(errs.ErrInvalidTotal, "total %s has more than %d decimal places", total.String(), Scale)
	}
	if len(participants) == 0 {
		return nil, errs.Validation(errs.ErrNoParticipants, "")
	}
	seen := make(map[string]int, len(participants))
	for i, p := range participants {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			continue
		}
		if first, ok := seen[id]; ok {
			return nil, errs.Validation(errs.ErrDuplicateParticipant, "participant %q appears at positions %d and %d", id, first+1, i+1)
		}
		seen[id] = i
	}

	out := make([]Participant, len(participants))
	copy(out, participants)
	units := total.Shift(Scale).BigInt()

	switch mode {
	case Even:
		evenSplit(units, out)
	case Custom:
		if err := customSplit(units, out); err != nil {
			return nil, err
		}
	default:
		return nil, errs.Validation(errs.ErrInvalidAmount, "unknown split mode %q", string(mode))
	}

	percentTotal := decimal.Zero
	for _, p := range out {
		percentTotal = percentTotal.Add(p.SharePercent)
	}

	return &Result{
		Mode:         mode,
		Total:        total,
		Participants: out,
		PercentTotal: percentTotal,
	}, nil
}

func evenSplit(units *big.Int, out []Participant) {
	n := big.NewInt(int64(len(out)))
	base, rem := new(big.Int).QuoRem(units, n, new(big.Int))
	percent := hundred.DivRound(decimal.NewFromInt(int64(len(out))), 2)

	extra := int(rem.Int64())
	for i := range out {
		share := new(big.Int).Set(base)
		if i < extra {
			share.Add(share, big.NewInt(1))
		}
		out[i].Amount = decimal.NewFromBigInt(share, -Scale)
		out[i].SharePercent = percent
	}
}

func customSplit(units *big.Int, out []Participant) error {
	sum := decimal.Zero
	digits := int32(0)
	for _, p := range out {
		if p.SharePercent.IsNegative() || p.SharePercent.GreaterThan(hundred) {
			return errs.Validation(errs.ErrInvalidPercent, "participant %q share %s is outside 0-100", p.ID, p.SharePercent.String())
		}
		sum = sum.Add(p.SharePercent)
		if exp := p.SharePercent.Exponent(); -exp > digits {
			digits = -exp
		}
	}
	if !sum.Equal(hundred) {
		return errs.Validation(errs.ErrPercentageMismatch, "shares sum to %s, expected 100", sum.String())
	}

	// amount_i = units * p_i / 100, evaluated on integers scaled by 10^digits.
	denom := hundred.Shift(digits).BigInt()
	type remainder struct {
		idx int
		rem *big.Int
	}
	rems := make([]remainder, len(out))
	assigned := new(big.Int)
	shares := make([]*big.Int, len(out))
	for i, p := range out {
		num := new(big.Int).Mul(units, p.SharePercent.Shift(digits).BigInt())
		q, r := new(big.Int).QuoRem(num, denom, new(big.Int))
		shares[i] = q
		rems[i] = remainder{idx: i, rem: r}
		assigned.Add(assigned, q)
	}

	sort.SliceStable(rems, func(a, b int) bool {
		return rems[a].rem.Cmp(rems[b].rem) > 0
	})
	leftover := int(new(big.Int).Sub(units, assigned).Int64())
	for k := 0; k < leftover; k++ {
		shares[rems[k].idx].Add(shares[rems[k].idx], big.NewInt(1))
	}

	for i := range out {
		out[i].Amount = decimal.NewFromBigInt(shares[i], -Scale)
	}
	return nil
}

// Sum adds up the computed amounts.
func Sum(participants []Participant) decimal.Decimal {
	total := decimal.Zero
	for _, p := range participants {
		total = total.Add(p.Amount)
	}
	return total
}
