// Package fees names the network-fee presets a payment can be sent with and maps each to its
// priority fee. It also turns an external congestion reading into a preset recommendation.
package fees

import (
	"context"
	"strings"
	"time"

	"github.com/brojonat/payflow/service/errs"
)

// Preset is a named network-fee tier.
type Preset string

const (
	Normal  Preset = "normal"
	Fast    Preset = "fast"
	Express Preset = "express"
)

// preset table: priority fee in micro-lamports per compute unit, plus display label.
var presets = map[Preset]struct {
	microLamports uint64
	label         string
}{
	Normal:  {0, "Normal"},
	Fast:    {500, "Fast"},
	Express: {5000, "Express"},
}

// All returns the presets from slowest to fastest.
func All() []Preset {
	return []Preset{Normal, Fast, Express}
}

// FeeFor returns the priority fee per compute unit for p. Unknown presets cost nothing.
func FeeFor(p Preset) uint64 {
	return presets[p].microLamports
}

// Label returns the human label for p, or the raw name when unknown.
func Label(p Preset) string {
	if v, ok := presets[p]; ok {
		return v.label
	}
	return string(p)
}

// Valid reports whether p is one of the known presets.
func (p Preset) Valid() bool {
	_, ok := presets[p]
	return ok
}

// ParsePreset parses a case-insensitive preset name. Empty input parses to Normal.
func ParsePreset(s string) (Preset, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Normal, nil
	}
	p := Preset(s)
	if !p.Valid() {
		return "", errs.Validation(errs.ErrInvalidPreset, "unknown preset %q (want normal, fast or express)", s)
	}
	return p, nil
}

// CongestionLevel is an external read of current network load.
type CongestionLevel string

const (
	CongestionLow     CongestionLevel = "low"
	CongestionMedium  CongestionLevel = "medium"
	CongestionHigh    CongestionLevel = "high"
	CongestionUnknown CongestionLevel = "unknown"
)

// CongestionSignal is produced by a network-health collaborator and consumed read-only.
type CongestionSignal struct {
	Level       CongestionLevel `json:"level"`
	Message     string          `json:"message"`
	Recommended Preset          `json:"recommended"`
	ObservedAt  time.Time       `json:"observed_at"`
}

// CongestionSource reads the current congestion signal.
type CongestionSource interface {
	Congestion(ctx context.Context) (CongestionSignal, error)
}

// Recommend maps a congestion level to an advisory preset.
func Recommend(level CongestionLevel) Preset {
	switch level {
	case CongestionHigh:
		return Express
	case CongestionMedium:
		return Fast
	default:
		return Normal
	}
}

// NewSignal builds a signal for level with the recommended preset and a default advisory.
func NewSignal(level CongestionLevel, observedAt time.Time) CongestionSignal {
	msg := "network is operating normally"
	switch level {
	case CongestionHigh:
		msg = "network is heavily congested, transactions may be delayed"
	case CongestionMedium:
		msg = "network is moderately busy"
	case CongestionUnknown:
		msg = "network status unavailable"
	}
	return CongestionSignal{
		Level:       level,
		Message:     msg,
		Recommended: Recommend(level),
		ObservedAt:  observedAt,
	}
}

// Select picks the preset to submit with. An explicit user choice always wins; otherwise the
// signal's recommendation is used. The bool reports whether the result is a recommendation.
func Select(explicit *Preset, signal *CongestionSignal) (Preset, bool) {
	if explicit != nil && explicit.Valid() {
		return *explicit, false
	}
	if signal == nil {
		return Normal, true
	}
	return Recommend(signal.Level), true
}

// Current reads src and degrades to an unknown signal when the source fails.
func Current(ctx context.Context, src CongestionSource, now time.Time) CongestionSignal {
	if src == nil {
		return NewSignal(CongestionUnknown, now)
	}
	sig, err := src.Congestion(ctx)
	if err != nil {
		return NewSignal(CongestionUnknown, now)
	}
	return sig
}
