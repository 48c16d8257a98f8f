package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bound is an inclusive [Min,Max] range for a single threshold field.
type Bound struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

// Clip returns v clamped into the bound.
func (b Bound) Clip(v decimal.Decimal) decimal.Decimal {
	if v.LessThan(b.Min) {
		return b.Min
	}
	if v.GreaterThan(b.Max) {
		return b.Max
	}
	return v
}

// ThresholdBounds carries the configured per-field bounds for the dynamic
// threshold set.
type ThresholdBounds struct {
	WinRate    Bound `json:"win_rate"`
	ProfitLoss Bound `json:"profit_loss"`
	Confidence Bound `json:"confidence"`
}

// DynamicThresholdSet is the process-wide decision threshold state. It is
// initialized from static defaults, mutated only by the outcome validator's
// recalculation, and always clamped to configured bounds. Every other
// component reads an immutable snapshot.
type DynamicThresholdSet struct {
	WinRateThreshold    decimal.Decimal `json:"win_rate_threshold"`
	ObservationFloor    decimal.Decimal `json:"observation_floor"`
	ProfitLossThreshold decimal.Decimal `json:"profit_loss_threshold"`
	ConfidenceThreshold decimal.Decimal `json:"confidence_threshold"`
	Version             int64           `json:"version"`
	LastUpdated         time.Time       `json:"last_updated"`
	AdjustmentReason    string          `json:"adjustment_reason"`
}

// Clamped returns a copy with every field clipped into the given bounds.
// Clamping is idempotent: clamping a clamped set is a no-op.
func (t DynamicThresholdSet) Clamped(b ThresholdBounds) DynamicThresholdSet {
	out := t
	out.WinRateThreshold = b.WinRate.Clip(t.WinRateThreshold)
	out.ProfitLossThreshold = b.ProfitLoss.Clip(t.ProfitLossThreshold)
	out.ConfidenceThreshold = b.Confidence.Clip(t.ConfidenceThreshold)
	// The observation floor trails the win-rate threshold; it never exceeds it.
	if out.ObservationFloor.GreaterThan(out.WinRateThreshold) {
		out.ObservationFloor = out.WinRateThreshold
	}
	return out
}
