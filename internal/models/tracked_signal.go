package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TrackingStatus is the lifecycle state of a tracked signal.
type TrackingStatus string

const (
	TrackingActive    TrackingStatus = "tracking"
	TrackingCompleted TrackingStatus = "completed"
	TrackingExpired   TrackingStatus = "expired"
)

// Outcome is the resolution of a tracked signal.
type Outcome string

const (
	OutcomeWin     Outcome = "win"
	OutcomeLoss    Outcome = "loss"
	OutcomeTimeout Outcome = "timeout"
	// OutcomeNeutral excludes a timed-out signal from win-rate accounting.
	OutcomeNeutral Outcome = "neutral"
)

// TrackedSignal follows a pooled signal that was actually acted upon until a
// target, stop, or the validation window resolves it.
type TrackedSignal struct {
	ID          string          `json:"id" db:"id"`
	CandidateID string          `json:"candidate_id" db:"candidate_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Direction   Direction       `json:"direction" db:"direction"`
	Source      string          `json:"source" db:"source"`
	EntryPrice  decimal.Decimal `json:"entry_price" db:"entry_price"`
	TargetPrice decimal.Decimal `json:"target_price" db:"target_price"`
	StopPrice   decimal.Decimal `json:"stop_price" db:"stop_price"`
	EntryTime   time.Time       `json:"entry_time" db:"entry_time"`
	Deadline    time.Time       `json:"deadline" db:"deadline"`
	Status      TrackingStatus  `json:"status" db:"status"`
	Outcome     Outcome         `json:"outcome,omitempty" db:"outcome"`
	ExitPrice   decimal.Decimal `json:"exit_price,omitempty" db:"exit_price"`
	ExitTime    time.Time       `json:"exit_time,omitempty" db:"exit_time"`
}

// Resolved reports whether the signal reached a terminal state.
func (s *TrackedSignal) Resolved() bool {
	return s.Status == TrackingCompleted || s.Status == TrackingExpired
}

// Return is the signed relative price move between entry and exit. Zero until
// resolved.
func (s *TrackedSignal) Return() decimal.Decimal {
	if !s.Resolved() || s.EntryPrice.IsZero() {
		return decimal.Zero
	}
	move := s.ExitPrice.Sub(s.EntryPrice).Div(s.EntryPrice)
	if s.Direction == DirectionShort {
		move = move.Neg()
	}
	return move
}

// PerformanceMetrics summarises resolved signals over a rolling window.
type PerformanceMetrics struct {
	WindowStart  time.Time       `json:"window_start"`
	WindowEnd    time.Time       `json:"window_end"`
	SampleSize   int             `json:"sample_size"`
	Wins         int             `json:"wins"`
	Losses       int             `json:"losses"`
	Timeouts     int             `json:"timeouts"`
	WinRate      decimal.Decimal `json:"win_rate"`
	ProfitFactor decimal.Decimal `json:"profit_factor"`
	AvgReturn    decimal.Decimal `json:"avg_return"`
}
