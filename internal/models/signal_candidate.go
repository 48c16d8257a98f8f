package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction represents the side a candidate is betting on.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Tier is the trigger classification assigned to a tick evaluation.
type Tier string

const (
	TierNone         Tier = "none"
	TierObservation  Tier = "observation"
	TierHighPriority Tier = "high_priority"
)

// Lane is the gate processing path a candidate is routed down. Each lane
// carries its own latency budget.
type Lane string

const (
	LaneExpress  Lane = "express"
	LaneStandard Lane = "standard"
	LaneDeep     Lane = "deep"
)

// CorrelationVerdict classifies a candidate against the most recent active
// signal for the same symbol.
type CorrelationVerdict string

const (
	CorrelationIndependent CorrelationVerdict = "independent"
	CorrelationStrengthen  CorrelationVerdict = "strengthen"
	CorrelationReplace     CorrelationVerdict = "replace"
)

// TriggerEvaluation is the per-tick output of the trigger engine.
type TriggerEvaluation struct {
	Symbol           string                     `json:"symbol"`
	Tier             Tier                       `json:"tier"`
	Direction        Direction                  `json:"direction"`
	PredictedWinRate decimal.Decimal            `json:"predicted_win_rate"`
	CompositeScore   decimal.Decimal            `json:"composite_score"`
	Factors          map[string]decimal.Decimal `json:"factors"`
	EvaluatedAt      time.Time                  `json:"evaluated_at"`
}

// SignalCandidate is a scored trading-signal candidate. Identity fields are
// immutable once created; stages append to the decision trail rather than
// mutating them.
type SignalCandidate struct {
	ID               string          `json:"id" db:"id"`
	Symbol           string          `json:"symbol" db:"symbol"`
	Direction        Direction       `json:"direction" db:"direction"`
	RawStrength      decimal.Decimal `json:"raw_strength" db:"raw_strength"` // 0..100
	Confidence       decimal.Decimal `json:"confidence" db:"confidence"`     // 0..1
	Source           string          `json:"source" db:"source"`
	DataCompleteness decimal.Decimal `json:"data_completeness" db:"data_completeness"`
	Clarity          decimal.Decimal `json:"clarity" db:"clarity"`
	Liquidity        decimal.Decimal `json:"liquidity" db:"liquidity"`
	RiskScore        decimal.Decimal `json:"risk_score" db:"risk_score"`
	AnomalyFlag      bool            `json:"anomaly_flag" db:"anomaly_flag"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	Trail            []Decision      `json:"trail,omitempty"`
}

// Decision is one entry in a candidate's decision trail.
type Decision struct {
	Stage   string    `json:"stage"`
	Verdict string    `json:"verdict"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// Record appends a decision to the candidate trail.
func (c *SignalCandidate) Record(stage, verdict, reason string) {
	c.Trail = append(c.Trail, Decision{Stage: stage, Verdict: verdict, Reason: reason, At: time.Now()})
}

// QualityGateResult is the terminal verdict for a candidate arrival. A
// candidate is evaluated exactly once.
type QualityGateResult struct {
	CandidateID     string             `json:"candidate_id"`
	Passed          bool               `json:"passed"`
	Lane            Lane               `json:"lane"`
	CompositeScore  decimal.Decimal    `json:"composite_score"`
	Correlation     CorrelationVerdict `json:"correlation"`
	Reinforcement   bool               `json:"reinforcement"`
	RejectionReason string             `json:"rejection_reason,omitempty"`
	ProcessedIn     time.Duration      `json:"processed_in"`
}
