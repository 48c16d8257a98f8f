package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DimensionScores holds the seven scoring dimensions applied to a pooled
// signal. Each score is in 0..1.
type DimensionScores struct {
	Strength           decimal.Decimal `json:"strength"`
	Confidence         decimal.Decimal `json:"confidence"`
	DataQuality        decimal.Decimal `json:"data_quality"`
	MarketConsistency  decimal.Decimal `json:"market_consistency"`
	TimeEffect         decimal.Decimal `json:"time_effect"`
	Liquidity          decimal.Decimal `json:"liquidity"`
	HistoricalAccuracy decimal.Decimal `json:"historical_accuracy"`
}

// PooledSignal is a gate-passed candidate after pool scoring. The source
// weight applied is the adaptive weight in effect at ingest time.
type PooledSignal struct {
	CandidateID         string          `json:"candidate_id" db:"candidate_id"`
	Symbol              string          `json:"symbol" db:"symbol"`
	Direction           Direction       `json:"direction" db:"direction"`
	Source              string          `json:"source" db:"source"`
	Scores              DimensionScores `json:"scores"`
	CompositeScore      decimal.Decimal `json:"composite_score" db:"composite_score"`
	SourceWeightApplied decimal.Decimal `json:"source_weight_applied" db:"source_weight_applied"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
}
