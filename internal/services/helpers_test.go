package services

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tickforge/tickforge/internal/config"
	"github.com/tickforge/tickforge/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testTriggerConfig() config.TriggerConfig {
	return config.TriggerConfig{
		ShortWindow: time.Minute,
		LongWindow:  5 * time.Minute,
		BufferSize:  60,
		MinHistory:  30,
		IndicatorWeights: map[string]float64{
			"momentum_short": 0.25,
			"momentum_long":  0.20,
			"volatility":     0.10,
			"volume_surge":   0.15,
			"rsi":            0.10,
			"ma_cross":       0.10,
			"macd":           0.10,
		},
	}
}

func testGateConfig() config.GateConfig {
	return config.GateConfig{
		DedupWindow:          15 * time.Minute,
		SimilarityThreshold:  0.85,
		ConfidenceEpsilon:    0.03,
		ConflictThreshold:    0.15,
		StrengthenDelta:      0.08,
		ConsensusOverlap:     0.72,
		ConsensusDiversity:   0.80,
		ConsensusActionBias:  0.85,
		ExpressBudget:        3 * time.Millisecond,
		StandardBudget:       15 * time.Millisecond,
		DeepBudget:           40 * time.Millisecond,
		MinStrength:          70,
		MinLiquidity:         0.6,
		MaxRisk:              0.3,
		ExpressCompleteness:  0.9,
		ExpressClarity:       0.8,
		ExpressMinConfidence: 0.75,
	}
}

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		HistoryWindow:     168 * time.Hour,
		LearningStep:      0.05,
		DecayFactor:       0.9,
		MinWeight:         0.5,
		MaxWeight:         1.5,
		MinSamples:        5,
		IngestBuffer:      256,
		HighPriorityFloor: 0.65,
	}
}

func testValidatorConfig() config.ValidatorConfig {
	return config.ValidatorConfig{
		TrackingWindow:   48 * time.Hour,
		RecalcInterval:   30 * time.Minute,
		MetricsWindow:    168 * time.Hour,
		MinSampleSize:    20,
		SafetyFloor:      0.30,
		AdjustmentStep:   0.02,
		WinRateDefault:   0.62,
		ObservationBand:  0.10,
		ProfitLossStart:  1.5,
		ConfidenceStart:  0.70,
		WinRateBounds:    []float64{0.50, 0.85},
		ProfitLossBounds: []float64{1.0, 3.0},
		ConfidenceBounds: []float64{0.55, 0.95},
	}
}

func testBounds() models.ThresholdBounds {
	return models.ThresholdBounds{
		WinRate:    models.Bound{Min: decimal.NewFromFloat(0.50), Max: decimal.NewFromFloat(0.85)},
		ProfitLoss: models.Bound{Min: decimal.NewFromFloat(1.0), Max: decimal.NewFromFloat(3.0)},
		Confidence: models.Bound{Min: decimal.NewFromFloat(0.55), Max: decimal.NewFromFloat(0.95)},
	}
}

func testThresholdStore() *ThresholdStore {
	initial := models.DynamicThresholdSet{
		WinRateThreshold:    decimal.NewFromFloat(0.62),
		ObservationFloor:    decimal.NewFromFloat(0.52),
		ProfitLossThreshold: decimal.NewFromFloat(1.5),
		ConfidenceThreshold: decimal.NewFromFloat(0.70),
	}
	return NewThresholdStore(initial, testBounds())
}

func testCandidate(symbol string, direction models.Direction, confidence float64) *models.SignalCandidate {
	return &models.SignalCandidate{
		ID:               uuid.New().String(),
		Symbol:           symbol,
		Direction:        direction,
		RawStrength:      decimal.NewFromInt(80),
		Confidence:       decimal.NewFromFloat(confidence),
		Source:           "trigger_engine",
		DataCompleteness: decimal.NewFromFloat(0.95),
		Clarity:          decimal.NewFromFloat(0.85),
		Liquidity:        decimal.NewFromFloat(0.9),
		RiskScore:        decimal.NewFromFloat(0.1),
		CreatedAt:        time.Now(),
	}
}
