package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Environment: "test",
		Stream: StreamConfig{
			Symbols: []string{"BTCUSD"},
		},
		Trigger: TriggerConfig{
			BufferSize: 600,
			MinHistory: 30,
		},
		Gate: GateConfig{
			DedupWindow:         15 * time.Minute,
			SimilarityThreshold: 0.85,
		},
		Pool: PoolConfig{
			MinWeight: 0.5,
			MaxWeight: 1.5,
		},
		Validator: ValidatorConfig{
			TrackingWindow:   48 * time.Hour,
			MinSampleSize:    20,
			WinRateDefault:   0.62,
			WinRateBounds:    []float64{0.50, 0.85},
			ProfitLossBounds: []float64{1.0, 3.0},
			ConfidenceBounds: []float64{0.55, 0.95},
		},
	}
}

func TestConfig_ValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestConfig_ValidateRejectsEmptySymbols(t *testing.T) {
	cfg := validConfig()
	cfg.Stream.Symbols = nil

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "symbols")
}

func TestConfig_ValidateRejectsBufferSmallerThanHistory(t *testing.T) {
	cfg := validConfig()
	cfg.Trigger.BufferSize = 10
	cfg.Trigger.MinHistory = 30

	assert.Error(t, cfg.Validate())
}

func TestConfig_ValidateRejectsBadSimilarity(t *testing.T) {
	cfg := validConfig()
	cfg.Gate.SimilarityThreshold = 1.5

	assert.Error(t, cfg.Validate())
}

func TestConfig_ValidateRejectsMalformedBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Validator.WinRateBounds = []float64{0.5}
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Validator.ProfitLossBounds = []float64{3.0, 1.0}
	assert.Error(t, cfg.Validate())
}

func TestConfig_ValidateRejectsDefaultOutsideBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Validator.WinRateDefault = 0.95

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "win_rate_default")
}

func TestConfig_ValidateRejectsInvertedWeightRange(t *testing.T) {
	cfg := validConfig()
	cfg.Pool.MinWeight = 2.0

	assert.Error(t, cfg.Validate())
}
