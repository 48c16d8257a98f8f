package services

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/tickforge/tickforge/internal/models"
)

func newTestValidator(cfg ...func(*OutcomeValidator)) (*OutcomeValidator, *ThresholdStore, *EmergencyStop, *SignalPool) {
	store := testThresholdStore()
	stop := NewEmergencyStop()
	pool, _ := newTestPool()
	v := NewOutcomeValidator(testValidatorConfig(), store, stop, pool, NewWinRateCalibrator(), nil, nil, testLogger())
	for _, fn := range cfg {
		fn(v)
	}
	return v, store, stop, pool
}

func pooledSignal(symbol string, direction models.Direction) *models.PooledSignal {
	c := testCandidate(symbol, direction, 0.80)
	return &models.PooledSignal{
		CandidateID:         c.ID,
		Symbol:              symbol,
		Direction:           direction,
		Source:              c.Source,
		Scores:              models.DimensionScores{Confidence: c.Confidence},
		CompositeScore:      decimal.NewFromFloat(0.75),
		SourceWeightApplied: decimal.NewFromInt(1),
		CreatedAt:           time.Now(),
	}
}

func tickAt(symbol string, price float64) *models.MarketTick {
	return &models.MarketTick{
		Symbol:     symbol,
		Price:      decimal.NewFromFloat(price),
		Volume:     decimal.NewFromFloat(1),
		Frame:      models.FrameTrade,
		ReceivedAt: time.Now(),
	}
}

// resolveOne tracks a fresh signal and drives it to the given outcome.
func resolveOne(t *testing.T, v *OutcomeValidator, win bool) {
	t.Helper()
	ctx := context.Background()
	_, err := v.Track(ctx, pooledSignal("BTCUSD", models.DirectionLong), decimal.NewFromInt(100))
	assert.NoError(t, err)
	if win {
		v.OnPrice(ctx, tickAt("BTCUSD", 103))
	} else {
		v.OnPrice(ctx, tickAt("BTCUSD", 98))
	}
}

func TestOutcomeValidator_TrackDerivesBoundaries(t *testing.T) {
	v, _, _, _ := newTestValidator()

	ts, err := v.Track(context.Background(), pooledSignal("BTCUSD", models.DirectionLong), decimal.NewFromInt(100))
	assert.NoError(t, err)
	assert.Equal(t, models.TrackingActive, ts.Status)
	assert.True(t, ts.TargetPrice.Equal(decimal.NewFromInt(103)))
	assert.True(t, ts.StopPrice.Equal(decimal.NewFromInt(98)))
	assert.Equal(t, 1, v.TrackedCount())

	short, err := v.Track(context.Background(), pooledSignal("ETHUSD", models.DirectionShort), decimal.NewFromInt(100))
	assert.NoError(t, err)
	assert.True(t, short.TargetPrice.Equal(decimal.NewFromInt(97)))
	assert.True(t, short.StopPrice.Equal(decimal.NewFromInt(102)))
}

func TestOutcomeValidator_RejectsNonPositiveEntry(t *testing.T) {
	v, _, _, _ := newTestValidator()

	_, err := v.Track(context.Background(), pooledSignal("BTCUSD", models.DirectionLong), decimal.Zero)
	assert.Error(t, err)
}

// Entry 100, target 103, stop 98, price path [100,101,99,97]: the signal
// resolves as a loss at the tick crossing the stop, not at 99.
func TestOutcomeValidator_LossResolvesAtStopCrossing(t *testing.T) {
	v, _, _, _ := newTestValidator()
	ctx := context.Background()

	ts, err := v.Track(ctx, pooledSignal("BTCUSD", models.DirectionLong), decimal.NewFromInt(100))
	assert.NoError(t, err)

	for _, price := range []float64{100, 101, 99} {
		v.OnPrice(ctx, tickAt("BTCUSD", price))
		assert.Equal(t, models.TrackingActive, ts.Status, "must not resolve before the stop is crossed at %v", price)
	}

	v.OnPrice(ctx, tickAt("BTCUSD", 97))
	assert.Equal(t, models.TrackingCompleted, ts.Status)
	assert.Equal(t, models.OutcomeLoss, ts.Outcome)
	assert.True(t, ts.ExitPrice.Equal(decimal.NewFromInt(97)))
	assert.Equal(t, 0, v.TrackedCount())
}

func TestOutcomeValidator_WinResolvesAtTarget(t *testing.T) {
	v, _, _, _ := newTestValidator()
	ctx := context.Background()

	ts, _ := v.Track(ctx, pooledSignal("BTCUSD", models.DirectionLong), decimal.NewFromInt(100))
	v.OnPrice(ctx, tickAt("BTCUSD", 103.5))

	assert.Equal(t, models.TrackingCompleted, ts.Status)
	assert.Equal(t, models.OutcomeWin, ts.Outcome)
}

func TestOutcomeValidator_ShortDirectionBoundaries(t *testing.T) {
	v, _, _, _ := newTestValidator()
	ctx := context.Background()

	ts, _ := v.Track(ctx, pooledSignal("ETHUSD", models.DirectionShort), decimal.NewFromInt(100))
	v.OnPrice(ctx, tickAt("ETHUSD", 101)) // inside both boundaries
	assert.Equal(t, models.TrackingActive, ts.Status)

	v.OnPrice(ctx, tickAt("ETHUSD", 96.5))
	assert.Equal(t, models.OutcomeWin, ts.Outcome)
}

func TestOutcomeValidator_ExpiryExactlyAtWindowElapse(t *testing.T) {
	v, _, _, _ := newTestValidator()
	ctx := context.Background()

	ts, _ := v.Track(ctx, pooledSignal("BTCUSD", models.DirectionLong), decimal.NewFromInt(100))

	v.ExpireDue(ctx, ts.Deadline.Add(-time.Second))
	assert.Equal(t, models.TrackingActive, ts.Status, "must not expire before the window elapses")

	v.ExpireDue(ctx, ts.Deadline.Add(time.Second))
	assert.Equal(t, models.TrackingExpired, ts.Status)
	assert.Equal(t, models.OutcomeTimeout, ts.Outcome)
	assert.Equal(t, 0, v.TrackedCount())
}

func TestOutcomeValidator_NeutralExpiryExcludedFromMetrics(t *testing.T) {
	v, _, _, _ := newTestValidator()
	ctx := context.Background()

	ts, _ := v.Track(ctx, pooledSignal("BTCUSD", models.DirectionLong), decimal.NewFromInt(100))
	v.MarkNeutral(ts.ID)
	v.ExpireDue(ctx, ts.Deadline.Add(time.Second))

	assert.Equal(t, models.OutcomeNeutral, ts.Outcome)
	assert.Equal(t, 0, v.Metrics(time.Now()).SampleSize)
}

func TestOutcomeValidator_MetricsOverWindow(t *testing.T) {
	v, _, _, _ := newTestValidator()

	for i := 0; i < 3; i++ {
		resolveOne(t, v, true)
	}
	resolveOne(t, v, false)

	m := v.Metrics(time.Now())
	assert.Equal(t, 4, m.SampleSize)
	assert.Equal(t, 3, m.Wins)
	assert.Equal(t, 1, m.Losses)
	assert.True(t, m.WinRate.Equal(decimal.NewFromFloat(0.75)))
	assert.True(t, m.ProfitFactor.IsPositive())
}

// A 0.40 win rate over a window below the minimum sample size leaves the
// thresholds untouched.
func TestOutcomeValidator_InsufficientSampleSkipsAdjustment(t *testing.T) {
	v, store, _, _ := newTestValidator()

	for i := 0; i < 2; i++ {
		resolveOne(t, v, true)
	}
	for i := 0; i < 3; i++ {
		resolveOne(t, v, false)
	}
	before := store.Snapshot()

	applied := v.Recalculate(context.Background())

	assert.Equal(t, "insufficient sample", applied.AdjustmentReason)
	assert.True(t, applied.WinRateThreshold.Equal(before.WinRateThreshold))
	assert.True(t, applied.ObservationFloor.Equal(before.ObservationFloor))
	assert.True(t, applied.ProfitLossThreshold.Equal(before.ProfitLossThreshold))
	assert.True(t, applied.ConfidenceThreshold.Equal(before.ConfidenceThreshold))
}

func TestOutcomeValidator_WinRateCollapseTriggersEmergencyStop(t *testing.T) {
	v, store, stop, _ := newTestValidator(func(v *OutcomeValidator) {
		v.cfg.MinSampleSize = 5
	})

	resolveOne(t, v, true)
	for i := 0; i < 4; i++ {
		resolveOne(t, v, false)
	}
	before := store.Snapshot()

	applied := v.Recalculate(context.Background())

	active, reason := stop.Active()
	assert.True(t, active)
	assert.Contains(t, reason, "emergency stop")
	// thresholds are not lowered on a collapse
	assert.True(t, applied.WinRateThreshold.Equal(before.WinRateThreshold))
	assert.Contains(t, applied.AdjustmentReason, "emergency stop")
}

func TestOutcomeValidator_RecoveryClearsEmergencyStop(t *testing.T) {
	v, _, stop, _ := newTestValidator(func(v *OutcomeValidator) {
		v.cfg.MinSampleSize = 5
	})
	stop.Trigger("earlier collapse")

	for i := 0; i < 8; i++ {
		resolveOne(t, v, true)
	}
	v.Recalculate(context.Background())

	active, _ := stop.Active()
	assert.False(t, active)
}

func TestOutcomeValidator_HealthyWindowRelaxesThresholds(t *testing.T) {
	v, store, _, _ := newTestValidator(func(v *OutcomeValidator) {
		v.cfg.MinSampleSize = 5
	})

	for i := 0; i < 7; i++ {
		resolveOne(t, v, true)
	}
	resolveOne(t, v, false)
	before := store.Snapshot()

	applied := v.Recalculate(context.Background())

	assert.True(t, applied.WinRateThreshold.LessThan(before.WinRateThreshold))
	assert.True(t, applied.ObservationFloor.LessThanOrEqual(applied.WinRateThreshold))
	assert.Greater(t, applied.Version, before.Version)
	assert.Contains(t, applied.AdjustmentReason, "recalculated")
}

func TestOutcomeValidator_PoorWindowTightensThresholds(t *testing.T) {
	v, store, _, _ := newTestValidator(func(v *OutcomeValidator) {
		v.cfg.MinSampleSize = 5
	})

	for i := 0; i < 3; i++ {
		resolveOne(t, v, true)
	}
	for i := 0; i < 4; i++ {
		resolveOne(t, v, false)
	}
	before := store.Snapshot()

	applied := v.Recalculate(context.Background())

	assert.True(t, applied.WinRateThreshold.GreaterThan(before.WinRateThreshold))
}

func TestOutcomeValidator_OutcomeFeedsSourceWeights(t *testing.T) {
	store := testThresholdStore()
	stop := NewEmergencyStop()
	weights := NewSourceWeightTable(testPoolConfig())
	pool := NewSignalPool(testPoolConfig(), weights, nil, testLogger())
	v := NewOutcomeValidator(testValidatorConfig(), store, stop, pool, NewWinRateCalibrator(), nil, nil, testLogger())
	ctx := context.Background()

	c := testCandidate("BTCUSD", models.DirectionLong, 0.80)
	gate := passResult(c)
	pooled := pool.Ingest(ctx, c, gate)

	_, err := v.Track(ctx, pooled, decimal.NewFromInt(100))
	assert.NoError(t, err)
	v.OnPrice(ctx, tickAt("BTCUSD", 104))

	assert.True(t, weights.Weight(c.Source).GreaterThan(decimal.NewFromInt(1)))
}

func TestOutcomeValidator_ActiveSignalsSnapshot(t *testing.T) {
	v, _, _, _ := newTestValidator()
	ctx := context.Background()

	_, _ = v.Track(ctx, pooledSignal("BTCUSD", models.DirectionLong), decimal.NewFromInt(100))
	_, _ = v.Track(ctx, pooledSignal("ETHUSD", models.DirectionShort), decimal.NewFromInt(2500))

	active := v.ActiveSignals()
	assert.Len(t, active, 2)
}
