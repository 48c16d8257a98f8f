package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tickforge/tickforge/internal/config"
	"github.com/tickforge/tickforge/internal/database"
	"github.com/tickforge/tickforge/internal/models"
)

// Target and stop distances applied when a pooled signal is tracked. Entry is
// the price at track time; a long wins at entry*(1+target) and loses at
// entry*(1-stop), mirrored for shorts.
const (
	targetDistance = 0.03
	stopDistance   = 0.02
)

// trackedState wraps a tracked signal with the evaluation context needed for
// calibration feedback once it resolves.
type trackedState struct {
	signal    *models.TrackedSignal
	composite float64
	neutral   bool
}

type resolvedRecord struct {
	at        time.Time
	outcome   models.Outcome
	ret       decimal.Decimal
	composite float64
	neutral   bool
}

// OutcomeValidator tracks acted-upon signals to resolution, computes rolling
// performance metrics, and feeds threshold adjustments back to the trigger
// engine. It is the single writer of the dynamic threshold set.
type OutcomeValidator struct {
	cfg           config.ValidatorConfig
	thresholds    *ThresholdStore
	stop          *EmergencyStop
	pool          *SignalPool
	calibrator    *WinRateCalibrator
	repo          *database.SignalRepository
	thresholdRepo *database.ThresholdRepository
	logger        *logrus.Logger

	mu       sync.Mutex
	tracked  map[string]*trackedState
	bySymbol map[string][]*trackedState
	resolved []resolvedRecord

	cron *cron.Cron
	// serializes recalculation so shutdown can wait out an in-flight
	// threshold write
	recalcMu sync.Mutex
}

func NewOutcomeValidator(
	cfg config.ValidatorConfig,
	thresholds *ThresholdStore,
	stop *EmergencyStop,
	pool *SignalPool,
	calibrator *WinRateCalibrator,
	repo *database.SignalRepository,
	thresholdRepo *database.ThresholdRepository,
	logger *logrus.Logger,
) *OutcomeValidator {
	return &OutcomeValidator{
		cfg:           cfg,
		thresholds:    thresholds,
		stop:          stop,
		pool:          pool,
		calibrator:    calibrator,
		repo:          repo,
		thresholdRepo: thresholdRepo,
		logger:        logger,
		tracked:       make(map[string]*trackedState),
		bySymbol:      make(map[string][]*trackedState),
	}
}

// Track registers a pooled signal for outcome tracking, capturing entry price
// and time. The signal moves straight into the tracking state.
func (v *OutcomeValidator) Track(ctx context.Context, sig *models.PooledSignal, entryPrice decimal.Decimal) (*models.TrackedSignal, error) {
	if entryPrice.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("track %s: non-positive entry price", sig.CandidateID)
	}

	target := decimal.NewFromFloat(1 + targetDistance)
	stopMul := decimal.NewFromFloat(1 - stopDistance)
	if sig.Direction == models.DirectionShort {
		target = decimal.NewFromFloat(1 - targetDistance)
		stopMul = decimal.NewFromFloat(1 + stopDistance)
	}

	now := time.Now()
	ts := &models.TrackedSignal{
		ID:          uuid.New().String(),
		CandidateID: sig.CandidateID,
		Symbol:      sig.Symbol,
		Direction:   sig.Direction,
		Source:      sig.Source,
		EntryPrice:  entryPrice,
		TargetPrice: entryPrice.Mul(target),
		StopPrice:   entryPrice.Mul(stopMul),
		EntryTime:   now,
		Deadline:    now.Add(v.cfg.TrackingWindow),
		Status:      models.TrackingActive,
	}

	composite, _ := sig.CompositeScore.Float64()
	st := &trackedState{signal: ts, composite: composite}

	v.mu.Lock()
	v.tracked[ts.ID] = st
	v.bySymbol[ts.Symbol] = append(v.bySymbol[ts.Symbol], st)
	v.mu.Unlock()

	if v.repo != nil {
		if err := v.repo.SaveTrackedSignal(ctx, ts); err != nil {
			v.logger.WithError(err).WithField("signal", ts.ID).Error("Failed to persist tracked signal")
		}
	}
	v.logger.WithFields(logrus.Fields{
		"signal":   ts.ID,
		"symbol":   ts.Symbol,
		"entry":    ts.EntryPrice.StringFixed(4),
		"target":   ts.TargetPrice.StringFixed(4),
		"stop":     ts.StopPrice.StringFixed(4),
		"deadline": ts.Deadline,
	}).Info("Tracking signal")
	return ts, nil
}

// MarkNeutral excludes a tracked signal from win-rate accounting should it
// expire, for signals invalidated by external circumstances.
func (v *OutcomeValidator) MarkNeutral(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.tracked[id]
	if ok {
		st.neutral = true
	}
	return ok
}

// OnPrice checks every tracking signal for the tick's symbol against its
// target and stop boundaries. Resolution happens at the crossing tick.
func (v *OutcomeValidator) OnPrice(ctx context.Context, tick *models.MarketTick) {
	v.mu.Lock()
	states := v.bySymbol[tick.Symbol]
	var hits []*trackedState
	var outcomes []models.Outcome
	for _, st := range states {
		if st.signal.Status != models.TrackingActive {
			continue
		}
		if crossed, outcome := boundaryCrossing(st.signal, tick.Price); crossed {
			hits = append(hits, st)
			outcomes = append(outcomes, outcome)
		}
	}
	v.mu.Unlock()

	for i, st := range hits {
		v.resolve(ctx, st, models.TrackingCompleted, outcomes[i], tick.Price, tick.ReceivedAt)
	}
}

// boundaryCrossing reports whether a price resolves the signal and how.
func boundaryCrossing(s *models.TrackedSignal, price decimal.Decimal) (bool, models.Outcome) {
	if s.Direction == models.DirectionLong {
		if price.GreaterThanOrEqual(s.TargetPrice) {
			return true, models.OutcomeWin
		}
		if price.LessThanOrEqual(s.StopPrice) {
			return true, models.OutcomeLoss
		}
		return false, ""
	}
	if price.LessThanOrEqual(s.TargetPrice) {
		return true, models.OutcomeWin
	}
	if price.GreaterThanOrEqual(s.StopPrice) {
		return true, models.OutcomeLoss
	}
	return false, ""
}

// ExpireDue transitions every tracking signal whose window has elapsed.
// Expiry counts as a timeout (loss-equivalent) unless marked neutral.
func (v *OutcomeValidator) ExpireDue(ctx context.Context, now time.Time) {
	v.mu.Lock()
	var due []*trackedState
	for _, st := range v.tracked {
		if st.signal.Status == models.TrackingActive && !now.Before(st.signal.Deadline) {
			due = append(due, st)
		}
	}
	v.mu.Unlock()

	for _, st := range due {
		v.resolve(ctx, st, models.TrackingExpired, models.OutcomeTimeout, st.signal.EntryPrice, now)
	}
}

// resolve finalizes a tracked signal: terminal state, persistence, feedback to
// the pool's source weights and the win-rate calibrator. The tracking entry is
// removed immediately so no further price updates touch it.
func (v *OutcomeValidator) resolve(ctx context.Context, st *trackedState, status models.TrackingStatus, outcome models.Outcome, exitPrice decimal.Decimal, exitTime time.Time) {
	s := st.signal

	v.mu.Lock()
	if s.Status != models.TrackingActive {
		v.mu.Unlock()
		return
	}
	s.Status = status
	s.Outcome = outcome
	if st.neutral && outcome == models.OutcomeTimeout {
		s.Outcome = models.OutcomeNeutral
	}
	s.ExitPrice = exitPrice
	s.ExitTime = exitTime

	delete(v.tracked, s.ID)
	v.removeFromSymbolLocked(st)
	v.resolved = append(v.resolved, resolvedRecord{
		at:        exitTime,
		outcome:   s.Outcome,
		ret:       s.Return(),
		composite: st.composite,
		neutral:   st.neutral,
	})
	v.mu.Unlock()

	if v.repo != nil {
		if err := v.repo.ResolveTrackedSignal(ctx, s); err != nil {
			v.logger.WithError(err).WithField("signal", s.ID).Error("Failed to persist signal resolution")
		}
	}
	if s.Outcome != models.OutcomeNeutral {
		v.pool.LearnFromOutcome(s.CandidateID, s.Outcome)
		v.calibrator.Observe(st.composite, s.Outcome == models.OutcomeWin)
	}

	v.logger.WithFields(logrus.Fields{
		"signal":  s.ID,
		"symbol":  s.Symbol,
		"status":  s.Status,
		"outcome": s.Outcome,
		"return":  s.Return().StringFixed(4),
	}).Info("Tracked signal resolved")
}

func (v *OutcomeValidator) removeFromSymbolLocked(st *trackedState) {
	states := v.bySymbol[st.signal.Symbol]
	for i, other := range states {
		if other == st {
			v.bySymbol[st.signal.Symbol] = append(states[:i], states[i+1:]...)
			return
		}
	}
}

// Metrics summarises resolved signals inside the rolling window. Neutral
// outcomes are excluded from win-rate accounting.
func (v *OutcomeValidator) Metrics(now time.Time) models.PerformanceMetrics {
	v.mu.Lock()
	defer v.mu.Unlock()

	start := now.Add(-v.cfg.MetricsWindow)
	m := models.PerformanceMetrics{WindowStart: start, WindowEnd: now}

	var grossWin, grossLoss, retSum decimal.Decimal
	for _, r := range v.resolved {
		if r.at.Before(start) || r.outcome == models.OutcomeNeutral {
			continue
		}
		m.SampleSize++
		retSum = retSum.Add(r.ret)
		switch r.outcome {
		case models.OutcomeWin:
			m.Wins++
			grossWin = grossWin.Add(r.ret)
		case models.OutcomeLoss:
			m.Losses++
			grossLoss = grossLoss.Add(r.ret.Abs())
		case models.OutcomeTimeout:
			m.Timeouts++
			if r.ret.IsNegative() {
				grossLoss = grossLoss.Add(r.ret.Abs())
			}
		}
	}
	if m.SampleSize == 0 {
		return m
	}

	n := decimal.NewFromInt(int64(m.SampleSize))
	m.WinRate = decimal.NewFromInt(int64(m.Wins)).Div(n)
	m.AvgReturn = retSum.Div(n)
	if grossLoss.IsPositive() {
		m.ProfitFactor = grossWin.Div(grossLoss)
	} else if grossWin.IsPositive() {
		m.ProfitFactor = decimal.NewFromFloat(999)
	}
	return m
}

// Recalculate recomputes performance metrics and proposes a new threshold
// set. Below the minimum sample size thresholds stay untouched; a win-rate
// collapse triggers the emergency stop instead of lowering thresholds further.
func (v *OutcomeValidator) Recalculate(ctx context.Context) models.DynamicThresholdSet {
	v.recalcMu.Lock()
	defer v.recalcMu.Unlock()

	now := time.Now()
	metrics := v.Metrics(now)
	current := v.thresholds.Snapshot()
	v.pool.Maintain(now)

	if metrics.SampleSize < v.cfg.MinSampleSize {
		applied := v.thresholds.Update(current, "insufficient sample")
		v.logger.WithFields(logrus.Fields{
			"sample_size": metrics.SampleSize,
			"minimum":     v.cfg.MinSampleSize,
		}).Info("Threshold recalculation skipped")
		v.recordChange(ctx, applied)
		return applied
	}

	winRate, _ := metrics.WinRate.Float64()
	if winRate < v.cfg.SafetyFloor {
		reason := fmt.Sprintf("emergency stop: win rate %.2f below safety floor %.2f over %d samples",
			winRate, v.cfg.SafetyFloor, metrics.SampleSize)
		v.stop.Trigger(reason)
		applied := v.thresholds.Update(current, reason)
		v.logger.WithField("win_rate", winRate).Error("Win rate collapsed, emergency stop engaged")
		v.recordChange(ctx, applied)
		return applied
	}

	if stopped, _ := v.stop.Active(); stopped && winRate >= v.cfg.WinRateDefault {
		v.stop.Clear()
		v.logger.WithField("win_rate", winRate).Info("Win rate recovered, emergency stop cleared")
	}

	next := v.propose(current, metrics)
	reason := fmt.Sprintf("recalculated: win rate %.2f, profit factor %s, sample %d",
		winRate, metrics.ProfitFactor.StringFixed(2), metrics.SampleSize)
	applied := v.thresholds.Update(next, reason)
	v.logger.WithFields(logrus.Fields{
		"version":            applied.Version,
		"win_rate_threshold": applied.WinRateThreshold.StringFixed(3),
		"reason":             reason,
	}).Info("Thresholds recalculated")
	v.recordChange(ctx, applied)
	return applied
}

// propose nudges each threshold one bounded step toward what the observed
// window supports. Clamping happens inside the store.
func (v *OutcomeValidator) propose(current models.DynamicThresholdSet, metrics models.PerformanceMetrics) models.DynamicThresholdSet {
	step := decimal.NewFromFloat(v.cfg.AdjustmentStep)
	band := decimal.NewFromFloat(v.cfg.ObservationBand)
	winRate := metrics.WinRate
	next := current

	// performing above target: relax to admit more volume; below: tighten
	if winRate.GreaterThanOrEqual(decimal.NewFromFloat(v.cfg.WinRateDefault)) {
		next.WinRateThreshold = current.WinRateThreshold.Sub(step)
		next.ConfidenceThreshold = current.ConfidenceThreshold.Sub(step)
	} else {
		next.WinRateThreshold = current.WinRateThreshold.Add(step)
		next.ConfidenceThreshold = current.ConfidenceThreshold.Add(step)
	}
	next.ObservationFloor = next.WinRateThreshold.Sub(band)

	if metrics.ProfitFactor.IsPositive() {
		if metrics.ProfitFactor.GreaterThan(current.ProfitLossThreshold) {
			next.ProfitLossThreshold = current.ProfitLossThreshold.Add(step)
		} else {
			next.ProfitLossThreshold = current.ProfitLossThreshold.Sub(step)
		}
	}
	return next
}

func (v *OutcomeValidator) recordChange(ctx context.Context, t models.DynamicThresholdSet) {
	if v.thresholdRepo == nil {
		return
	}
	if err := v.thresholdRepo.RecordChange(ctx, t); err != nil {
		v.logger.WithError(err).Error("Failed to persist threshold change")
	}
}

// seedResolved reloads resolutions inside the metrics window from storage so
// the rolling performance window survives a restart.
func (v *OutcomeValidator) seedResolved(ctx context.Context) {
	if v.repo == nil {
		return
	}
	cutoff := time.Now().Add(-v.cfg.MetricsWindow)
	signals, err := v.repo.ResolvedSince(ctx, cutoff)
	if err != nil {
		v.logger.WithError(err).Warn("Failed to reload resolved signals")
		return
	}

	v.mu.Lock()
	for _, s := range signals {
		v.resolved = append(v.resolved, resolvedRecord{
			at:      s.ExitTime,
			outcome: s.Outcome,
			ret:     s.Return(),
			neutral: s.Outcome == models.OutcomeNeutral,
		})
	}
	v.mu.Unlock()

	if len(signals) > 0 {
		v.logger.WithField("count", len(signals)).Info("Reloaded resolved signals into the metrics window")
	}
}

// Start launches the periodic recalculation schedule and the expiry sweep.
func (v *OutcomeValidator) Start(ctx context.Context) error {
	v.seedResolved(ctx)

	v.cron = cron.New()
	spec := fmt.Sprintf("@every %s", v.cfg.RecalcInterval)
	if _, err := v.cron.AddFunc(spec, func() { v.Recalculate(context.Background()) }); err != nil {
		return fmt.Errorf("schedule recalculation: %w", err)
	}
	v.cron.Start()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				v.ExpireDue(ctx, now)
			}
		}
	}()

	v.logger.WithField("interval", v.cfg.RecalcInterval).Info("Outcome validator started")
	return nil
}

// Stop halts the schedule, waiting for an in-flight recalculation so a
// threshold write is never left partially applied.
func (v *OutcomeValidator) Stop() {
	if v.cron != nil {
		<-v.cron.Stop().Done()
	}
	v.recalcMu.Lock()
	v.recalcMu.Unlock() //nolint:staticcheck // barrier: wait for in-flight recalculation
	v.logger.Info("Outcome validator stopped")
}

// ActiveSignals returns the signals currently in the tracking state.
func (v *OutcomeValidator) ActiveSignals() []*models.TrackedSignal {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]*models.TrackedSignal, 0, len(v.tracked))
	for _, st := range v.tracked {
		copied := *st.signal
		out = append(out, &copied)
	}
	return out
}

// TrackedCount reports active tracking entries, for status and metrics.
func (v *OutcomeValidator) TrackedCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.tracked)
}
