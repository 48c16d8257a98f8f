package services

import (
	"math"
	"sync"
	"time"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tickforge/tickforge/internal/config"
	"github.com/tickforge/tickforge/internal/models"
)

const candidateSource = "trigger_engine"

// Momentum normalization scales: a move of this size over the window maps the
// factor score from neutral 0.5 to the full 1.0.
const (
	momentumScaleShort = 0.01
	momentumScaleLong  = 0.02
)

// TriggerEngine evaluates every normalized tick against per-symbol rolling
// history and classifies it into a priority tier. Evaluation is pure
// computation over in-memory buffers; it performs no I/O.
type TriggerEngine struct {
	cfg        config.TriggerConfig
	thresholds *ThresholdStore
	stop       *EmergencyStop
	calibrator *WinRateCalibrator
	logger     *logrus.Logger

	mu      sync.Mutex
	buffers map[string]*symbolBuffer
}

func NewTriggerEngine(
	cfg config.TriggerConfig,
	thresholds *ThresholdStore,
	stop *EmergencyStop,
	calibrator *WinRateCalibrator,
	logger *logrus.Logger,
) *TriggerEngine {
	return &TriggerEngine{
		cfg:        cfg,
		thresholds: thresholds,
		stop:       stop,
		calibrator: calibrator,
		logger:     logger,
		buffers:    make(map[string]*symbolBuffer),
	}
}

// Evaluate folds a tick into the symbol's rolling buffer and scores it. The
// returned evaluation always carries the tier; a non-nil candidate is emitted
// only for observation and high_priority tiers.
func (e *TriggerEngine) Evaluate(tick *models.MarketTick) (*models.TriggerEvaluation, *models.SignalCandidate) {
	e.mu.Lock()
	buf, ok := e.buffers[tick.Symbol]
	if !ok {
		buf = newSymbolBuffer(e.cfg.BufferSize)
		e.buffers[tick.Symbol] = buf
	}
	buf.push(tickSample{
		at:     tick.ReceivedAt,
		price:  tick.Price.InexactFloat64(),
		volume: tick.Volume.InexactFloat64(),
	})
	samples := buf.ordered()
	e.mu.Unlock()

	eval := &models.TriggerEvaluation{
		Symbol:      tick.Symbol,
		Tier:        models.TierNone,
		EvaluatedAt: time.Now(),
	}

	if len(samples) < e.cfg.MinHistory {
		e.logger.WithFields(logrus.Fields{
			"symbol":  tick.Symbol,
			"samples": len(samples),
			"needed":  e.cfg.MinHistory,
		}).Debug("Insufficient history for trigger evaluation")
		return eval, nil
	}

	now := tick.ReceivedAt
	momentumShort := returnOver(samples, now, e.cfg.ShortWindow)
	momentumLong := returnOver(samples, now, e.cfg.LongWindow)
	vol := tickVolatility(samples)
	surge := volumeSurge(samples)

	direction := models.DirectionLong
	if momentumLong < 0 {
		direction = models.DirectionShort
	}
	sign := 1.0
	if direction == models.DirectionShort {
		sign = -1.0
	}

	prices := make([]float64, len(samples))
	for i, s := range samples {
		prices[i] = s.price
	}

	factors := map[string]decimal.Decimal{
		"momentum_short": decimal.NewFromFloat(momentumScore(sign*momentumShort, momentumScaleShort)),
		"momentum_long":  decimal.NewFromFloat(momentumScore(sign*momentumLong, momentumScaleLong)),
		"volatility":     decimal.NewFromFloat(volatilityScore(vol)),
		"volume_surge":   decimal.NewFromFloat(surgeScore(surge)),
		"rsi":            decimal.NewFromFloat(rsiScore(prices, direction)),
		"ma_cross":       decimal.NewFromFloat(maCrossScore(prices, direction)),
		"macd":           decimal.NewFromFloat(macdScore(prices, direction)),
	}

	composite := weightedComposite(factors, e.cfg.IndicatorWeights)
	compositeF, _ := composite.Float64()

	eval.Direction = direction
	eval.Factors = factors
	eval.CompositeScore = composite
	eval.PredictedWinRate = e.calibrator.Predict(compositeF)
	eval.Tier = e.classify(composite)

	if eval.Tier == models.TierNone {
		return eval, nil
	}

	candidate := e.buildCandidate(eval, tick, samples, vol, surge)
	e.logger.WithFields(logrus.Fields{
		"symbol":    tick.Symbol,
		"tier":      eval.Tier,
		"direction": direction,
		"composite": composite.StringFixed(4),
		"candidate": candidate.ID,
	}).Debug("Trigger emitted candidate")
	return eval, candidate
}

// classify maps a composite score onto a tier using the current threshold
// snapshot. While the emergency stop is engaged nothing exceeds observation.
func (e *TriggerEngine) classify(composite decimal.Decimal) models.Tier {
	snap := e.thresholds.Snapshot()
	stopped, _ := e.stop.Active()

	switch {
	case composite.GreaterThanOrEqual(snap.WinRateThreshold):
		if stopped {
			return models.TierObservation
		}
		return models.TierHighPriority
	case composite.GreaterThanOrEqual(snap.ObservationFloor):
		return models.TierObservation
	default:
		return models.TierNone
	}
}

func (e *TriggerEngine) buildCandidate(
	eval *models.TriggerEvaluation,
	tick *models.MarketTick,
	samples []tickSample,
	vol, surge float64,
) *models.SignalCandidate {
	completeness := float64(len(samples)) / float64(e.cfg.BufferSize)
	if !tick.Bid.IsZero() && !tick.Ask.IsZero() {
		completeness += 0.2
	}

	c := &models.SignalCandidate{
		ID:               uuid.New().String(),
		Symbol:           tick.Symbol,
		Direction:        eval.Direction,
		RawStrength:      eval.CompositeScore.Mul(decimal.NewFromInt(100)),
		Confidence:       eval.PredictedWinRate,
		Source:           candidateSource,
		DataCompleteness: decimal.NewFromFloat(clamp01(completeness)),
		Clarity:          decimal.NewFromFloat(factorAgreement(eval.Factors)),
		Liquidity:        liquidityScore(tick),
		RiskScore:        decimal.NewFromFloat(clamp01(vol / 0.05)),
		AnomalyFlag:      surge > 5 || priceGap(samples) > 0.03,
		CreatedAt:        time.Now(),
	}
	c.Record("trigger", string(eval.Tier), "composite "+eval.CompositeScore.StringFixed(4))
	return c
}

// Snapshot returns the buffered sample count per symbol, for status reporting.
func (e *TriggerEngine) Snapshot() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.buffers))
	for symbol, buf := range e.buffers {
		out[symbol] = buf.count
	}
	return out
}

// tickSample is one buffered observation for a symbol.
type tickSample struct {
	at     time.Time
	price  float64
	volume float64
}

// symbolBuffer is a fixed-capacity ring of recent samples for one symbol.
// Oldest samples are overwritten once the ring is full.
type symbolBuffer struct {
	samples []tickSample
	head    int
	count   int
}

func newSymbolBuffer(size int) *symbolBuffer {
	if size <= 0 {
		size = 600
	}
	return &symbolBuffer{samples: make([]tickSample, size)}
}

func (b *symbolBuffer) push(s tickSample) {
	b.samples[b.head] = s
	b.head = (b.head + 1) % len(b.samples)
	if b.count < len(b.samples) {
		b.count++
	}
}

// ordered returns the samples oldest first.
func (b *symbolBuffer) ordered() []tickSample {
	out := make([]tickSample, 0, b.count)
	start := b.head - b.count
	if start < 0 {
		start += len(b.samples)
	}
	for i := 0; i < b.count; i++ {
		out = append(out, b.samples[(start+i)%len(b.samples)])
	}
	return out
}

// returnOver computes the relative price change between the oldest sample
// inside the window and the latest sample.
func returnOver(samples []tickSample, now time.Time, window time.Duration) float64 {
	if len(samples) < 2 {
		return 0
	}
	cutoff := now.Add(-window)
	var base float64
	for _, s := range samples {
		if !s.at.Before(cutoff) {
			base = s.price
			break
		}
	}
	if base == 0 {
		base = samples[0].price
	}
	last := samples[len(samples)-1].price
	if base == 0 {
		return 0
	}
	return (last - base) / base
}

// tickVolatility is the standard deviation of tick-to-tick returns.
func tickVolatility(samples []tickSample) float64 {
	if len(samples) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		prev := samples[i-1].price
		if prev == 0 {
			continue
		}
		returns = append(returns, (samples[i].price-prev)/prev)
	}
	if len(returns) < 2 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var sq float64
	for _, r := range returns {
		d := r - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(returns)-1))
}

// volumeSurge is the latest volume relative to the mean of the earlier
// samples. 1.0 means no surge.
func volumeSurge(samples []tickSample) float64 {
	if len(samples) < 2 {
		return 1
	}
	var sum float64
	for _, s := range samples[:len(samples)-1] {
		sum += s.volume
	}
	mean := sum / float64(len(samples)-1)
	if mean == 0 {
		return 1
	}
	return samples[len(samples)-1].volume / mean
}

// priceGap is the largest single tick-to-tick move, used for anomaly flagging.
func priceGap(samples []tickSample) float64 {
	var max float64
	for i := 1; i < len(samples); i++ {
		prev := samples[i-1].price
		if prev == 0 {
			continue
		}
		if gap := math.Abs(samples[i].price-prev) / prev; gap > max {
			max = gap
		}
	}
	return max
}

// momentumScore maps a signed return onto 0..1: neutral at 0.5, saturating at
// a move of scale in either direction.
func momentumScore(r, scale float64) float64 {
	return clamp01(0.5 + r/(2*scale))
}

// volatilityScore prefers an active but orderly market. Dead and chaotic
// regimes both score low.
func volatilityScore(vol float64) float64 {
	switch {
	case vol < 0.0005:
		return 0.3
	case vol < 0.002:
		return 0.6
	case vol < 0.01:
		return 0.8
	case vol < 0.03:
		return 0.5
	default:
		return 0.2
	}
}

// surgeScore maps a volume ratio onto 0..1: 1x is neutral-low, 3x saturates.
func surgeScore(ratio float64) float64 {
	return clamp01((ratio - 1) / 2)
}

// rsiScore scores RSI alignment with the candidate direction. Deep overbought
// and oversold readings are discounted as exhaustion.
func rsiScore(prices []float64, direction models.Direction) float64 {
	const period = 14
	if len(prices) <= period {
		return 0.5
	}
	rsiIndicator := momentum.NewRsiWithPeriod[float64](period)
	rsi := helper.ChanToSlice(rsiIndicator.Compute(helper.SliceToChan(prices)))
	if len(rsi) == 0 {
		return 0.5
	}
	last := rsi[len(rsi)-1]
	if direction == models.DirectionShort {
		last = 100 - last
	}
	switch {
	case last > 85:
		return 0.4 // exhaustion
	case last > 50:
		return clamp01((last - 50) / 30)
	default:
		return 0.2
	}
}

// maCrossScore scores the fast-EMA / slow-SMA relationship against the
// candidate direction.
func maCrossScore(prices []float64, direction models.Direction) float64 {
	const (
		fastPeriod = 12
		slowPeriod = 20
	)
	if len(prices) <= slowPeriod {
		return 0.5
	}
	emaIndicator := trend.NewEmaWithPeriod[float64](fastPeriod)
	smaIndicator := trend.NewSmaWithPeriod[float64](slowPeriod)
	ema := helper.ChanToSlice(emaIndicator.Compute(helper.SliceToChan(prices)))
	sma := helper.ChanToSlice(smaIndicator.Compute(helper.SliceToChan(prices)))
	if len(ema) == 0 || len(sma) == 0 {
		return 0.5
	}
	fast := ema[len(ema)-1]
	slow := sma[len(sma)-1]
	if slow == 0 {
		return 0.5
	}
	diff := (fast - slow) / slow
	if direction == models.DirectionShort {
		diff = -diff
	}
	switch {
	case diff > 0.001:
		return 1.0
	case diff > -0.001:
		return 0.5
	default:
		return 0.2
	}
}

// macdScore scores the MACD histogram against the candidate direction.
func macdScore(prices []float64, direction models.Direction) float64 {
	const (
		fastPeriod   = 12
		slowPeriod   = 26
		signalPeriod = 9
	)
	if len(prices) < slowPeriod+signalPeriod {
		return 0.5
	}
	macdIndicator := trend.NewMacdWithPeriod[float64](fastPeriod, slowPeriod, signalPeriod)
	macdLine, signalLine := macdIndicator.Compute(helper.SliceToChan(prices))
	// both output channels are fed in lockstep; drain them concurrently or
	// the producer blocks on the unread one
	signalDone := make(chan []float64, 1)
	go func() { signalDone <- helper.ChanToSlice(signalLine) }()
	macdValues := helper.ChanToSlice(macdLine)
	signalValues := <-signalDone
	if len(macdValues) == 0 || len(signalValues) == 0 {
		return 0.5
	}
	last := prices[len(prices)-1]
	if last == 0 {
		return 0.5
	}
	histogram := (macdValues[len(macdValues)-1] - signalValues[len(signalValues)-1]) / last
	if direction == models.DirectionShort {
		histogram = -histogram
	}
	switch {
	case histogram > 0.0005:
		return 1.0
	case histogram > -0.0005:
		return 0.5
	default:
		return 0.2
	}
}

// weightedComposite folds factor scores into a single 0..1 composite using the
// configured weights, normalized by the total weight actually applied.
func weightedComposite(factors map[string]decimal.Decimal, weights map[string]float64) decimal.Decimal {
	var sum, totalWeight decimal.Decimal
	for name, score := range factors {
		w, ok := weights[name]
		if !ok || w <= 0 {
			continue
		}
		wd := decimal.NewFromFloat(w)
		sum = sum.Add(score.Mul(wd))
		totalWeight = totalWeight.Add(wd)
	}
	if totalWeight.IsZero() {
		return decimal.Zero
	}
	return sum.Div(totalWeight)
}

// factorAgreement is the fraction of factors scoring at or above neutral.
func factorAgreement(factors map[string]decimal.Decimal) float64 {
	if len(factors) == 0 {
		return 0
	}
	neutral := decimal.NewFromFloat(0.5)
	agree := 0
	for _, score := range factors {
		if score.GreaterThanOrEqual(neutral) {
			agree++
		}
	}
	return float64(agree) / float64(len(factors))
}

// liquidityScore rates the bid/ask spread: 1.0 at zero spread falling to 0 at
// 20 basis points. Ticks without depth get a conservative default.
func liquidityScore(tick *models.MarketTick) decimal.Decimal {
	spread := tick.Spread()
	if spread.IsZero() || tick.Price.IsZero() {
		return decimal.NewFromFloat(0.7)
	}
	bps, _ := spread.Div(tick.Price).Float64()
	return decimal.NewFromFloat(clamp01(1 - bps/0.002))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
