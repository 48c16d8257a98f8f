package services

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tickforge/tickforge/internal/config"
)

// SourceWeightTable holds the adaptive per-source multipliers applied to pool
// composite scores. The signal pool's learning step is the single writer.
// Sources with insufficient recent data decay toward a neutral 1.0 so a cold
// or quiet source is never amplified or punished on stale evidence.
type SourceWeightTable struct {
	cfg config.PoolConfig

	mu      sync.RWMutex
	weights map[string]*sourceWeight
}

type sourceWeight struct {
	value      decimal.Decimal
	samples    int
	lastUpdate time.Time
}

func NewSourceWeightTable(cfg config.PoolConfig) *SourceWeightTable {
	return &SourceWeightTable{
		cfg:     cfg,
		weights: make(map[string]*sourceWeight),
	}
}

// Weight returns the current multiplier for a source, 1.0 for unknown ones.
func (t *SourceWeightTable) Weight(source string) decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if w, ok := t.weights[source]; ok {
		return w.value
	}
	return decimal.NewFromInt(1)
}

// Learn nudges a source's weight by a bounded step depending on whether the
// outcome validated its candidate. The step shrinks nothing else; weights are
// clamped to the configured range.
func (t *SourceWeightTable) Learn(source string, validated bool) decimal.Decimal {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.weights[source]
	if !ok {
		w = &sourceWeight{value: decimal.NewFromInt(1)}
		t.weights[source] = w
	}

	step := decimal.NewFromFloat(t.cfg.LearningStep)
	if validated {
		w.value = w.value.Add(step)
	} else {
		w.value = w.value.Sub(step)
	}
	w.value = t.clamp(w.value)
	w.samples++
	w.lastUpdate = time.Now()
	return w.value
}

// Decay pulls weights with insufficient recent data back toward 1.0. Called
// from the pool's maintenance pass.
func (t *SourceWeightTable) Decay(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	one := decimal.NewFromInt(1)
	factor := decimal.NewFromFloat(t.cfg.DecayFactor)
	for _, w := range t.weights {
		stale := now.Sub(w.lastUpdate) > t.cfg.HistoryWindow
		if w.samples < t.cfg.MinSamples || stale {
			// value = 1 + (value-1)*factor
			w.value = one.Add(w.value.Sub(one).Mul(factor))
			if stale {
				w.samples = 0
			}
		}
	}
}

// Snapshot returns a copy of all current weights.
func (t *SourceWeightTable) Snapshot() map[string]decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(t.weights))
	for source, w := range t.weights {
		out[source] = w.value
	}
	return out
}

func (t *SourceWeightTable) clamp(v decimal.Decimal) decimal.Decimal {
	min := decimal.NewFromFloat(t.cfg.MinWeight)
	max := decimal.NewFromFloat(t.cfg.MaxWeight)
	if v.LessThan(min) {
		return min
	}
	if v.GreaterThan(max) {
		return max
	}
	return v
}
