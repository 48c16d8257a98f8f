package services

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tickforge/tickforge/internal/config"
	"github.com/tickforge/tickforge/internal/database"
	"github.com/tickforge/tickforge/internal/models"
)

// Seven-dimension pool score weights, in the order the dimensions are listed
// on DimensionScores.
var (
	poolWeightStrength    = decimal.NewFromFloat(0.25)
	poolWeightConfidence  = decimal.NewFromFloat(0.20)
	poolWeightDataQuality = decimal.NewFromFloat(0.15)
	poolWeightConsistency = decimal.NewFromFloat(0.12)
	poolWeightTimeEffect  = decimal.NewFromFloat(0.10)
	poolWeightLiquidity   = decimal.NewFromFloat(0.10)
	poolWeightHistorical  = decimal.NewFromFloat(0.08)
)

// historyEntry pairs an ingested candidate with its eventual outcome so the
// learning step can attribute results back to the responsible source.
type historyEntry struct {
	candidateID string
	source      string
	at          time.Time
	outcome     models.Outcome // empty until resolved
}

type sourceRecord struct {
	wins  int
	total int
}

// SignalPool aggregates gate-passed candidates from all sources, applies the
// seven-dimension composite score and the adaptive source weight, and keeps a
// bounded history of (candidate, outcome) pairs for weight adaptation.
//
// The pipeline feeds Ingest from a single goroutine, which preserves per-symbol
// arrival order end to end; the internal mutex only guards against the
// validator's learning calls arriving concurrently.
type SignalPool struct {
	cfg     config.PoolConfig
	weights *SourceWeightTable
	repo    *database.SignalRepository
	logger  *logrus.Logger

	mu       sync.Mutex
	history  []historyEntry
	byID     map[string]int // candidate_id -> history index
	accuracy map[string]*sourceRecord
	ingested int64
}

func NewSignalPool(
	cfg config.PoolConfig,
	weights *SourceWeightTable,
	repo *database.SignalRepository,
	logger *logrus.Logger,
) *SignalPool {
	return &SignalPool{
		cfg:      cfg,
		weights:  weights,
		repo:     repo,
		logger:   logger,
		byID:     make(map[string]int),
		accuracy: make(map[string]*sourceRecord),
	}
}

// Ingest scores a gate-passed candidate and admits it to the pool. Persistence
// is best-effort; a storage fault never blocks the signal path.
func (p *SignalPool) Ingest(ctx context.Context, c *models.SignalCandidate, gate *models.QualityGateResult) *models.PooledSignal {
	now := time.Now()
	scores := p.dimensionScores(c, gate, now)
	composite := compositeOf(scores)
	weight := p.weights.Weight(c.Source)

	sig := &models.PooledSignal{
		CandidateID:         c.ID,
		Symbol:              c.Symbol,
		Direction:           c.Direction,
		Source:              c.Source,
		Scores:              scores,
		CompositeScore:      composite.Mul(weight),
		SourceWeightApplied: weight,
		CreatedAt:           now,
	}
	c.Record("pool", "ingested", "composite "+sig.CompositeScore.StringFixed(4))

	p.mu.Lock()
	p.pruneLocked(now)
	p.byID[c.ID] = len(p.history)
	p.history = append(p.history, historyEntry{candidateID: c.ID, source: c.Source, at: now})
	p.ingested++
	p.mu.Unlock()

	if p.repo != nil {
		if err := p.repo.SavePooledSignal(ctx, sig); err != nil {
			p.logger.WithError(err).WithField("candidate", c.ID).Error("Failed to persist pooled signal")
		}
	}
	return sig
}

// LearnFromOutcome adjusts the responsible source's weight once a candidate's
// tracked outcome resolves. Unknown candidates are ignored; the history is
// bounded and the outcome may arrive after eviction.
func (p *SignalPool) LearnFromOutcome(candidateID string, outcome models.Outcome) {
	p.mu.Lock()
	idx, ok := p.byID[candidateID]
	if !ok {
		p.mu.Unlock()
		return
	}
	entry := &p.history[idx]
	if entry.outcome != "" {
		p.mu.Unlock()
		return
	}
	entry.outcome = outcome
	source := entry.source

	rec, ok := p.accuracy[source]
	if !ok {
		rec = &sourceRecord{}
		p.accuracy[source] = rec
	}
	validated := outcome == models.OutcomeWin
	rec.total++
	if validated {
		rec.wins++
	}
	p.mu.Unlock()

	newWeight := p.weights.Learn(source, validated)
	p.logger.WithFields(logrus.Fields{
		"candidate": candidateID,
		"source":    source,
		"outcome":   outcome,
		"weight":    newWeight.StringFixed(3),
	}).Info("Source weight adjusted from outcome")
}

// Maintain prunes expired history and decays stale source weights toward
// neutral. Called periodically by the validator's recalculation cycle.
func (p *SignalPool) Maintain(now time.Time) {
	p.mu.Lock()
	p.pruneLocked(now)
	p.mu.Unlock()
	p.weights.Decay(now)
}

// Ingested reports the lifetime admit count, for status reporting.
func (p *SignalPool) Ingested() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ingested
}

func (p *SignalPool) dimensionScores(c *models.SignalCandidate, gate *models.QualityGateResult, now time.Time) models.DimensionScores {
	return models.DimensionScores{
		Strength:           c.RawStrength.Div(decimal.NewFromInt(100)),
		Confidence:         c.Confidence,
		DataQuality:        c.DataCompleteness,
		MarketConsistency:  consistencyScore(gate),
		TimeEffect:         decimal.NewFromFloat(clamp01(1 - float64(now.Sub(c.CreatedAt))/float64(time.Hour))),
		Liquidity:          c.Liquidity,
		HistoricalAccuracy: p.historicalAccuracy(c.Source),
	}
}

// consistencyScore reflects how the candidate sits against the symbol's live
// context: reinforcing signals are the most consistent, replacements the least.
func consistencyScore(gate *models.QualityGateResult) decimal.Decimal {
	switch gate.Correlation {
	case models.CorrelationStrengthen:
		return decimal.NewFromFloat(0.9)
	case models.CorrelationReplace:
		return decimal.NewFromFloat(0.3)
	default:
		return decimal.NewFromFloat(0.6)
	}
}

// historicalAccuracy is the source's resolved win fraction, 0.5 until the
// source has enough samples to judge. Caller must not hold the lock.
func (p *SignalPool) historicalAccuracy(source string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.accuracy[source]
	if !ok || rec.total < p.cfg.MinSamples {
		return decimal.NewFromFloat(0.5)
	}
	return decimal.NewFromInt(int64(rec.wins)).Div(decimal.NewFromInt(int64(rec.total)))
}

func compositeOf(s models.DimensionScores) decimal.Decimal {
	return s.Strength.Mul(poolWeightStrength).
		Add(s.Confidence.Mul(poolWeightConfidence)).
		Add(s.DataQuality.Mul(poolWeightDataQuality)).
		Add(s.MarketConsistency.Mul(poolWeightConsistency)).
		Add(s.TimeEffect.Mul(poolWeightTimeEffect)).
		Add(s.Liquidity.Mul(poolWeightLiquidity)).
		Add(s.HistoricalAccuracy.Mul(poolWeightHistorical))
}

// pruneLocked drops history entries outside the rolling window. Caller holds
// the lock.
func (p *SignalPool) pruneLocked(now time.Time) {
	cutoff := now.Add(-p.cfg.HistoryWindow)
	drop := 0
	for drop < len(p.history) && p.history[drop].at.Before(cutoff) {
		drop++
	}
	if drop == 0 {
		return
	}
	for _, e := range p.history[:drop] {
		delete(p.byID, e.candidateID)
	}
	p.history = p.history[drop:]
	for id, idx := range p.byID {
		p.byID[id] = idx - drop
	}
}
