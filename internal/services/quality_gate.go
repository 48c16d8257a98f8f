package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tickforge/tickforge/internal/config"
	"github.com/tickforge/tickforge/internal/database"
	"github.com/tickforge/tickforge/internal/models"
)

// Quality score weights. The five inputs are fixed; their relative importance
// is not configurable because the reject floors below are tuned against them.
var (
	qualityWeightStrength   = decimal.NewFromFloat(0.30)
	qualityWeightConfidence = decimal.NewFromFloat(0.25)
	qualityWeightData       = decimal.NewFromFloat(0.20)
	qualityWeightRiskInv    = decimal.NewFromFloat(0.15)
	qualityWeightTiming     = decimal.NewFromFloat(0.10)
)

// dedupRecord tracks one fingerprint inside the gate's bounded window.
type dedupRecord struct {
	fingerprint string
	symbol      string
	direction   models.Direction
	confidence  decimal.Decimal
	source      string
	firstSeen   time.Time
	count       int
}

// activeSignal is the most recent pool-accepted signal for a symbol, used for
// contextual correlation.
type activeSignal struct {
	direction  models.Direction
	confidence decimal.Decimal
	at         time.Time
}

// QualityGate deduplicates, correlates, lane-routes, and quality-scores
// trigger candidates. Process is the single entry point and evaluates each
// candidate exactly once. The in-memory fingerprint window is authoritative;
// Redis carries a best-effort cross-instance claim and the gate degrades to
// local-only when it is unavailable.
type QualityGate struct {
	cfg    config.GateConfig
	redis  *database.RedisClient
	logger *logrus.Logger

	mu      sync.Mutex
	records map[string]*dedupRecord
	active  map[string]*activeSignal
}

func NewQualityGate(cfg config.GateConfig, redis *database.RedisClient, logger *logrus.Logger) *QualityGate {
	return &QualityGate{
		cfg:     cfg,
		redis:   redis,
		logger:  logger,
		records: make(map[string]*dedupRecord),
		active:  make(map[string]*activeSignal),
	}
}

// Process runs a candidate through deduplication, correlation, lane routing,
// and quality scoring. Every verdict carries an explicit reason in the
// candidate's decision trail.
func (g *QualityGate) Process(ctx context.Context, c *models.SignalCandidate) *models.QualityGateResult {
	started := time.Now()
	result := &models.QualityGateResult{CandidateID: c.ID}

	g.mu.Lock()
	g.prune(started)
	result.Correlation = g.correlate(c)

	if rec := g.findSimilar(c, started); rec != nil {
		rec.count++
		switch {
		case g.consensusOverride(c, rec, started):
			// independent sources converging on the same call is
			// confirmation, not noise
			result.Reinforcement = true
			result.Correlation = models.CorrelationStrengthen
			c.Record("gate", "pass", "cross-source consensus reinforcement")
		case rec.direction == c.Direction && c.Confidence.GreaterThan(rec.confidence):
			// a stronger restatement of the live signal supersedes it
			result.Reinforcement = true
			result.Correlation = models.CorrelationStrengthen
			rec.confidence = c.Confidence
			c.Record("gate", "pass", "strengthens live fingerprint")
		default:
			g.mu.Unlock()
			result.Passed = false
			result.RejectionReason = "duplicate fingerprint within window"
			result.ProcessedIn = time.Since(started)
			c.Record("gate", "reject", result.RejectionReason)
			return result
		}
	} else {
		fp := g.fingerprint(c)
		g.records[fp] = &dedupRecord{
			fingerprint: fp,
			symbol:      c.Symbol,
			direction:   c.Direction,
			confidence:  c.Confidence,
			source:      c.Source,
			firstSeen:   started,
			count:       1,
		}
		g.mu.Unlock()

		if !g.claimFingerprint(ctx, fp) {
			result.Passed = false
			result.RejectionReason = "duplicate fingerprint claimed by peer"
			result.ProcessedIn = time.Since(started)
			c.Record("gate", "reject", result.RejectionReason)
			return result
		}
		g.mu.Lock()
	}
	g.mu.Unlock()

	result.Lane = g.route(c)

	if reason := g.rejectReason(c); reason != "" {
		result.Passed = false
		result.RejectionReason = reason
		result.ProcessedIn = time.Since(started)
		c.Record("gate", "reject", reason)
		return result
	}

	result.Passed = true
	result.CompositeScore = g.qualityScore(c, started)
	result.ProcessedIn = time.Since(started)
	c.Record("gate", "pass", fmt.Sprintf("lane=%s score=%s", result.Lane, result.CompositeScore.StringFixed(4)))

	if budget := g.laneBudget(result.Lane); result.ProcessedIn > budget {
		g.logger.WithFields(logrus.Fields{
			"candidate": c.ID,
			"lane":      result.Lane,
			"elapsed":   result.ProcessedIn,
			"budget":    budget,
		}).Warn("Gate exceeded lane latency budget")
	}
	return result
}

// NoteActive records a pool-accepted signal as the symbol's live context for
// subsequent correlation. Called by the pipeline after pool ingest.
func (g *QualityGate) NoteActive(sig *models.PooledSignal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active[sig.Symbol] = &activeSignal{
		direction:  sig.Direction,
		confidence: sig.Scores.Confidence,
		at:         sig.CreatedAt,
	}
}

// correlate classifies a candidate against the symbol's most recent active
// signal. Ties default to independent; a signal is never dropped without a
// reason. Caller holds the lock.
func (g *QualityGate) correlate(c *models.SignalCandidate) models.CorrelationVerdict {
	last, ok := g.active[c.Symbol]
	if !ok {
		return models.CorrelationIndependent
	}
	gap := c.Confidence.Sub(last.confidence)
	if c.Direction != last.direction {
		if gap.Abs().GreaterThan(decimal.NewFromFloat(g.cfg.ConflictThreshold)) {
			return models.CorrelationReplace
		}
		return models.CorrelationIndependent
	}
	if gap.GreaterThan(decimal.NewFromFloat(g.cfg.StrengthenDelta)) {
		return models.CorrelationStrengthen
	}
	return models.CorrelationIndependent
}

// fingerprint derives the dedup key: symbol, direction, dedup-window time
// bucket, and confidence rounded to the configured epsilon.
func (g *QualityGate) fingerprint(c *models.SignalCandidate) string {
	// bucket in nanoseconds so sub-second windows never divide by zero
	bucket := c.CreatedAt.UnixNano() / g.cfg.DedupWindow.Nanoseconds()
	eps := decimal.NewFromFloat(g.cfg.ConfidenceEpsilon)
	rounded := c.Confidence.Div(eps).Round(0).Mul(eps)
	return fmt.Sprintf("%s|%s|%d|%s", c.Symbol, c.Direction, bucket, rounded.StringFixed(2))
}

// findSimilar scans the live window for a record similar enough to count as
// the same signal. Caller holds the lock.
func (g *QualityGate) findSimilar(c *models.SignalCandidate, now time.Time) *dedupRecord {
	threshold := g.cfg.SimilarityThreshold
	for _, rec := range g.records {
		if rec.symbol != c.Symbol || rec.direction != c.Direction {
			continue
		}
		if g.similarity(c, rec, now) >= threshold {
			return rec
		}
	}
	return nil
}

// similarity scores how closely a candidate matches a live record: 1.0 for an
// exact restatement, decaying with confidence distance and record age.
func (g *QualityGate) similarity(c *models.SignalCandidate, rec *dedupRecord, now time.Time) float64 {
	confGap, _ := c.Confidence.Sub(rec.confidence).Abs().Float64()
	if confGap > g.cfg.ConfidenceEpsilon {
		return 0
	}
	age := now.Sub(rec.firstSeen)
	if age > g.cfg.DedupWindow {
		return 0
	}
	sim := 1.0
	sim -= 0.1 * (confGap / g.cfg.ConfidenceEpsilon)
	sim -= 0.1 * (float64(age) / float64(g.cfg.DedupWindow))
	return sim
}

// consensusOverride evaluates whether independent sources agree strongly
// enough to pass a too-similar candidate as reinforcement. All three scores
// must clear their thresholds and at least two distinct sources must be
// involved. Caller holds the lock.
func (g *QualityGate) consensusOverride(c *models.SignalCandidate, matched *dedupRecord, now time.Time) bool {
	agreeing := 0
	total := 0
	sources := map[string]struct{}{c.Source: {}}
	confSum := c.Confidence

	for _, rec := range g.records {
		if rec.symbol != c.Symbol || now.Sub(rec.firstSeen) > g.cfg.DedupWindow {
			continue
		}
		total++
		if rec.direction == c.Direction {
			agreeing++
			sources[rec.source] = struct{}{}
			confSum = confSum.Add(rec.confidence)
		}
	}
	if total == 0 || len(sources) < 2 {
		return false
	}
	if matched.source == c.Source {
		return false
	}

	overlap := float64(agreeing) / float64(total)
	diversity := float64(len(sources)) / float64(agreeing+1)
	actionBias, _ := confSum.Div(decimal.NewFromInt(int64(agreeing + 1))).Float64()

	return overlap >= g.cfg.ConsensusOverlap &&
		diversity >= g.cfg.ConsensusDiversity &&
		actionBias >= g.cfg.ConsensusActionBias
}

// claimFingerprint takes the cross-instance dedup claim via Redis SetNX. A
// missing or failing Redis never blocks the gate; the in-memory window still
// holds the at-most-one-pass invariant locally.
func (g *QualityGate) claimFingerprint(ctx context.Context, fp string) bool {
	if g.redis == nil {
		return true
	}
	ok, err := g.redis.SetNX(ctx, "gate:fp:"+fp, "1", g.cfg.DedupWindow)
	if err != nil {
		g.logger.WithError(err).Warn("Fingerprint claim failed, continuing with local window")
		return true
	}
	return ok
}

// route picks the processing lane. Clean, complete, confident candidates take
// the express path; anomalous or sparse ones go deep for the fuller checks.
func (g *QualityGate) route(c *models.SignalCandidate) models.Lane {
	completeness, _ := c.DataCompleteness.Float64()
	clarity, _ := c.Clarity.Float64()
	confidence, _ := c.Confidence.Float64()

	if completeness >= g.cfg.ExpressCompleteness &&
		clarity >= g.cfg.ExpressClarity &&
		confidence >= g.cfg.ExpressMinConfidence &&
		!c.AnomalyFlag {
		return models.LaneExpress
	}
	if c.AnomalyFlag || completeness < 0.7 {
		return models.LaneDeep
	}
	return models.LaneStandard
}

// rejectReason applies the hard quality floors. Empty string means pass.
func (g *QualityGate) rejectReason(c *models.SignalCandidate) string {
	if c.RawStrength.LessThan(decimal.NewFromFloat(g.cfg.MinStrength)) {
		return fmt.Sprintf("strength %s below minimum %v", c.RawStrength.StringFixed(1), g.cfg.MinStrength)
	}
	if c.Liquidity.LessThan(decimal.NewFromFloat(g.cfg.MinLiquidity)) {
		return fmt.Sprintf("liquidity %s below minimum %v", c.Liquidity.StringFixed(2), g.cfg.MinLiquidity)
	}
	if c.RiskScore.GreaterThan(decimal.NewFromFloat(g.cfg.MaxRisk)) {
		return fmt.Sprintf("risk %s above maximum %v", c.RiskScore.StringFixed(2), g.cfg.MaxRisk)
	}
	return ""
}

// qualityScore is the five-input weighted composite. Each input is normalized
// to 0..1 so the score is monotonic non-decreasing in every input.
func (g *QualityGate) qualityScore(c *models.SignalCandidate, now time.Time) decimal.Decimal {
	one := decimal.NewFromInt(1)
	strength := c.RawStrength.Div(decimal.NewFromInt(100))
	riskInv := one.Sub(c.RiskScore)
	timing := decimal.NewFromFloat(clamp01(1 - float64(now.Sub(c.CreatedAt))/float64(g.cfg.DedupWindow)))

	return strength.Mul(qualityWeightStrength).
		Add(c.Confidence.Mul(qualityWeightConfidence)).
		Add(c.DataCompleteness.Mul(qualityWeightData)).
		Add(riskInv.Mul(qualityWeightRiskInv)).
		Add(timing.Mul(qualityWeightTiming))
}

func (g *QualityGate) laneBudget(lane models.Lane) time.Duration {
	switch lane {
	case models.LaneExpress:
		return g.cfg.ExpressBudget
	case models.LaneDeep:
		return g.cfg.DeepBudget
	default:
		return g.cfg.StandardBudget
	}
}

// prune evicts fingerprint records older than the dedup window. Caller holds
// the lock.
func (g *QualityGate) prune(now time.Time) {
	for fp, rec := range g.records {
		if now.Sub(rec.firstSeen) > g.cfg.DedupWindow {
			delete(g.records, fp)
		}
	}
}

// WindowSize reports the live fingerprint count, for status reporting.
func (g *QualityGate) WindowSize() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}
