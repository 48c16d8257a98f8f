package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tickforge/tickforge/internal/config"
	"github.com/tickforge/tickforge/internal/metrics"
	"github.com/tickforge/tickforge/internal/models"
	"github.com/tickforge/tickforge/internal/stream"
)

// gateItem carries a trigger candidate between the evaluation and gate stages.
type gateItem struct {
	candidate *models.SignalCandidate
	tier      models.Tier
	price     decimal.Decimal
}

// PipelineStatus is the operator-facing snapshot served by the API.
type PipelineStatus struct {
	Running          bool      `json:"running"`
	Degraded         bool      `json:"degraded"`
	StreamConnected  bool      `json:"stream_connected"`
	Symbols          []string  `json:"symbols"`
	RecentSignals    int64     `json:"recent_signals"`
	TrackedSignals   int       `json:"tracked_signals"`
	ThresholdVersion int64     `json:"threshold_version"`
	EmergencyStop    bool      `json:"emergency_stop"`
	StopReason       string    `json:"stop_reason,omitempty"`
	BreakerState     string    `json:"breaker_state"`
	DedupWindowSize  int       `json:"dedup_window_size"`
	StartedAt        time.Time `json:"started_at,omitempty"`
}

// Pipeline wires the stages together: driver → normalizer → trigger engine →
// gate → pool → validator, with the validator's threshold feedback closing the
// loop. Stages communicate over bounded channels; a single ingest goroutine
// per stage preserves per-symbol arrival order end to end.
type Pipeline struct {
	cfg           *config.Config
	driver        *stream.Driver
	normalizer    *stream.Normalizer
	trigger       *TriggerEngine
	gate          *QualityGate
	pool          *SignalPool
	validator     *OutcomeValidator
	thresholds    *ThresholdStore
	stop          *EmergencyStop
	streamBreaker *CircuitBreaker
	metrics       *metrics.Recorder
	logger        *logrus.Logger

	mu        sync.Mutex
	running   bool
	degraded  bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	recentSignals atomic.Int64
	stopsSeen     atomic.Int64
}

func NewPipeline(
	cfg *config.Config,
	driver *stream.Driver,
	normalizer *stream.Normalizer,
	trigger *TriggerEngine,
	gate *QualityGate,
	pool *SignalPool,
	validator *OutcomeValidator,
	thresholds *ThresholdStore,
	stop *EmergencyStop,
	streamBreaker *CircuitBreaker,
	recorder *metrics.Recorder,
	logger *logrus.Logger,
) *Pipeline {
	return &Pipeline{
		cfg:           cfg,
		driver:        driver,
		normalizer:    normalizer,
		trigger:       trigger,
		gate:          gate,
		pool:          pool,
		validator:     validator,
		thresholds:    thresholds,
		stop:          stop,
		streamBreaker: streamBreaker,
		metrics:       recorder,
		logger:        logger,
	}
}

// Start connects the feed and launches the stage goroutines.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.startedAt = time.Now()
	p.mu.Unlock()

	err := p.streamBreaker.Execute(runCtx, func(ctx context.Context) error {
		if err := p.driver.Connect(ctx); err != nil {
			return err
		}
		return p.driver.Subscribe(ctx)
	})
	if err != nil {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		cancel()
		return fmt.Errorf("start pipeline: %w", err)
	}

	if err := p.validator.Start(runCtx); err != nil {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		cancel()
		return fmt.Errorf("start pipeline: %w", err)
	}

	ticks := p.normalizer.Subscribe()
	items := make(chan gateItem, p.cfg.Pool.IngestBuffer)

	p.wg.Add(3)
	go p.ingestLoop(runCtx)
	go p.evalLoop(runCtx, ticks, items)
	go p.gateLoop(runCtx, items)

	p.wg.Add(1)
	go p.healthLoop(runCtx)

	p.logger.WithField("symbols", p.cfg.Stream.Symbols).Info("Pipeline started")
	return nil
}

// Stop shuts the pipeline down, letting the validator finish any in-flight
// threshold write before returning.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	_ = p.driver.Close()
	p.wg.Wait()
	p.validator.Stop()
	p.normalizer.CloseAll()
	p.logger.Info("Pipeline stopped")
}

// ingestLoop reads raw frames, normalizes them, and fans ticks out. It is the
// single frame consumer, which makes per-symbol tick order the arrival order.
func (p *Pipeline) ingestLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		frames, errs := p.driver.Read(ctx)

	consume:
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-frames:
				if !ok {
					break consume
				}
				tick, err := p.normalizer.Normalize(frame)
				if err != nil {
					p.logger.WithError(err).Debug("Dropped malformed frame")
					continue
				}
				price, _ := tick.Price.Float64()
				p.metrics.RecordTick(tick.Symbol, price)
				p.normalizer.Publish(tick)
			case err, ok := <-errs:
				if !ok {
					break consume
				}
				if err != nil {
					p.logger.WithError(err).Warn("Stream fault, entering degraded mode")
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		p.setDegraded(true)
		err := p.streamBreaker.Execute(ctx, func(ctx context.Context) error {
			return p.driver.Reconnect(ctx)
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// breaker open; wait before the next attempt
			time.Sleep(p.cfg.Stream.ReconnectDelay)
			continue
		}
		p.setDegraded(false)
	}
}

// evalLoop runs price updates through the validator first, then the trigger
// engine. Emission pauses while the feed is degraded or stale.
func (p *Pipeline) evalLoop(ctx context.Context, ticks <-chan *models.MarketTick, items chan<- gateItem) {
	defer p.wg.Done()
	defer close(items)

	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			started := time.Now()

			// resolve open positions before the tick can spawn new ones
			p.validator.OnPrice(ctx, tick)

			eval, candidate := p.trigger.Evaluate(tick)
			p.metrics.RecordCandidate(string(eval.Tier))
			p.metrics.RecordStageLatency("trigger", time.Since(started).Seconds())

			if candidate == nil {
				continue
			}
			if !p.driver.Fresh(time.Now()) {
				p.logger.WithField("symbol", tick.Symbol).Debug("Feed stale, holding signal emission")
				continue
			}

			select {
			case items <- gateItem{candidate: candidate, tier: eval.Tier, price: tick.Price}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// gateLoop drains candidates through the gate, pool, and tracking. The FIFO
// channel keeps per-symbol candidate order intact.
func (p *Pipeline) gateLoop(ctx context.Context, items <-chan gateItem) {
	defer p.wg.Done()

	for item := range items {
		result := p.gate.Process(ctx, item.candidate)
		outcome := "pass"
		if !result.Passed {
			outcome = "reject"
			if result.RejectionReason != "" && result.Lane == "" {
				p.metrics.RecordDedupHit()
			}
		}
		p.metrics.RecordGateVerdict(string(result.Lane), outcome, result.ProcessedIn.Seconds())
		if !result.Passed {
			continue
		}

		poolStarted := time.Now()
		pooled := p.pool.Ingest(ctx, item.candidate, result)
		p.metrics.RecordStageLatency("pool", time.Since(poolStarted).Seconds())
		p.gate.NoteActive(pooled)
		p.recentSignals.Add(1)

		if item.tier == models.TierHighPriority &&
			pooled.CompositeScore.GreaterThan(decimal.NewFromFloat(p.cfg.Pool.HighPriorityFloor)) {
			if _, err := p.validator.Track(ctx, pooled, item.price); err != nil {
				p.logger.WithError(err).WithField("candidate", pooled.CandidateID).Warn("Failed to track signal")
			}
		}
	}
}

// healthLoop keeps the operational gauges current and counts emergency-stop
// transitions.
func (p *Pipeline) healthLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	stopWasActive := false
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fresh := p.driver.Fresh(now)
			p.metrics.SetStreamConnected(fresh)
			p.setDegraded(!fresh)

			snap := p.thresholds.Snapshot()
			wr, _ := snap.WinRateThreshold.Float64()
			p.metrics.SetWinRateThreshold(wr)
			p.metrics.SetTrackedSignals(p.validator.TrackedCount())

			stopped, reason := p.stop.Active()
			if stopped && !stopWasActive {
				p.metrics.RecordEmergencyStop()
				p.stopsSeen.Add(1)
				p.logger.WithField("reason", reason).Warn("Emergency stop active")
			}
			stopWasActive = stopped
		}
	}
}

func (p *Pipeline) setDegraded(degraded bool) {
	p.mu.Lock()
	changed := p.degraded != degraded
	p.degraded = degraded
	p.mu.Unlock()
	if changed {
		p.logger.WithField("degraded", degraded).Info("Pipeline degraded state changed")
	}
}

// Status returns the operator-facing snapshot.
func (p *Pipeline) Status() PipelineStatus {
	p.mu.Lock()
	running := p.running
	degraded := p.degraded
	startedAt := p.startedAt
	p.mu.Unlock()

	snap := p.thresholds.Snapshot()
	stopped, reason := p.stop.Active()

	return PipelineStatus{
		Running:          running,
		Degraded:         degraded,
		StreamConnected:  p.driver.IsConnected(),
		Symbols:          p.cfg.Stream.Symbols,
		RecentSignals:    p.recentSignals.Load(),
		TrackedSignals:   p.validator.TrackedCount(),
		ThresholdVersion: snap.Version,
		EmergencyStop:    stopped,
		StopReason:       reason,
		BreakerState:     p.streamBreaker.State().String(),
		DedupWindowSize:  p.gate.WindowSize(),
		StartedAt:        startedAt,
	}
}
