package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exposes the pipeline's operational metrics via Prometheus.
type Recorder struct {
	ticksReceived    *prometheus.CounterVec
	candidatesTotal  *prometheus.CounterVec
	gateVerdicts     *prometheus.CounterVec
	dedupHits        prometheus.Counter
	emergencyStops   prometheus.Counter
	gateLatency      *prometheus.HistogramVec
	stageLatency     *prometheus.HistogramVec
	streamConnected  prometheus.Gauge
	lastPrice        *prometheus.GaugeVec
	winRateThreshold prometheus.Gauge
	trackedSignals   prometheus.Gauge
}

// New registers and returns the pipeline metrics recorder.
func New() *Recorder {
	return &Recorder{
		ticksReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickforge_ticks_received_total",
				Help: "Total canonical ticks emitted by the normalizer",
			},
			[]string{"symbol"},
		),
		candidatesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickforge_candidates_total",
				Help: "Signal candidates produced by the trigger engine, by tier",
			},
			[]string{"tier"},
		),
		gateVerdicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickforge_gate_verdicts_total",
				Help: "Quality gate verdicts by lane and result",
			},
			[]string{"lane", "result"},
		),
		dedupHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tickforge_dedup_hits_total",
				Help: "Candidates rejected as duplicates within the similarity window",
			},
		),
		emergencyStops: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "tickforge_emergency_stops_total",
				Help: "Emergency stop events raised by the outcome validator",
			},
		),
		gateLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tickforge_gate_duration_seconds",
				Help:    "Quality gate processing time per lane",
				Buckets: []float64{.0005, .001, .003, .005, .015, .04, .1},
			},
			[]string{"lane"},
		),
		stageLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tickforge_stage_duration_seconds",
				Help:    "Per-stage processing time",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		streamConnected: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tickforge_stream_connected",
				Help: "1 when the market-data stream is connected and fresh",
			},
		),
		lastPrice: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tickforge_last_price",
				Help: "Last observed price per symbol",
			},
			[]string{"symbol"},
		),
		winRateThreshold: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tickforge_win_rate_threshold",
				Help: "Current dynamic win-rate threshold",
			},
		),
		trackedSignals: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "tickforge_tracked_signals",
				Help: "Signals currently in the tracking state",
			},
		),
	}
}

func (r *Recorder) RecordTick(symbol string, price float64) {
	r.ticksReceived.WithLabelValues(symbol).Inc()
	r.lastPrice.WithLabelValues(symbol).Set(price)
}

func (r *Recorder) RecordCandidate(tier string) {
	r.candidatesTotal.WithLabelValues(tier).Inc()
}

func (r *Recorder) RecordGateVerdict(lane, result string, seconds float64) {
	r.gateVerdicts.WithLabelValues(lane, result).Inc()
	r.gateLatency.WithLabelValues(lane).Observe(seconds)
}

func (r *Recorder) RecordDedupHit() {
	r.dedupHits.Inc()
}

func (r *Recorder) RecordEmergencyStop() {
	r.emergencyStops.Inc()
}

func (r *Recorder) RecordStageLatency(stage string, seconds float64) {
	r.stageLatency.WithLabelValues(stage).Observe(seconds)
}

func (r *Recorder) SetStreamConnected(connected bool) {
	if connected {
		r.streamConnected.Set(1)
	} else {
		r.streamConnected.Set(0)
	}
}

func (r *Recorder) SetWinRateThreshold(v float64) {
	r.winRateThreshold.Set(v)
}

func (r *Recorder) SetTrackedSignals(n int) {
	r.trackedSignals.Set(float64(n))
}
