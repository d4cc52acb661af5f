// Package metrics owns all pipeline counters, histograms, and gauges.
// Other components update them through the typed Hub handle; nothing else
// registers collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// Metrics Hub
// =============================================================================

// Hub is the single owner of the pipeline's Prometheus collectors.
type Hub struct {
	registry *prometheus.Registry

	// Counters
	emailsIngested      prometheus.Counter
	phaseCompletions    *prometheus.CounterVec
	phaseFailures       *prometheus.CounterVec
	deadLettered        prometheus.Counter
	llmCalls            *prometheus.CounterVec
	llmRetries          *prometheus.CounterVec
	salvageAttempts     prometheus.Counter
	validatorRejections *prometheus.CounterVec
	cacheHits           prometheus.Counter
	cacheMisses         prometheus.Counter

	// Histograms
	phaseDuration     *prometheus.HistogramVec
	queueWait         *prometheus.HistogramVec
	chainCompleteness prometheus.Histogram

	// Gauges
	workersActive *prometheus.GaugeVec
	queueDepth    *prometheus.GaugeVec
	circuitState  *prometheus.GaugeVec

	// Percentile trackers per phase, feeding the JSON stats endpoint.
	latency map[int]*LatencyTracker
}

// NewHub creates a Hub with its own registry.
func NewHub() *Hub {
	reg := prometheus.NewRegistry()

	h := &Hub{
		registry: reg,
		emailsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_emails_ingested_total",
			Help: "Emails accepted by the ingest port.",
		}),
		phaseCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_phase_completions_total",
			Help: "Successful phase completions.",
		}, []string{"phase"}),
		phaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_phase_failures_total",
			Help: "Phase failures after in-worker retries.",
		}, []string{"phase"}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_jobs_dead_lettered_total",
			Help: "Jobs moved to the dead-letter stream.",
		}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_llm_calls_total",
			Help: "Model runtime invocations.",
		}, []string{"model", "outcome"}),
		llmRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_llm_retries_total",
			Help: "Model runtime retry attempts.",
		}, []string{"model"}),
		salvageAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_llm_salvage_attempts_total",
			Help: "Responses that needed JSON salvage.",
		}),
		validatorRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_llm_validator_rejections_total",
			Help: "Responses rejected by the caller's quality gate.",
		}, []string{"model"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_llm_cache_hits_total",
			Help: "Completion cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_llm_cache_misses_total",
			Help: "Completion cache misses.",
		}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_phase_duration_seconds",
			Help:    "Wall-clock duration of phase processing.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 180},
		}, []string{"phase"}),
		queueWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_queue_wait_seconds",
			Help:    "Time jobs spend between enqueue and lease.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"stream"}),
		chainCompleteness: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_chain_completeness",
			Help:    "Distribution of chain completeness scores.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		workersActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_workers_active",
			Help: "Workers currently processing a job.",
		}, []string{"phase"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Ready jobs per stream.",
		}, []string{"stream"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_circuit_state",
			Help: "Circuit breaker state per model (0 closed, 1 open, 2 half-open).",
		}, []string{"model"}),
	}

	h.latency = map[int]*LatencyTracker{
		1: NewLatencyTracker(1000),
		2: NewLatencyTracker(1000),
		3: NewLatencyTracker(1000),
	}

	reg.MustRegister(
		h.emailsIngested, h.phaseCompletions, h.phaseFailures, h.deadLettered,
		h.llmCalls, h.llmRetries, h.salvageAttempts, h.validatorRejections,
		h.cacheHits, h.cacheMisses,
		h.phaseDuration, h.queueWait, h.chainCompleteness,
		h.workersActive, h.queueDepth, h.circuitState,
	)

	return h
}

// Registry exposes the registry for the /metrics handler.
func (h *Hub) Registry() *prometheus.Registry {
	return h.registry
}

// Counter updates

func (h *Hub) EmailIngested()        { h.emailsIngested.Inc() }
func (h *Hub) JobDeadLettered()      { h.deadLettered.Inc() }
func (h *Hub) SalvageAttempt()       { h.salvageAttempts.Inc() }
func (h *Hub) CacheHit()             { h.cacheHits.Inc() }
func (h *Hub) CacheMiss()            { h.cacheMisses.Inc() }
func (h *Hub) LLMRetry(model string) { h.llmRetries.WithLabelValues(model).Inc() }

func (h *Hub) PhaseCompleted(phase int) {
	h.phaseCompletions.WithLabelValues(strconv.Itoa(phase)).Inc()
}

func (h *Hub) PhaseFailed(phase int) {
	h.phaseFailures.WithLabelValues(strconv.Itoa(phase)).Inc()
}

func (h *Hub) LLMCall(model, outcome string) {
	h.llmCalls.WithLabelValues(model, outcome).Inc()
}

func (h *Hub) ValidatorRejected(model string) {
	h.validatorRejections.WithLabelValues(model).Inc()
}

// Histogram updates

func (h *Hub) ObservePhaseDuration(phase int, seconds float64) {
	h.phaseDuration.WithLabelValues(strconv.Itoa(phase)).Observe(seconds)
	if tracker, ok := h.latency[phase]; ok {
		tracker.Record(time.Duration(seconds * float64(time.Second)))
	}
}

// PhaseLatencyStats snapshots per-phase percentile stats.
func (h *Hub) PhaseLatencyStats() map[string]map[string]any {
	stats := make(map[string]map[string]any, len(h.latency))
	for phase, tracker := range h.latency {
		stats["phase"+strconv.Itoa(phase)] = tracker.Stats().ToMap()
	}
	return stats
}

func (h *Hub) ObserveQueueWait(stream string, seconds float64) {
	h.queueWait.WithLabelValues(stream).Observe(seconds)
}

func (h *Hub) ObserveChainCompleteness(score float64) {
	h.chainCompleteness.Observe(score)
}

// Gauge updates

func (h *Hub) SetWorkersActive(phase int, n int) {
	h.workersActive.WithLabelValues(strconv.Itoa(phase)).Set(float64(n))
}

func (h *Hub) SetQueueDepth(stream string, n int64) {
	h.queueDepth.WithLabelValues(stream).Set(float64(n))
}

func (h *Hub) SetCircuitState(model string, state int) {
	h.circuitState.WithLabelValues(model).Set(float64(state))
}
