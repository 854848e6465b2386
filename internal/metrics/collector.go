// Package metrics provides internal Prometheus metrics collection for the
// router, adapted from the teacher's internal/metrics.Collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds every Prometheus metric the router exposes on /metrics.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	routeAttemptsTotal  *prometheus.CounterVec
	routeDuration       *prometheus.HistogramVec
	routeOutcomesTotal  *prometheus.CounterVec

	nodeHealthEWMA       *prometheus.GaugeVec
	nodeCircuitOpenTotal *prometheus.CounterVec

	asyncEnvelopesTotal   *prometheus.CounterVec
	asyncDeadLettersTotal *prometheus.CounterVec
	asyncSideEffectsTotal *prometheus.CounterVec

	intentConfidence       *prometheus.HistogramVec
	approvalDecisionsTotal *prometheus.CounterVec

	registry *prometheus.Registry
	logger   *zap.Logger
}

// Registry returns the dedicated registry this Collector's metrics are
// registered on, for mounting a /metrics handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// NewCollector registers every router metric under the given namespace on a
// dedicated registry, reachable through Registry() so callers can expose
// it on /metrics. A dedicated registry (rather than the global
// DefaultRegisterer) lets multiple Collectors coexist in the same process,
// e.g. one per test.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}
	c.registry = prometheus.NewRegistry()
	factory := promauto.With(c.registry)

	c.httpRequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests served.",
	}, []string{"method", "path", "status"})

	c.httpRequestDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "http_request_duration_seconds", Help: "HTTP request duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	c.routeAttemptsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "route_attempts_total", Help: "Per-node route candidate attempts.",
	}, []string{"intent", "node_id", "outcome"})

	c.routeDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "route_duration_seconds", Help: "End-to-end Route() duration.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"intent"})

	c.routeOutcomesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "route_outcomes_total", Help: "Terminal Route() outcomes.",
	}, []string{"intent", "outcome"})

	c.nodeHealthEWMA = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "node_health_ewma_latency_ms", Help: "EWMA latency per node.",
	}, []string{"node_id"})

	c.nodeCircuitOpenTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "node_circuit_open_total", Help: "Times a node's circuit breaker tripped open.",
	}, []string{"node_id"})

	c.asyncEnvelopesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "async_envelopes_total", Help: "Async envelopes processed by terminal state.",
	}, []string{"capability", "state"})

	c.asyncDeadLettersTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "async_dead_letters_total", Help: "Envelopes published to the DLQ.",
	}, []string{"capability"})

	c.asyncSideEffectsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "async_side_effects_committed_total", Help: "Side effects committed exactly-once per message.",
	}, []string{"node_id"})

	c.intentConfidence = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "intent_confidence", Help: "Intent analyzer confidence scores.",
		Buckets: []float64{0.1, 0.25, 0.5, 0.6, 0.7, 0.75, 0.8, 0.9, 1.0},
	}, []string{"canonical_intent"})

	c.approvalDecisionsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "approval_decisions_total", Help: "Approval gate resolutions.",
	}, []string{"capability_name", "decision"})

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest records one HTTP request/response cycle.
func (c *Collector) RecordHTTPRequest(method, path, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// RecordRouteAttempt records one candidate's outcome within Route().
func (c *Collector) RecordRouteAttempt(intent, nodeID, outcome string) {
	if c == nil {
		return
	}
	c.routeAttemptsTotal.WithLabelValues(intent, nodeID, outcome).Inc()
}

// RecordRouteOutcome records Route()'s terminal outcome and duration.
func (c *Collector) RecordRouteOutcome(intent, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.routeOutcomesTotal.WithLabelValues(intent, outcome).Inc()
	c.routeDuration.WithLabelValues(intent).Observe(d.Seconds())
}

// SetNodeHealthEWMA publishes a node's current EWMA latency gauge.
func (c *Collector) SetNodeHealthEWMA(nodeID string, ms float64) {
	if c == nil {
		return
	}
	c.nodeHealthEWMA.WithLabelValues(nodeID).Set(ms)
}

// RecordCircuitOpen records a node's circuit breaker tripping open.
func (c *Collector) RecordCircuitOpen(nodeID string) {
	if c == nil {
		return
	}
	c.nodeCircuitOpenTotal.WithLabelValues(nodeID).Inc()
}

// RecordAsyncTerminal records an async envelope reaching a terminal state.
func (c *Collector) RecordAsyncTerminal(capability, state string) {
	if c == nil {
		return
	}
	c.asyncEnvelopesTotal.WithLabelValues(capability, state).Inc()
}

// RecordDeadLetter records one envelope landing in the DLQ.
func (c *Collector) RecordDeadLetter(capability string) {
	if c == nil {
		return
	}
	c.asyncDeadLettersTotal.WithLabelValues(capability).Inc()
}

// RecordSideEffectCommitted records the exactly-once side-effect commit.
func (c *Collector) RecordSideEffectCommitted(nodeID string) {
	if c == nil {
		return
	}
	c.asyncSideEffectsTotal.WithLabelValues(nodeID).Inc()
}

// ObserveIntentConfidence records the Intent Analyzer's confidence score.
func (c *Collector) ObserveIntentConfidence(canonicalIntent string, score float64) {
	if c == nil {
		return
	}
	c.intentConfidence.WithLabelValues(canonicalIntent).Observe(score)
}

// RecordApprovalDecision records an approval.resolve outcome.
func (c *Collector) RecordApprovalDecision(capabilityName, decision string) {
	if c == nil {
		return
	}
	c.approvalDecisionsTotal.WithLabelValues(capabilityName, decision).Inc()
}
