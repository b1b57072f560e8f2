// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector holds the Prometheus vectors the router and its demo HTTP
// surface record against.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	completionsTotal    *prometheus.CounterVec
	completionDuration  *prometheus.HistogramVec
	tokensUsed          *prometheus.CounterVec
	citationsTotal      *prometheus.CounterVec
	groundingOutcomes   *prometheus.CounterVec

	breakerState       *prometheus.GaugeVec
	breakerPacingDelay  *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector builds and registers the full metric set under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests served by the demo surface",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.completionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Total number of completion requests dispatched to a provider",
		},
		[]string{"vendor", "model", "status"},
	)

	c.completionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_duration_seconds",
			Help:      "End-to-end completion duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"vendor", "model"},
	)

	c.tokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"vendor", "model", "kind"}, // kind: prompt, completion
	)

	c.citationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "citations_total",
			Help:      "Total number of citations extracted from a completion",
		},
		[]string{"vendor", "source_type", "anchored"},
	)

	c.groundingOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grounding_outcomes_total",
			Help:      "Grounding attempt outcomes, by why_not_grounded reason (empty when grounded)",
		},
		[]string{"vendor", "why_not_grounded"},
	)

	c.breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per vendor:model key (0=closed, 1=open, 2=half-open)",
		},
		[]string{"key"},
	)

	c.breakerPacingDelay = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_pacing_delay_seconds",
			Help:      "Seconds remaining before the pacer admits the next call for a vendor:model key",
		},
		[]string{"key"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordHTTPRequest records one request served by the demo HTTP surface.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordCompletion records one finished router.Complete call.
func (c *Collector) RecordCompletion(vendor, model, status string, duration time.Duration, promptTokens, completionTokens int) {
	c.completionsTotal.WithLabelValues(vendor, model, status).Inc()
	c.completionDuration.WithLabelValues(vendor, model).Observe(duration.Seconds())
	c.tokensUsed.WithLabelValues(vendor, model, "prompt").Add(float64(promptTokens))
	c.tokensUsed.WithLabelValues(vendor, model, "completion").Add(float64(completionTokens))
}

// RecordCitation records one extracted citation.
func (c *Collector) RecordCitation(vendor, sourceType string, anchored bool) {
	c.citationsTotal.WithLabelValues(vendor, sourceType, anchoredLabel(anchored)).Inc()
}

// RecordGroundingOutcome records a grounded request's outcome. whyNotGrounded
// is empty when the request was grounded successfully.
func (c *Collector) RecordGroundingOutcome(vendor, whyNotGrounded string) {
	c.groundingOutcomes.WithLabelValues(vendor, whyNotGrounded).Inc()
}

// RecordBreakerState reports the current breaker state (0/1/2) and pacing
// delay for a vendor:model key. The gauges hold whatever value was last
// recorded; cmd/llmrouter does not call this, so they stay unset there.
func (c *Collector) RecordBreakerState(key string, state int, pacingDelay time.Duration) {
	c.breakerState.WithLabelValues(key).Set(float64(state))
	c.breakerPacingDelay.WithLabelValues(key).Set(pacingDelay.Seconds())
}

func anchoredLabel(anchored bool) string {
	if anchored {
		return "true"
	}
	return "false"
}

func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
