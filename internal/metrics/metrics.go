package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector exposes Prometheus metrics for outbound API traffic, quota
// consumption, the protection stack, the analysis queue, and inbound HTTP.
type Collector struct {
	registry *prometheus.Registry

	outboundDuration *prometheus.HistogramVec
	outboundTotal    *prometheus.CounterVec
	quotaUnits       *prometheus.CounterVec
	rateLimitRejects *prometheus.CounterVec
	circuitState     *prometheus.GaugeVec
	queueDepth       prometheus.Gauge
	analysesTotal    *prometheus.CounterVec

	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
}

// NewCollector constructs a collector with all metric families registered.
func NewCollector() (*Collector, error) {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		outboundDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kolscope",
			Subsystem: "outbound",
			Name:      "call_duration_seconds",
			Help:      "Latency distribution for outbound API calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "outcome"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kolscope",
			Subsystem: "outbound",
			Name:      "calls_total",
			Help:      "Total outbound API calls by path and outcome.",
		}, []string{"path", "outcome"}),
		quotaUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kolscope",
			Subsystem: "quota",
			Name:      "units_consumed_total",
			Help:      "Quota units consumed per credential category.",
		}, []string{"category"}),
		rateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kolscope",
			Subsystem: "guard",
			Name:      "rate_limit_rejections_total",
			Help:      "Calls rejected by the per-credential sliding window.",
		}, []string{"path"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kolscope",
			Subsystem: "guard",
			Name:      "circuit_state",
			Help:      "Circuit breaker position per path (0 closed, 1 half-open, 2 open).",
		}, []string{"path"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kolscope",
			Subsystem: "analysis",
			Name:      "queue_depth",
			Help:      "Items waiting in the analysis queue.",
		}),
		analysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kolscope",
			Subsystem: "analysis",
			Name:      "results_total",
			Help:      "Analysis results by terminal status.",
		}, []string{"status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kolscope",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for inbound HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kolscope",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of inbound HTTP requests.",
		}, []string{"method", "path", "status"}),
	}

	collectors := []prometheus.Collector{
		c.outboundDuration,
		c.outboundTotal,
		c.quotaUnits,
		c.rateLimitRejects,
		c.circuitState,
		c.queueDepth,
		c.analysesTotal,
		c.requestDuration,
		c.requestTotal,
	}
	for _, col := range collectors {
		if err := registry.Register(col); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// ObserveOutboundCall records one outbound API call.
func (c *Collector) ObserveOutboundCall(path, outcome string, seconds float64) {
	c.outboundTotal.WithLabelValues(path, outcome).Inc()
	c.outboundDuration.WithLabelValues(path, outcome).Observe(seconds)
}

// AddQuotaUnits records quota consumption for a credential category.
func (c *Collector) AddQuotaUnits(category string, units float64) {
	c.quotaUnits.WithLabelValues(category).Add(units)
}

// IncRateLimitRejection counts a per-credential window rejection.
func (c *Collector) IncRateLimitRejection(path string) {
	c.rateLimitRejects.WithLabelValues(path).Inc()
}

// SetBreakerState publishes the circuit position for a path.
func (c *Collector) SetBreakerState(path, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	c.circuitState.WithLabelValues(path).Set(v)
}

// SetQueueDepth publishes the analysis queue backlog.
func (c *Collector) SetQueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// IncAnalysisResult counts a terminal analysis outcome.
func (c *Collector) IncAnalysisResult(status string) {
	c.analysesTotal.WithLabelValues(status).Inc()
}

// Handler returns an HTTP handler for exposing Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler to record HTTP metrics.
func (c *Collector) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(rw.status)
		path := r.URL.Path

		c.requestTotal.WithLabelValues(r.Method, path, status).Inc()
		c.requestDuration.WithLabelValues(r.Method, path, status).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
