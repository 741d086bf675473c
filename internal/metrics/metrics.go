// Package metrics holds the Prometheus metrics for feeddrift. A nil *Metrics
// is a valid no-op receiver so tests and metric-less runs skip registration.
package metrics

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for feeddrift.
type Metrics struct {
	SessionsTotal    *prometheus.CounterVec
	StepsTotal       *prometheus.CounterVec
	FilterVerdicts   *prometheus.CounterVec
	HomepageFallback prometheus.Counter
	ModelCallLatency *prometheus.HistogramVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// New creates and registers all metrics. Registration happens once per
// process; later calls return the same instance.
func New() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			SessionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "feeddrift_sessions_total",
					Help: "Sessions finished, by terminal status",
				},
				[]string{"status"},
			),
			StepsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "feeddrift_steps_total",
					Help: "Navigation steps completed, by choice method",
				},
				[]string{"method"},
			),
			FilterVerdicts: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "feeddrift_filter_verdicts_total",
					Help: "Relevance filter verdicts",
				},
				[]string{"verdict"},
			),
			HomepageFallback: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "feeddrift_homepage_fallbacks_total",
					Help: "Steps that fell back to the home feed",
				},
			),
			ModelCallLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "feeddrift_model_call_duration_seconds",
					Help:    "Duration of model-driven task calls",
					Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
				},
				[]string{"task"},
			),
			CacheHits: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "feeddrift_duration_cache_hits_total",
					Help: "Duration cache hits",
				},
			),
			CacheMisses: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "feeddrift_duration_cache_misses_total",
					Help: "Duration cache misses",
				},
			),
		}
	})
	return sharedMetrics
}

// Serve exposes the metrics endpoint in a background goroutine.
func Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("[Metrics] Serving on %s", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("[Metrics] Server stopped: %v", err)
		}
	}()
}

func (m *Metrics) SessionFinished(status string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) StepCompleted(method string) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(method).Inc()
}

func (m *Metrics) FilterVerdict(filtered bool) {
	if m == nil {
		return
	}
	verdict := "kept"
	if filtered {
		verdict = "filtered"
	}
	m.FilterVerdicts.WithLabelValues(verdict).Inc()
}

func (m *Metrics) HomepageFallbackUsed() {
	if m == nil {
		return
	}
	m.HomepageFallback.Inc()
}

func (m *Metrics) ObserveModelCall(task string, d time.Duration) {
	if m == nil {
		return
	}
	m.ModelCallLatency.WithLabelValues(task).Observe(d.Seconds())
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}
