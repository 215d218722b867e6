package monitoring

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMonitor implements monitoring using Prometheus
type PrometheusMonitor struct {
	config   *PrometheusConfig
	registry *prometheus.Registry

	attemptsTotal    *prometheus.CounterVec
	attemptDuration  *prometheus.HistogramVec
	retriesTotal     *prometheus.CounterVec
	retryDelay       *prometheus.HistogramVec
	dispatchesTotal  *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
}

// NewPrometheusMonitor creates a monitor with its own registry, so several
// monitors can coexist in one process.
func NewPrometheusMonitor(config *PrometheusConfig) (*PrometheusMonitor, error) {
	pm := &PrometheusMonitor{
		config:   config,
		registry: prometheus.NewRegistry(),
	}

	if err := pm.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %v", err)
	}

	return pm, nil
}

func (p *PrometheusMonitor) initializeMetrics() error {
	namespace := p.config.Namespace
	subsystem := p.config.Subsystem

	p.attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "model_attempts_total",
			Help:      "Total number of model attempts, by outcome",
		},
		[]string{"model", "outcome"},
	)

	p.attemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "model_attempt_duration_seconds",
			Help:      "Time spent on one model, retries included",
			Buckets:   []float64{0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"model"},
	)

	p.retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retries_total",
			Help:      "Total number of retries, by the attempt being retried",
		},
		[]string{"model", "attempt"},
	)

	p.retryDelay = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retry_delay_seconds",
			Help:      "Backoff delay before a retry",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 8),
		},
		[]string{"model"},
	)

	p.dispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dispatches_total",
			Help:      "Total number of dispatches, by outcome",
		},
		[]string{"outcome"},
	)

	p.dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dispatch_duration_seconds",
			Help:      "Dispatch duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	collectors := []prometheus.Collector{
		p.attemptsTotal,
		p.attemptDuration,
		p.retriesTotal,
		p.retryDelay,
		p.dispatchesTotal,
		p.dispatchDuration,
	}

	for _, collector := range collectors {
		if err := p.registry.Register(collector); err != nil {
			return fmt.Errorf("failed to register metric: %v", err)
		}
	}

	return nil
}

func (p *PrometheusMonitor) ObserveAttempt(model string, outcome string, latency time.Duration) {
	p.attemptsTotal.WithLabelValues(model, outcome).Inc()
	p.attemptDuration.WithLabelValues(model).Observe(latency.Seconds())
}

func (p *PrometheusMonitor) ObserveRetry(model string, attempt int, delay time.Duration) {
	p.retriesTotal.WithLabelValues(model, strconv.Itoa(attempt)).Inc()
	p.retryDelay.WithLabelValues(model).Observe(delay.Seconds())
}

func (p *PrometheusMonitor) ObserveDispatch(outcome string, latency time.Duration) {
	p.dispatchesTotal.WithLabelValues(outcome).Inc()
	p.dispatchDuration.WithLabelValues(outcome).Observe(latency.Seconds())
}

// RegisterStats exports the state accumulated by source on every scrape.
func (p *PrometheusMonitor) RegisterStats(source StatsSource) error {
	if err := p.registry.Register(newStatsCollector(p.config.Namespace, p.config.Subsystem, source)); err != nil {
		return fmt.Errorf("failed to register stats collector: %v", err)
	}
	return nil
}

// Handler returns the Prometheus HTTP handler
func (p *PrometheusMonitor) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for callers that want to gather metrics directly.
func (p *PrometheusMonitor) Registry() *prometheus.Registry {
	return p.registry
}
