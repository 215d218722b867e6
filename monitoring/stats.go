package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yanolja/gemback/dispatch"
	"github.com/yanolja/gemback/health"
)

// StatsSource is anything that can report dispatch statistics, normally a
// *dispatch.Orchestrator.
type StatsSource interface {
	Stats() dispatch.Stats
}

var healthStatuses = []health.Status{
	health.StatusHealthy,
	health.StatusDegraded,
	health.StatusUnhealthy,
	health.StatusUnknown,
}

// statsCollector turns a stats snapshot into const metrics at scrape time.
type statsCollector struct {
	source StatsSource

	requests          *prometheus.Desc
	successRate       *prometheus.Desc
	modelUsage        *prometheus.Desc
	credentialCount   *prometheus.Desc
	credentialRate    *prometheus.Desc
	rateCurrent       *prometheus.Desc
	rateUtilization   *prometheus.Desc
	healthStatus      *prometheus.Desc
	healthSuccessRate *prometheus.Desc
	healthLatency     *prometheus.Desc
	healthFailures    *prometheus.Desc
}

func newStatsCollector(namespace, subsystem string, source StatsSource) *statsCollector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &statsCollector{
		source:            source,
		requests:          desc("requests_total", "Dispatches since start, by result", "result"),
		successRate:       desc("success_rate", "Fraction of dispatches that succeeded"),
		modelUsage:        desc("model_usage_total", "Successful dispatches served by each model", "model"),
		credentialCount:   desc("credential_requests_total", "Dispatches started with each credential", "credential"),
		credentialRate:    desc("credential_success_rate", "Fraction of dispatches that succeeded with each credential", "credential"),
		rateCurrent:       desc("rate_current_rpm", "Requests seen in the last minute", "model"),
		rateUtilization:   desc("rate_utilization_percent", "Share of the per-minute limit used", "model"),
		healthStatus:      desc("model_health_status", "1 for the current health status of each model", "model", "status"),
		healthSuccessRate: desc("model_health_success_rate", "Success rate over the health window", "model"),
		healthLatency:     desc("model_health_latency_ms", "Average latency of successful attempts", "model"),
		healthFailures:    desc("model_consecutive_failures", "Failures since the last success", "model"),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.requests
	ch <- c.successRate
	ch <- c.modelUsage
	ch <- c.credentialCount
	ch <- c.credentialRate
	ch <- c.rateCurrent
	ch <- c.rateUtilization
	ch <- c.healthStatus
	ch <- c.healthSuccessRate
	ch <- c.healthLatency
	ch <- c.healthFailures
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()

	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(stats.SuccessCount), "success")
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(stats.FailureCount), "failure")
	ch <- prometheus.MustNewConstMetric(c.successRate, prometheus.GaugeValue, stats.SuccessRate)
	for model, count := range stats.ModelUsage {
		ch <- prometheus.MustNewConstMetric(c.modelUsage, prometheus.CounterValue, float64(count), model)
	}

	for _, credential := range stats.Credentials {
		index := strconv.Itoa(credential.Index)
		ch <- prometheus.MustNewConstMetric(c.credentialCount, prometheus.CounterValue, float64(credential.TotalRequests), index)
		ch <- prometheus.MustNewConstMetric(c.credentialRate, prometheus.GaugeValue, credential.SuccessRate, index)
	}

	if stats.Monitoring == nil {
		return
	}
	for model, status := range stats.Monitoring.RateLimits {
		ch <- prometheus.MustNewConstMetric(c.rateCurrent, prometheus.GaugeValue, float64(status.CurrentRPM), model)
		ch <- prometheus.MustNewConstMetric(c.rateUtilization, prometheus.GaugeValue, status.UtilizationPercent, model)
	}
	for model, modelHealth := range stats.Monitoring.Health {
		for _, status := range healthStatuses {
			value := 0.0
			if modelHealth.Status == status {
				value = 1
			}
			ch <- prometheus.MustNewConstMetric(c.healthStatus, prometheus.GaugeValue, value, model, string(status))
		}
		ch <- prometheus.MustNewConstMetric(c.healthSuccessRate, prometheus.GaugeValue, modelHealth.SuccessRate, model)
		ch <- prometheus.MustNewConstMetric(c.healthLatency, prometheus.GaugeValue, modelHealth.AverageLatencyMs, model)
		ch <- prometheus.MustNewConstMetric(c.healthFailures, prometheus.GaugeValue, float64(modelHealth.ConsecutiveFailures), model)
	}
}
