package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yanolja/gemback/dispatch"
)

// MonitoringConfig represents monitoring configuration
type MonitoringConfig struct {
	// Prometheus configuration
	Prometheus *PrometheusConfig `yaml:"prometheus,omitempty"`

	// OpenTelemetry configuration
	OpenTelemetry *OpenTelemetryConfig `yaml:"opentelemetry,omitempty"`
}

// PrometheusConfig represents Prometheus configuration
type PrometheusConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// OpenTelemetryConfig represents OpenTelemetry configuration
type OpenTelemetryConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	Insecure       bool              `yaml:"insecure"`

	// Fraction of traces kept, 0.0 to 1.0. Zero keeps every trace.
	SampleRate float64 `yaml:"sample_rate"`
}

// MonitoringManager owns every enabled metrics backend and fans dispatch
// events out to them. A manager with nothing enabled is valid and records
// nothing.
type MonitoringManager struct {
	prometheus *PrometheusMonitor
	otel       *OpenTelemetryMonitor
	logger     *zap.SugaredLogger
}

var _ dispatch.Observer = (*MonitoringManager)(nil)

func NewMonitoringManager(config *MonitoringConfig, logger *zap.SugaredLogger) (*MonitoringManager, error) {
	manager := &MonitoringManager{logger: logger}
	if config == nil {
		return manager, nil
	}

	if config.Prometheus != nil && config.Prometheus.Enabled {
		prometheusMonitor, err := NewPrometheusMonitor(config.Prometheus)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Prometheus monitor: %v", err)
		}
		manager.prometheus = prometheusMonitor
	}

	if config.OpenTelemetry != nil && config.OpenTelemetry.Enabled {
		otelMonitor, err := NewOpenTelemetryMonitor(config.OpenTelemetry, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OpenTelemetry monitor: %v", err)
		}
		manager.otel = otelMonitor
	}

	logger.Infow("Monitoring configured", "prometheus", manager.prometheus != nil, "opentelemetry", manager.otel != nil)
	return manager, nil
}

func (m *MonitoringManager) ObserveAttempt(model string, outcome string, latency time.Duration) {
	if m.prometheus != nil {
		m.prometheus.ObserveAttempt(model, outcome, latency)
	}
	if m.otel != nil {
		m.otel.ObserveAttempt(model, outcome, latency)
	}
}

func (m *MonitoringManager) ObserveRetry(model string, attempt int, delay time.Duration) {
	if m.prometheus != nil {
		m.prometheus.ObserveRetry(model, attempt, delay)
	}
	if m.otel != nil {
		m.otel.ObserveRetry(model, attempt, delay)
	}
}

func (m *MonitoringManager) ObserveDispatch(outcome string, latency time.Duration) {
	if m.prometheus != nil {
		m.prometheus.ObserveDispatch(outcome, latency)
	}
	if m.otel != nil {
		m.otel.ObserveDispatch(outcome, latency)
	}
}

// RegisterStats exports the accumulated state of source through Prometheus.
// It does nothing when Prometheus is disabled.
func (m *MonitoringManager) RegisterStats(source StatsSource) error {
	if m.prometheus == nil {
		return nil
	}
	return m.prometheus.RegisterStats(source)
}

// Handler serves the Prometheus exposition format, or nil when Prometheus is
// disabled.
func (m *MonitoringManager) Handler() http.Handler {
	if m.prometheus == nil {
		return nil
	}
	return m.prometheus.Handler()
}

// Tracer returns the OpenTelemetry tracer, or the global one when
// OpenTelemetry is disabled.
func (m *MonitoringManager) Tracer() trace.Tracer {
	if m.otel == nil {
		return otel.Tracer(instrumentationName)
	}
	return m.otel.Tracer()
}

// Close flushes and stops every backend.
func (m *MonitoringManager) Close(ctx context.Context) error {
	var errs []error
	if m.otel != nil {
		if err := m.otel.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("opentelemetry: %v", err))
		}
	}
	return errors.Join(errs...)
}
