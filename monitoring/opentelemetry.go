package monitoring

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/yanolja/gemback"

// OpenTelemetryMonitor exports dispatch metrics over OTLP/gRPC and traces
// over OTLP/HTTP. It installs its providers as the global ones.
type OpenTelemetryMonitor struct {
	*instruments

	config         *OpenTelemetryConfig
	logger         *zap.SugaredLogger
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
}

// instruments records dispatch events on one meter.
type instruments struct {
	attemptCounter   metric.Int64Counter
	attemptDuration  metric.Float64Histogram
	retryCounter     metric.Int64Counter
	dispatchCounter  metric.Int64Counter
	dispatchDuration metric.Float64Histogram
}

func NewOpenTelemetryMonitor(config *OpenTelemetryConfig, logger *zap.SugaredLogger) (*OpenTelemetryMonitor, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("OpenTelemetry endpoint is required")
	}

	otelMonitor := &OpenTelemetryMonitor{
		config: config,
		logger: logger,
	}

	serviceName := config.ServiceName
	if serviceName == "" {
		serviceName = "gemback"
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %v", err)
	}

	if err := otelMonitor.initializeMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %v", err)
	}

	if err := otelMonitor.initializeTracing(res); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %v", err)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	logger.Infow("OpenTelemetry exporters started", "endpoint", config.Endpoint, "service", serviceName)
	return otelMonitor, nil
}

func (o *OpenTelemetryMonitor) initializeMetrics(res *resource.Resource) error {
	options := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(o.config.Endpoint),
		otlpmetricgrpc.WithHeaders(o.config.Headers),
	}
	if o.config.Insecure {
		options = append(options, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(context.Background(), options...)
	if err != nil {
		return fmt.Errorf("failed to create OTLP metrics exporter: %v", err)
	}

	o.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	otel.SetMeterProvider(o.meterProvider)

	o.instruments, err = newInstruments(o.meterProvider.Meter(instrumentationName))
	return err
}

func (o *OpenTelemetryMonitor) initializeTracing(res *resource.Resource) error {
	options := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(o.config.Endpoint),
		otlptracehttp.WithHeaders(o.config.Headers),
	}
	if o.config.Insecure {
		options = append(options, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(context.Background(), options...)
	if err != nil {
		return fmt.Errorf("failed to create OTLP trace exporter: %v", err)
	}

	o.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler(o.config.SampleRate)),
	)
	otel.SetTracerProvider(o.tracerProvider)

	o.tracer = o.tracerProvider.Tracer(instrumentationName)
	return nil
}

func sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	var (
		i   instruments
		err error
	)

	i.attemptCounter, err = meter.Int64Counter(
		"gemback.model.attempts",
		metric.WithDescription("Model attempts, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt counter: %v", err)
	}

	i.attemptDuration, err = meter.Float64Histogram(
		"gemback.model.attempt.duration",
		metric.WithDescription("Time spent on one model, retries included"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt duration histogram: %v", err)
	}

	i.retryCounter, err = meter.Int64Counter(
		"gemback.retries",
		metric.WithDescription("Retries of a failed model call"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry counter: %v", err)
	}

	i.dispatchCounter, err = meter.Int64Counter(
		"gemback.dispatches",
		metric.WithDescription("Dispatches, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch counter: %v", err)
	}

	i.dispatchDuration, err = meter.Float64Histogram(
		"gemback.dispatch.duration",
		metric.WithDescription("Dispatch duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatch duration histogram: %v", err)
	}

	return &i, nil
}

func (i *instruments) ObserveAttempt(model string, outcome string, latency time.Duration) {
	ctx := context.Background()
	i.attemptCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("outcome", outcome),
	))
	i.attemptDuration.Record(ctx, latency.Seconds(), metric.WithAttributes(attribute.String("model", model)))
}

func (i *instruments) ObserveRetry(model string, attempt int, delay time.Duration) {
	i.retryCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("model", model),
		attribute.Int("attempt", attempt),
	))
}

func (i *instruments) ObserveDispatch(outcome string, latency time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	i.dispatchCounter.Add(ctx, 1, attrs)
	i.dispatchDuration.Record(ctx, latency.Seconds(), attrs)
}

func (o *OpenTelemetryMonitor) Tracer() trace.Tracer {
	return o.tracer
}

// Close flushes pending telemetry and shuts both providers down.
func (o *OpenTelemetryMonitor) Close(ctx context.Context) error {
	if err := o.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown meter provider: %v", err)
	}

	if err := o.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %v", err)
	}

	return nil
}
