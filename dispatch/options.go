package dispatch

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"

	"github.com/yanolja/gemback"
	"github.com/yanolja/gemback/rotation"
)

type Options struct {
	// Models tried in order when a request does not name one.
	FallbackOrder []string

	// Retries per model for transient failures.
	MaxRetries int

	// Delay before the first retry; doubles with every further retry.
	RetryDelay time.Duration

	// Per transport call. Zero disables the deadline.
	Timeout time.Duration

	Credentials []string
	Strategy    rotation.Strategy

	// Enables rate prediction and health scoring.
	EnableMonitoring bool

	// Requests-per-minute quota per model, merged over the built-in table.
	RateLimits map[string]int

	// Health samples kept per model. Zero uses the scorer default.
	HealthCapacity int
}

func DefaultOptions() Options {
	return Options{
		FallbackOrder: append([]string(nil), gemback.DefaultFallbackOrder...),
		MaxRetries:    2,
		RetryDelay:    time.Second,
		Timeout:       30 * time.Second,
		Strategy:      rotation.RoundRobin,
	}
}

func (o Options) validate() error {
	if len(o.Credentials) == 0 {
		return &gemback.ConfigError{Field: "credentials", Reason: "at least one credential is required"}
	}
	if len(o.FallbackOrder) == 0 {
		return &gemback.ConfigError{Field: "fallback_order", Reason: "at least one model is required"}
	}
	if o.MaxRetries < 0 {
		return &gemback.ConfigError{Field: "max_retries", Reason: "must not be negative"}
	}
	if o.RetryDelay < 0 {
		return &gemback.ConfigError{Field: "retry_delay", Reason: "must not be negative"}
	}
	if o.Timeout < 0 {
		return &gemback.ConfigError{Field: "timeout", Reason: "must not be negative"}
	}
	return nil
}

type Option func(*Orchestrator)

func WithClock(clk clock.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = clk
	}
}

// WithObserver reports attempts, retries and outcomes to observer.
func WithObserver(observer Observer) Option {
	return func(o *Orchestrator) {
		o.observer = observer
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = tracer
	}
}
