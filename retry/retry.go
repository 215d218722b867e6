package retry

import (
	"context"
	"math"
	"time"

	"github.com/benbjohnson/clock"
)

// Policy retries an operation with bounded exponential backoff. It does not
// classify errors itself; callers decide per call site which errors are worth
// another attempt.
type Policy struct {
	// Number of retries after the first attempt. Total attempts are
	// MaxRetries + 1.
	MaxRetries int

	// Delay before the first retry. Doubles with every further retry.
	BaseDelay time.Duration

	clock   clock.Clock
	onRetry func(attempt int, delay time.Duration, err error)
}

type Option func(*Policy)

// WithClock replaces the wall clock used for backoff waits.
func WithClock(clk clock.Clock) Option {
	return func(p *Policy) {
		p.clock = clk
	}
}

// WithOnRetry registers a callback invoked before every backoff wait.
// attempt is 1 for the first retry.
func WithOnRetry(onRetry func(attempt int, delay time.Duration, err error)) Option {
	return func(p *Policy) {
		p.onRetry = onRetry
	}
}

func NewPolicy(maxRetries int, baseDelay time.Duration, opts ...Option) *Policy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	p := &Policy{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		clock:      clock.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxDelay is where the doubling stops.
const MaxDelay = time.Duration(math.MaxInt64)

// Delay returns the wait after the given zero-based failed attempt.
func (p *Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt <= 0 {
		return p.BaseDelay
	}
	if attempt >= 63 || p.BaseDelay > MaxDelay>>uint(attempt) {
		return MaxDelay
	}
	return p.BaseDelay << uint(attempt)
}

// Run executes op until it succeeds, shouldRetry rejects its error, or the
// retries are used up. The last error is returned as is.
func Run[T any](ctx context.Context, p *Policy, op func(ctx context.Context) (T, error), shouldRetry func(error) bool) (T, error) {
	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= p.MaxRetries || shouldRetry == nil || !shouldRetry(err) {
			return result, err
		}

		delay := p.Delay(attempt)
		if p.onRetry != nil {
			p.onRetry(attempt+1, delay, err)
		}
		if err := p.wait(ctx, delay); err != nil {
			var zero T
			return zero, err
		}
	}
}

func (p *Policy) wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := p.clock.Timer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
