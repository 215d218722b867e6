package dispatch

import "time"

const outcomeSuccess = "success"

// Observer receives dispatch events, typically to export them as metrics.
// Implementations must be safe for concurrent use.
type Observer interface {
	// ObserveAttempt is called once per model tried. outcome is "success" or
	// the failure tag of the last error.
	ObserveAttempt(model string, outcome string, latency time.Duration)

	ObserveRetry(model string, attempt int, delay time.Duration)

	// ObserveDispatch is called once per dispatch with "success" or the
	// error code it ended with.
	ObserveDispatch(outcome string, latency time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveAttempt(string, string, time.Duration) {}
func (nopObserver) ObserveRetry(string, int, time.Duration)      {}
func (nopObserver) ObserveDispatch(string, time.Duration)        {}
