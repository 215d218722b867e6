package rotation

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/yanolja/gemback"
)

// Strategy selects which credential serves the next dispatch.
type Strategy int

const (
	// RoundRobin cycles through credentials in configured order.
	RoundRobin Strategy = iota

	// LeastUsed picks the credential with the fewest dispatches so far.
	// Ties go to the lowest index.
	LeastUsed
)

func (s Strategy) String() string {
	switch s {
	case RoundRobin:
		return "round-robin"
	case LeastUsed:
		return "least-used"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy converts a configuration value into a Strategy. An empty
// value means round-robin.
func ParseStrategy(value string) (Strategy, error) {
	switch value {
	case "", "round-robin", "round_robin":
		return RoundRobin, nil
	case "least-used", "least_used":
		return LeastUsed, nil
	}
	return RoundRobin, &gemback.ConfigError{Field: "rotation_strategy", Reason: fmt.Sprintf("unknown strategy %q", value)}
}

// Credential is a secret together with its stable position in the configured
// list. The index is what statistics and logs refer to.
type Credential struct {
	Index  int
	Secret string
}

// String never reveals the secret so a credential can be logged safely.
func (c Credential) String() string {
	return fmt.Sprintf("credential#%d", c.Index)
}

type CredentialStats struct {
	Index         int       `json:"index"`
	TotalRequests int64     `json:"total_requests"`
	SuccessCount  int64     `json:"success_count"`
	FailureCount  int64     `json:"failure_count"`
	SuccessRate   float64   `json:"success_rate"`
	LastUsed      time.Time `json:"last_used"`
}

// Rotator hands out credentials under one strategy and keeps per-credential
// outcome statistics.
type Rotator struct {
	credentials []Credential
	strategy    Strategy

	// Guards cursor and stats.
	mu     sync.Mutex
	cursor int
	stats  []CredentialStats

	clock clock.Clock
}

type Option func(*Rotator)

func WithClock(clk clock.Clock) Option {
	return func(r *Rotator) {
		r.clock = clk
	}
}

func New(secrets []string, strategy Strategy, opts ...Option) (*Rotator, error) {
	if len(secrets) == 0 {
		return nil, &gemback.ConfigError{Field: "credentials", Reason: "at least one credential is required"}
	}
	if strategy != RoundRobin && strategy != LeastUsed {
		return nil, &gemback.ConfigError{Field: "rotation_strategy", Reason: fmt.Sprintf("unsupported %s", strategy)}
	}

	r := &Rotator{
		credentials: make([]Credential, len(secrets)),
		stats:       make([]CredentialStats, len(secrets)),
		strategy:    strategy,
		clock:       clock.New(),
	}
	for i, secret := range secrets {
		r.credentials[i] = Credential{Index: i, Secret: secret}
		r.stats[i] = CredentialStats{Index: i}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Rotator) Len() int {
	return len(r.credentials)
}

func (r *Rotator) Strategy() Strategy {
	return r.strategy
}

// Next selects the credential for the next dispatch. The selection counts as
// a use immediately, before the outcome of the call is known.
func (r *Rotator) Next() Credential {
	r.mu.Lock()
	defer r.mu.Unlock()

	var index int
	switch r.strategy {
	case LeastUsed:
		index = r.leastUsed()
	default:
		index = r.cursor
		r.cursor = (r.cursor + 1) % len(r.credentials)
	}

	r.stats[index].TotalRequests++
	r.stats[index].LastUsed = r.clock.Now()
	return r.credentials[index]
}

func (r *Rotator) leastUsed() int {
	best := 0
	for i := 1; i < len(r.stats); i++ {
		if r.stats[i].TotalRequests < r.stats[best].TotalRequests {
			best = i
		}
	}
	return best
}

func (r *Rotator) RecordSuccess(index int) {
	r.record(index, true)
}

func (r *Rotator) RecordFailure(index int) {
	r.record(index, false)
}

func (r *Rotator) record(index int, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index < 0 || index >= len(r.stats) {
		return
	}
	stats := &r.stats[index]
	if success {
		stats.SuccessCount++
	} else {
		stats.FailureCount++
	}
	stats.SuccessRate = float64(stats.SuccessCount) / float64(stats.SuccessCount+stats.FailureCount)
}

// Stats returns a copy of the per-credential statistics ordered by index.
func (r *Rotator) Stats() []CredentialStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make([]CredentialStats, len(r.stats))
	copy(snapshot, r.stats)
	return snapshot
}
