package dispatch

import (
	"sync"

	"github.com/yanolja/gemback/health"
	"github.com/yanolja/gemback/rate"
	"github.com/yanolja/gemback/rotation"
)

type AggregateStats struct {
	TotalRequests int64            `json:"total_requests"`
	SuccessCount  int64            `json:"success_count"`
	FailureCount  int64            `json:"failure_count"`
	SuccessRate   float64          `json:"success_rate"`
	ModelUsage    map[string]int64 `json:"model_usage"`
}

type MonitoringStats struct {
	RateLimits map[string]rate.Status        `json:"rate_limits"`
	Health     map[string]health.ModelHealth `json:"health"`
	Summary    health.Summary                `json:"summary"`
}

type Stats struct {
	AggregateStats

	// Nil with a single credential.
	Credentials []rotation.CredentialStats `json:"credentials,omitempty"`

	// Nil when monitoring is disabled.
	Monitoring *MonitoringStats `json:"monitoring,omitempty"`
}

// State is everything one orchestrator accumulates across dispatches.
// Components that are switched off are nil.
type State struct {
	rotator   *rotation.Rotator
	predictor *rate.Predictor
	scorer    *health.Scorer

	// Guards aggregate.
	mu        sync.Mutex
	aggregate AggregateStats
}

func (s *State) recordSuccess(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.aggregate.TotalRequests++
	s.aggregate.SuccessCount++
	s.aggregate.ModelUsage[model]++
	s.updateSuccessRate()
}

func (s *State) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.aggregate.TotalRequests++
	s.aggregate.FailureCount++
	s.updateSuccessRate()
}

func (s *State) updateSuccessRate() {
	s.aggregate.SuccessRate = float64(s.aggregate.SuccessCount) / float64(s.aggregate.TotalRequests)
}

func (s *State) snapshot() AggregateStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.aggregate
	snapshot.ModelUsage = make(map[string]int64, len(s.aggregate.ModelUsage))
	for model, count := range s.aggregate.ModelUsage {
		snapshot.ModelUsage[model] = count
	}
	return snapshot
}
