package health

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

const (
	defaultCapacity = 1000
	defaultWindow   = time.Hour

	// An error tag containing this marker counts against availability.
	timeoutMarker = "timeout"
)

// Sample is the outcome of one transport call.
type Sample struct {
	Timestamp time.Time
	Latency   time.Duration
	Success   bool
	ErrorTag  string
}

type Metrics struct {
	TotalRequests      int     `json:"total_requests"`
	SuccessfulRequests int     `json:"successful_requests"`
	FailedRequests     int     `json:"failed_requests"`
	TimeoutRequests    int     `json:"timeout_requests"`
	P50LatencyMs       float64 `json:"p50_latency_ms"`
	P95LatencyMs       float64 `json:"p95_latency_ms"`
	P99LatencyMs       float64 `json:"p99_latency_ms"`
}

type ModelHealth struct {
	Model               string  `json:"model"`
	Status              Status  `json:"status"`
	SuccessRate         float64 `json:"success_rate"`
	AverageLatencyMs    float64 `json:"average_latency_ms"`
	Availability        float64 `json:"availability"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	Metrics             Metrics `json:"metrics"`
}

func (h ModelHealth) usable() bool {
	return h.Status == StatusHealthy || h.Status == StatusDegraded
}

type Summary struct {
	Healthy    int    `json:"healthy"`
	Degraded   int    `json:"degraded"`
	Unhealthy  int    `json:"unhealthy"`
	Unknown    int    `json:"unknown"`
	Healthiest string `json:"healthiest,omitempty"`
}

// ring keeps the most recent samples of one model, overwriting the oldest
// once full.
type ring struct {
	samples []Sample
	next    int
}

func (r *ring) add(sample Sample, capacity int) {
	if len(r.samples) < capacity {
		r.samples = append(r.samples, sample)
		return
	}
	r.samples[r.next] = sample
	r.next = (r.next + 1) % capacity
}

type modelState struct {
	ring                ring
	consecutiveFailures int
}

// Scorer derives a health status per model from a bounded history of
// recent call outcomes.
type Scorer struct {
	capacity int
	window   time.Duration

	// Guards models.
	mu     sync.Mutex
	models map[string]*modelState

	clock clock.Clock
}

type Option func(*Scorer)

func WithClock(clk clock.Clock) Option {
	return func(s *Scorer) {
		s.clock = clk
	}
}

// WithCapacity bounds the number of samples kept per model.
func WithCapacity(capacity int) Option {
	return func(s *Scorer) {
		if capacity > 0 {
			s.capacity = capacity
		}
	}
}

// WithWindow sets how far back samples are considered current.
func WithWindow(window time.Duration) Option {
	return func(s *Scorer) {
		if window > 0 {
			s.window = window
		}
	}
}

func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{
		capacity: defaultCapacity,
		window:   defaultWindow,
		models:   make(map[string]*modelState),
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scorer) RecordRequest(model string, latency time.Duration, success bool, errorTag string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.models[model]
	if !ok {
		state = &modelState{}
		s.models[model] = state
	}
	state.ring.add(Sample{
		Timestamp: s.clock.Now(),
		Latency:   latency,
		Success:   success,
		ErrorTag:  errorTag,
	}, s.capacity)
	if success {
		state.consecutiveFailures = 0
	} else {
		state.consecutiveFailures++
	}
}

func (s *Scorer) Health(model string) ModelHealth {
	samples, consecutiveFailures := s.current(model)
	health := ModelHealth{Model: model, Status: StatusUnknown}
	if len(samples) == 0 {
		return health
	}
	health.ConsecutiveFailures = consecutiveFailures

	var latencies []float64
	var timeouts int
	for _, sample := range samples {
		if sample.Success {
			latencies = append(latencies, float64(sample.Latency)/float64(time.Millisecond))
			continue
		}
		if strings.Contains(sample.ErrorTag, timeoutMarker) {
			timeouts++
		}
	}
	sort.Float64s(latencies)

	total := len(samples)
	successes := len(latencies)
	health.SuccessRate = float64(successes) / float64(total)
	health.Availability = float64(total-timeouts) / float64(total)
	health.AverageLatencyMs = mean(latencies)
	health.Metrics = Metrics{
		TotalRequests:      total,
		SuccessfulRequests: successes,
		FailedRequests:     total - successes,
		TimeoutRequests:    timeouts,
		P50LatencyMs:       percentile(latencies, 50),
		P95LatencyMs:       percentile(latencies, 95),
		P99LatencyMs:       percentile(latencies, 99),
	}
	health.Status = classify(health)
	return health
}

// current copies the samples of model recorded within the window.
func (s *Scorer) current(model string) ([]Sample, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.models[model]
	if !ok {
		return nil, 0
	}
	cutoff := s.clock.Now().Add(-s.window)
	samples := make([]Sample, 0, len(state.ring.samples))
	for _, sample := range state.ring.samples {
		if sample.Timestamp.After(cutoff) {
			samples = append(samples, sample)
		}
	}
	return samples, state.consecutiveFailures
}

func classify(h ModelHealth) Status {
	switch {
	case h.SuccessRate < 0.80 || h.AverageLatencyMs > 5000 || h.Availability < 0.90:
		return StatusUnhealthy
	case h.SuccessRate < 0.95 || h.AverageLatencyMs > 3000 || h.Availability < 0.99:
		return StatusDegraded
	}
	return StatusHealthy
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// percentile expects sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if index < 0 {
		index = 0
	}
	return sorted[index]
}

// HealthiestModel picks the usable candidate with the best success rate,
// breaking ties on lower average latency and then on candidate order.
func (s *Scorer) HealthiestModel(candidates []string) (string, bool) {
	var best *ModelHealth
	for _, model := range candidates {
		health := s.Health(model)
		if !health.usable() {
			continue
		}
		if best == nil ||
			health.SuccessRate > best.SuccessRate ||
			(health.SuccessRate == best.SuccessRate && health.AverageLatencyMs < best.AverageLatencyMs) {
			best = &health
		}
	}
	if best == nil {
		return "", false
	}
	return best.Model, true
}

func (s *Scorer) IsModelHealthy(model string) bool {
	return s.Health(model).usable()
}

// Reset forgets the given models, or every model when none are given.
func (s *Scorer) Reset(models ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(models) == 0 {
		s.models = make(map[string]*modelState)
		return
	}
	for _, model := range models {
		delete(s.models, model)
	}
}

func (s *Scorer) Summary(models []string) Summary {
	var summary Summary
	for _, model := range models {
		switch s.Health(model).Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
		default:
			summary.Unknown++
		}
	}
	summary.Healthiest, _ = s.HealthiestModel(models)
	return summary
}
