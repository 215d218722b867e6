package rate

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// Timestamps older than this are dropped on every insert.
	horizon = 5 * time.Minute

	defaultRPM = 15
)

// DefaultLimits are the free-tier requests-per-minute quotas. Configured
// limits are merged on top of these.
var DefaultLimits = map[string]int{
	"gemini-2.5-flash":      15,
	"gemini-2.5-flash-lite": 15,
	"gemini-1.5-flash":      15,
	"gemini-1.5-pro":        2,
}

type Window struct {
	RequestsInLastMinute   int     `json:"requests_in_last_minute"`
	RequestsInLast5Minutes int     `json:"requests_in_last_5_minutes"`
	AverageRPM             float64 `json:"average_rpm"`
}

type Status struct {
	Model              string    `json:"model"`
	CredentialIndex    *int      `json:"credential_index,omitempty"`
	CurrentRPM         int       `json:"current_rpm"`
	MaxRPM             int       `json:"max_rpm"`
	UtilizationPercent float64   `json:"utilization_percent"`
	IsNearLimit        bool      `json:"is_near_limit"`
	WillExceedSoon     bool      `json:"will_exceed_soon"`
	NextResetTime      time.Time `json:"next_reset_time"`
	Window             Window    `json:"window"`
}

// Predictor tracks recent request timestamps per model (and optionally per
// credential) and estimates how close each is to its per-minute quota. It
// never blocks a request; its answers are advisory.
type Predictor struct {
	limits     map[string]int
	defaultRPM int
	warnAt     float64
	exceedAt   float64

	// Guards windows.
	mu      sync.Mutex
	windows map[windowKey][]time.Time

	clock clock.Clock
}

type Option func(*Predictor)

func WithClock(clk clock.Clock) Option {
	return func(p *Predictor) {
		p.clock = clk
	}
}

func WithDefaultRPM(rpm int) Option {
	return func(p *Predictor) {
		if rpm > 0 {
			p.defaultRPM = rpm
		}
	}
}

// WithThresholds sets the utilization percentages at which a key is reported
// as near its limit and as about to exceed it.
func WithThresholds(warn, exceed float64) Option {
	return func(p *Predictor) {
		p.warnAt = warn
		p.exceedAt = exceed
	}
}

func NewPredictor(limits map[string]int, opts ...Option) *Predictor {
	p := &Predictor{
		limits:     make(map[string]int, len(DefaultLimits)+len(limits)),
		defaultRPM: defaultRPM,
		warnAt:     80,
		exceedAt:   90,
		windows:    make(map[windowKey][]time.Time),
		clock:      clock.New(),
	}
	for model, rpm := range DefaultLimits {
		p.limits[model] = rpm
	}
	for model, rpm := range limits {
		if rpm > 0 {
			p.limits[model] = rpm
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// windowKey identifies one sliding window. credential is -1 for the
// model-wide window.
type windowKey struct {
	model      string
	credential int
}

func modelKey(model string) windowKey {
	return windowKey{model: model, credential: -1}
}

func credentialKey(model string, credentialIndex int) windowKey {
	return windowKey{model: model, credential: credentialIndex}
}

// Limit returns the requests-per-minute quota used for the model.
func (p *Predictor) Limit(model string) int {
	if rpm, ok := p.limits[model]; ok {
		return rpm
	}
	return p.defaultRPM
}

func (p *Predictor) RecordRequest(model string) {
	p.record(modelKey(model))
}

func (p *Predictor) RecordCredentialRequest(model string, credentialIndex int) {
	p.record(credentialKey(model, credentialIndex))
}

func (p *Predictor) record(key windowKey) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	window := append(p.windows[key], now)
	cutoff := now.Add(-horizon)
	keep := 0
	for keep < len(window) && !window[keep].After(cutoff) {
		keep++
	}
	p.windows[key] = window[keep:]
}

func (p *Predictor) Status(model string) Status {
	return p.status(model, modelKey(model), nil)
}

func (p *Predictor) CredentialStatus(model string, credentialIndex int) Status {
	return p.status(model, credentialKey(model, credentialIndex), &credentialIndex)
}

func (p *Predictor) status(model string, key windowKey, credentialIndex *int) Status {
	now := p.clock.Now()
	lastMinute, lastFive := p.count(key, now)

	maxRPM := p.Limit(model)
	utilization := float64(lastMinute) / float64(maxRPM) * 100
	return Status{
		Model:              model,
		CredentialIndex:    credentialIndex,
		CurrentRPM:         lastMinute,
		MaxRPM:             maxRPM,
		UtilizationPercent: utilization,
		IsNearLimit:        utilization >= p.warnAt,
		WillExceedSoon:     utilization >= p.exceedAt,
		NextResetTime:      now.Truncate(time.Minute).Add(time.Minute),
		Window: Window{
			RequestsInLastMinute:   lastMinute,
			RequestsInLast5Minutes: lastFive,
			AverageRPM:             float64(lastFive) / 5,
		},
	}
}

// count returns how many recorded requests for key fall within the last
// minute and the last five minutes.
func (p *Predictor) count(key windowKey, now time.Time) (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	minuteAgo := now.Add(-time.Minute)
	horizonAgo := now.Add(-horizon)
	lastMinute, lastFive := 0, 0
	for _, ts := range p.windows[key] {
		if ts.After(horizonAgo) {
			lastFive++
		}
		if ts.After(minuteAgo) {
			lastMinute++
		}
	}
	return lastMinute, lastFive
}

func (p *Predictor) WouldExceedLimit(model string) bool {
	status := p.Status(model)
	return status.CurrentRPM >= status.MaxRPM
}

// RecommendedWait suggests how long a caller could hold off before sending
// to the model. Zero means no wait is suggested.
func (p *Predictor) RecommendedWait(model string) time.Duration {
	status := p.Status(model)
	if !status.IsNearLimit {
		return 0
	}
	if status.CurrentRPM >= status.MaxRPM {
		return status.NextResetTime.Sub(p.clock.Now())
	}
	remaining := float64(status.MaxRPM - status.CurrentRPM)
	if status.Window.AverageRPM > remaining {
		return 5 * time.Second
	}
	return time.Second
}

// Models lists every model with a model-wide window, sorted by name.
func (p *Predictor) Models() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	models := make([]string, 0, len(p.windows))
	for key := range p.windows {
		if key.credential < 0 {
			models = append(models, key.model)
		}
	}
	sort.Strings(models)
	return models
}
