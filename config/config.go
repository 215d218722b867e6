package config

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/yanolja/gemback"
	"github.com/yanolja/gemback/dispatch"
	"github.com/yanolja/gemback/monitoring"
	"github.com/yanolja/gemback/rotation"
	"github.com/yanolja/gemback/utils/array"
	"github.com/yanolja/gemback/utils/env"
)

const (
	ProviderGemini = "gemini"
	ProviderVertex = "vertex"
	ProviderClaude = "claude"
)

var providers = []string{ProviderGemini, ProviderVertex, ProviderClaude}

// Config represents the full application configuration
type Config struct {
	// API key to access the Gemback service. The user should provide this key in the Authorization header with the Bearer scheme.
	// Authentication is disabled when empty.
	GembackApiKey string `yaml:"-"`

	// Inference backend. One of "gemini", "vertex" or "claude".
	Provider string `yaml:"provider"`

	// Provider API keys, rotated between requests. Never read from the YAML file.
	ApiKeys []string `yaml:"-"`

	// Project ID of the Google Cloud project to use Vertex AI.
	// E.g., my-project-12345
	GoogleCloudProject string `yaml:"google_cloud_project"`

	// Region of the Vertex AI endpoint. E.g., us-central1
	GoogleCloudLocation string `yaml:"google_cloud_location"`

	// Models tried in order when a request does not name one.
	FallbackOrder []string `yaml:"fallback_order"`

	// Retries per model for transient failures.
	MaxRetries int `yaml:"max_retries"`

	// Delay before the first retry. E.g., 1s
	RetryDelay string `yaml:"retry_delay"`

	// Deadline of one provider call. "0s" disables it. E.g., 30s
	Timeout string `yaml:"timeout"`

	// "round-robin" or "least-used".
	RotationStrategy string `yaml:"rotation_strategy"`

	// Enables rate prediction and health scoring.
	EnableMonitoring bool `yaml:"enable_monitoring"`

	// Requests-per-minute quota per model. E.g., gemini-2.5-flash: 15
	RateLimits map[string]int `yaml:"rate_limits"`

	// Health samples kept per model.
	HealthCapacity int `yaml:"health_capacity"`

	// Port to listen for incoming requests.
	Port int `yaml:"port"`

	// Enables development logging.
	Debug bool `yaml:"debug"`

	// Metrics and tracing exporters.
	Monitoring monitoring.MonitoringConfig `yaml:"monitoring"`
}

func defaultConfig() Config {
	return Config{
		Provider:         ProviderGemini,
		FallbackOrder:    append([]string(nil), gemback.DefaultFallbackOrder...),
		MaxRetries:       2,
		RetryDelay:       "1s",
		Timeout:          "30s",
		RotationStrategy: rotation.RoundRobin.String(),
		EnableMonitoring: true,
		Port:             8080,
	}
}

// LoadConfig loads the configuration from the specified path
func LoadConfig(path string, logger *zap.SugaredLogger) (*Config, error) {
	config := defaultConfig()

	// Checks if config is specified via environment variable.
	configSource := env.OptionalStringVariable("CONFIG_SOURCE", path)
	configToken := env.OptionalStringVariable("CONFIG_TOKEN", "")
	configData, err := func(configSource string, configToken string) ([]byte, error) {
		if configSource == "" {
			return nil, nil
		}
		// Handle URL or local path
		if strings.HasPrefix(configSource, "http://") || strings.HasPrefix(configSource, "https://") {
			logger.Infow("Fetching remote config", "url", configSource)
			return fetchRemoteConfig(configSource, configToken)
		}
		logger.Infow("Loading local config", "path", configSource)
		return os.ReadFile(configSource)
	}(configSource, configToken)

	if err != nil {
		return nil, fmt.Errorf("failed to get config data: %v", err)
	}

	// Overrides config with the YAML data.
	if err := yaml.Unmarshal(configData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}

	// Overrides config with environment variables.
	// Therefore, the values from the environment variables precede the values from the YAML file.
	config.GembackApiKey = env.OptionalStringVariable("GEMBACK_API_KEY", config.GembackApiKey)
	config.Provider = env.OptionalStringVariable("PROVIDER", config.Provider)
	config.GoogleCloudProject = env.OptionalStringVariable("GOOGLE_CLOUD_PROJECT", config.GoogleCloudProject)
	config.GoogleCloudLocation = env.OptionalStringVariable("GOOGLE_CLOUD_LOCATION", config.GoogleCloudLocation)
	config.FallbackOrder = env.OptionalStringListVariable("FALLBACK_ORDER", config.FallbackOrder)
	config.MaxRetries = env.OptionalIntVariable("MAX_RETRIES", config.MaxRetries)
	config.RetryDelay = env.OptionalStringVariable("RETRY_DELAY", config.RetryDelay)
	config.Timeout = env.OptionalStringVariable("TIMEOUT", config.Timeout)
	config.RotationStrategy = env.OptionalStringVariable("ROTATION_STRATEGY", config.RotationStrategy)
	config.EnableMonitoring = env.OptionalBoolVariable("ENABLE_MONITORING", config.EnableMonitoring)
	config.Port = env.OptionalIntVariable("PORT", config.Port)
	config.Debug = env.OptionalBoolVariable("DEBUG", config.Debug)
	config.ApiKeys = config.loadApiKeys()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger.Infow("Configuration loaded",
		"provider", config.Provider,
		"credentials", len(config.ApiKeys),
		"fallback_order", config.FallbackOrder,
		"rotation_strategy", config.RotationStrategy,
		"monitoring", config.EnableMonitoring,
	)
	return &config, nil
}

// A key list takes precedence over the single provider key.
func (c *Config) loadApiKeys() []string {
	keys := env.OptionalStringListVariable("GEMBACK_API_KEYS", nil)
	if len(keys) > 0 {
		return keys
	}
	var single string
	switch c.Provider {
	case ProviderClaude:
		single = env.OptionalStringVariable("CLAUDE_API_KEY", "")
	default:
		single = env.OptionalStringVariable("GEMINI_API_KEY", "")
	}
	if single == "" {
		return nil
	}
	return []string{single}
}

// Validate reports the first invalid setting as a *gemback.ConfigError.
func (c *Config) Validate() error {
	if !array.Contains(providers, c.Provider) {
		return &gemback.ConfigError{Field: "provider", Reason: fmt.Sprintf("must be one of %s", strings.Join(providers, ", "))}
	}
	if len(c.ApiKeys) == 0 && !c.usesApplicationCredentials() {
		return &gemback.ConfigError{Field: "credentials", Reason: "set GEMBACK_API_KEYS or the provider API key"}
	}
	if len(c.FallbackOrder) == 0 {
		return &gemback.ConfigError{Field: "fallback_order", Reason: "at least one model is required"}
	}
	if c.MaxRetries < 0 {
		return &gemback.ConfigError{Field: "max_retries", Reason: "must not be negative"}
	}
	if _, err := parseDuration("retry_delay", c.RetryDelay); err != nil {
		return err
	}
	if _, err := parseDuration("timeout", c.Timeout); err != nil {
		return err
	}
	if _, err := rotation.ParseStrategy(c.RotationStrategy); err != nil {
		return err
	}
	for model, rpm := range c.RateLimits {
		if rpm <= 0 {
			return &gemback.ConfigError{Field: "rate_limits", Reason: fmt.Sprintf("limit of %s must be positive", model)}
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return &gemback.ConfigError{Field: "port", Reason: "must be between 1 and 65535"}
	}
	return nil
}

// Vertex AI with a project authenticates through application default
// credentials, so no API key is needed.
func (c *Config) usesApplicationCredentials() bool {
	return c.Provider == ProviderVertex && c.GoogleCloudProject != ""
}

// ToDispatchOptions converts a validated config into orchestrator options.
func (c *Config) ToDispatchOptions() (dispatch.Options, error) {
	retryDelay, err := parseDuration("retry_delay", c.RetryDelay)
	if err != nil {
		return dispatch.Options{}, err
	}
	timeout, err := parseDuration("timeout", c.Timeout)
	if err != nil {
		return dispatch.Options{}, err
	}
	strategy, err := rotation.ParseStrategy(c.RotationStrategy)
	if err != nil {
		return dispatch.Options{}, err
	}

	credentials := c.ApiKeys
	if len(credentials) == 0 && c.usesApplicationCredentials() {
		// One keyless credential keeps the rotator and statistics uniform.
		credentials = []string{""}
	}

	return dispatch.Options{
		FallbackOrder:    append([]string(nil), c.FallbackOrder...),
		MaxRetries:       c.MaxRetries,
		RetryDelay:       retryDelay,
		Timeout:          timeout,
		Credentials:      append([]string(nil), credentials...),
		Strategy:         strategy,
		EnableMonitoring: c.EnableMonitoring,
		RateLimits:       c.RateLimits,
		HealthCapacity:   c.HealthCapacity,
	}, nil
}

func parseDuration(field string, value string) (time.Duration, error) {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, &gemback.ConfigError{Field: field, Reason: fmt.Sprintf("invalid duration %q", value)}
	}
	if duration < 0 {
		return 0, &gemback.ConfigError{Field: field, Reason: "must not be negative"}
	}
	return duration, nil
}

func fetchRemoteConfig(url string, token string) ([]byte, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch config: HTTP %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}
