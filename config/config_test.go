package config

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yanolja/gemback"
	"github.com/yanolja/gemback/rotation"
)

var configEnv = []string{
	"CONFIG_SOURCE", "CONFIG_TOKEN", "GEMBACK_API_KEY", "GEMBACK_API_KEYS", "GEMINI_API_KEY", "CLAUDE_API_KEY",
	"PROVIDER", "GOOGLE_CLOUD_PROJECT", "GOOGLE_CLOUD_LOCATION", "FALLBACK_ORDER", "MAX_RETRIES", "RETRY_DELAY",
	"TIMEOUT", "ROTATION_STRATEGY", "ENABLE_MONITORING", "PORT", "DEBUG",
}

// isolate unsets every variable LoadConfig reads and restores them after
// the test.
func isolate(t *testing.T) {
	t.Helper()
	for _, name := range configEnv {
		if value, ok := os.LookupEnv(name); ok {
			require.NoError(t, os.Unsetenv(name))
			t.Cleanup(func() { os.Setenv(name, value) })
		}
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	logger := zaptest.NewLogger(t).Sugar()

	t.Run("defaults with a single key", func(t *testing.T) {
		isolate(t)
		t.Setenv("GEMINI_API_KEY", "key-0")

		config, err := LoadConfig("", logger)
		require.NoError(t, err)
		assert.Equal(t, ProviderGemini, config.Provider)
		assert.Equal(t, []string{"key-0"}, config.ApiKeys)
		assert.Equal(t, gemback.DefaultFallbackOrder, config.FallbackOrder)
		assert.Equal(t, 2, config.MaxRetries)
		assert.Equal(t, "1s", config.RetryDelay)
		assert.Equal(t, "30s", config.Timeout)
		assert.True(t, config.EnableMonitoring)
		assert.Equal(t, 8080, config.Port)
	})

	t.Run("yaml file", func(t *testing.T) {
		isolate(t)
		t.Setenv("CLAUDE_API_KEY", "claude-key")
		path := writeConfig(t, `
provider: claude
fallback_order: [claude-sonnet-4-0, claude-3-5-haiku-latest]
max_retries: 3
retry_delay: 500ms
timeout: 10s
rotation_strategy: least-used
enable_monitoring: false
rate_limits:
  claude-sonnet-4-0: 50
port: 9000
monitoring:
  prometheus:
    enabled: true
    namespace: gemback
`)

		config, err := LoadConfig(path, logger)
		require.NoError(t, err)
		assert.Equal(t, ProviderClaude, config.Provider)
		assert.Equal(t, []string{"claude-key"}, config.ApiKeys)
		assert.Equal(t, []string{"claude-sonnet-4-0", "claude-3-5-haiku-latest"}, config.FallbackOrder)
		assert.Equal(t, 3, config.MaxRetries)
		assert.Equal(t, "least-used", config.RotationStrategy)
		assert.False(t, config.EnableMonitoring)
		assert.Equal(t, map[string]int{"claude-sonnet-4-0": 50}, config.RateLimits)
		assert.Equal(t, 9000, config.Port)
		require.NotNil(t, config.Monitoring.Prometheus)
		assert.True(t, config.Monitoring.Prometheus.Enabled)
		assert.Equal(t, "gemback", config.Monitoring.Prometheus.Namespace)
	})

	t.Run("environment overrides yaml", func(t *testing.T) {
		isolate(t)
		path := writeConfig(t, "max_retries: 3\nfallback_order: [a]\n")
		t.Setenv("GEMBACK_API_KEYS", "key-0, key-1,key-2")
		t.Setenv("GEMINI_API_KEY", "ignored")
		t.Setenv("MAX_RETRIES", "5")
		t.Setenv("FALLBACK_ORDER", "b,c")
		t.Setenv("ENABLE_MONITORING", "false")
		t.Setenv("GEMBACK_API_KEY", "server-key")

		config, err := LoadConfig(path, logger)
		require.NoError(t, err)
		assert.Equal(t, []string{"key-0", "key-1", "key-2"}, config.ApiKeys)
		assert.Equal(t, 5, config.MaxRetries)
		assert.Equal(t, []string{"b", "c"}, config.FallbackOrder)
		assert.False(t, config.EnableMonitoring)
		assert.Equal(t, "server-key", config.GembackApiKey)
	})

	t.Run("secrets are not read from yaml", func(t *testing.T) {
		isolate(t)
		path := writeConfig(t, "apikeys: [leaked]\ngembackapikey: leaked\n")

		_, err := LoadConfig(path, logger)
		var configErr *gemback.ConfigError
		require.ErrorAs(t, err, &configErr)
		assert.Equal(t, "credentials", configErr.Field)
	})

	t.Run("remote config with token", func(t *testing.T) {
		isolate(t)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer config-token" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte("max_retries: 7\n"))
		}))
		defer server.Close()

		t.Setenv("CONFIG_SOURCE", server.URL)
		t.Setenv("CONFIG_TOKEN", "config-token")
		t.Setenv("GEMINI_API_KEY", "key-0")

		config, err := LoadConfig("ignored.yaml", logger)
		require.NoError(t, err)
		assert.Equal(t, 7, config.MaxRetries)

		t.Setenv("CONFIG_TOKEN", "wrong")
		_, err = LoadConfig("", logger)
		assert.ErrorContains(t, err, "HTTP 401")
	})

	t.Run("missing file", func(t *testing.T) {
		isolate(t)
		_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"), logger)
		assert.ErrorContains(t, err, "failed to get config data")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		isolate(t)
		_, err := LoadConfig(writeConfig(t, "max_retries: [\n"), logger)
		assert.ErrorContains(t, err, "failed to parse config")
	})
}

func validConfig() Config {
	config := defaultConfig()
	config.ApiKeys = []string{"key-0"}
	return config
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"unknown provider", func(c *Config) { c.Provider = "openai" }, "provider"},
		{"no credentials", func(c *Config) { c.ApiKeys = nil }, "credentials"},
		{"empty fallback order", func(c *Config) { c.FallbackOrder = nil }, "fallback_order"},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, "max_retries"},
		{"bad retry delay", func(c *Config) { c.RetryDelay = "soon" }, "retry_delay"},
		{"negative timeout", func(c *Config) { c.Timeout = "-1s" }, "timeout"},
		{"unknown strategy", func(c *Config) { c.RotationStrategy = "random" }, "rotation_strategy"},
		{"zero rate limit", func(c *Config) { c.RateLimits = map[string]int{"m1": 0} }, "rate_limits"},
		{"bad port", func(c *Config) { c.Port = 70000 }, "port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.modify(&config)

			err := config.Validate()
			var configErr *gemback.ConfigError
			require.True(t, errors.As(err, &configErr), "got %v", err)
			assert.Equal(t, tt.field, configErr.Field)
		})
	}

	t.Run("valid", func(t *testing.T) {
		config := validConfig()
		assert.NoError(t, config.Validate())
	})

	t.Run("vertex with a project needs no key", func(t *testing.T) {
		config := validConfig()
		config.ApiKeys = nil
		config.Provider = ProviderVertex
		config.GoogleCloudProject = "my-project"
		assert.NoError(t, config.Validate())
	})
}

func TestToDispatchOptions(t *testing.T) {
	config := validConfig()
	config.ApiKeys = []string{"key-0", "key-1"}
	config.RetryDelay = "250ms"
	config.Timeout = "0s"
	config.RotationStrategy = "least_used"
	config.RateLimits = map[string]int{"m1": 60}
	config.HealthCapacity = 50

	options, err := config.ToDispatchOptions()
	require.NoError(t, err)
	assert.Equal(t, config.FallbackOrder, options.FallbackOrder)
	assert.Equal(t, 2, options.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, options.RetryDelay)
	assert.Equal(t, time.Duration(0), options.Timeout)
	assert.Equal(t, []string{"key-0", "key-1"}, options.Credentials)
	assert.Equal(t, rotation.LeastUsed, options.Strategy)
	assert.True(t, options.EnableMonitoring)
	assert.Equal(t, map[string]int{"m1": 60}, options.RateLimits)
	assert.Equal(t, 50, options.HealthCapacity)

	t.Run("vertex uses one keyless credential", func(t *testing.T) {
		config := validConfig()
		config.ApiKeys = nil
		config.Provider = ProviderVertex
		config.GoogleCloudProject = "my-project"

		options, err := config.ToDispatchOptions()
		require.NoError(t, err)
		assert.Equal(t, []string{""}, options.Credentials)
	})
}
