package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/triage/errors"
	"github.com/c360/triage/pkg/tlsutil"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func noEnv(string) string { return "" }

func TestDefaults_Validate(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestLoader_NoLayers(t *testing.T) {
	l := NewLoader()
	l.getenv = noEnv
	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoader_JSONLayerOverridesOnlyNamedKeys(t *testing.T) {
	path := writeFile(t, "triage.json", `{
		"service": {"log_level": "debug"},
		"pipeline": {"workers": 4, "shutdown_grace": "45s"},
		"rca": {"prediction": {"enabled": true, "base_url": "http://predict:8000", "read_timeout": "2s"}},
		"stats": {"trend_days": 7}
	}`)

	l := NewLoader()
	l.getenv = noEnv
	l.EnableValidation(true)
	cfg, err := l.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Service.LogLevel)
	assert.Equal(t, "json", cfg.Service.LogFormat)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 512, cfg.Pipeline.QueueSize)
	assert.Equal(t, 45*time.Second, cfg.Pipeline.ShutdownGrace)
	assert.True(t, cfg.RCA.Prediction.Enabled)
	assert.Equal(t, 1, cfg.RCA.Prediction.Priority)
	assert.Equal(t, 2*time.Second, cfg.RCA.Prediction.ReadTimeout)
	assert.Equal(t, 5*time.Second, cfg.RCA.Prediction.ConnectTimeout)
	assert.Equal(t, 7, cfg.Stats.TrendDays)
}

func TestLoader_LayersApplyInOrder(t *testing.T) {
	base := writeFile(t, "base.json", `{"http": {"port": 8081, "burst": 10}}`)
	over := writeFile(t, "override.yaml", "http:\n  port: 8082\nfanout:\n  ping_interval: 1d\n")

	l := NewLoader()
	l.getenv = noEnv
	l.AddLayer(base)
	l.AddLayer(over)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, 8082, cfg.HTTP.Port)
	assert.Equal(t, 10, cfg.HTTP.Burst)
	assert.Equal(t, 24*time.Hour, cfg.Fanout.PingInterval)
}

func TestLoader_ConnectionTuning(t *testing.T) {
	path := writeFile(t, "tuning.yaml",
		"nats:\n  drain_timeout: 3s\n  max_backoff: 2m\n  circuit_breaker_threshold: 2\nstorage:\n  kv_timeout: 750ms\n")
	l := NewLoader()
	l.getenv = noEnv
	cfg, err := l.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.NATS.DrainTimeout)
	assert.Equal(t, 2*time.Minute, cfg.NATS.MaxBackoff)
	assert.Equal(t, int32(2), cfg.NATS.CircuitBreakerThreshold)
	assert.Equal(t, 750*time.Millisecond, cfg.Storage.KVTimeout)
	assert.Equal(t, Defaults().Storage.KVMaxRetries, cfg.Storage.KVMaxRetries)
}

func TestLoader_NumericDurations(t *testing.T) {
	path := writeFile(t, "n.json", `{"http": {"shutdown_timeout": 1500000000}}`)
	l := NewLoader()
	l.getenv = noEnv
	cfg, err := l.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.HTTP.ShutdownTimeout)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
		want string
	}{
		{"bad extension", "c.toml", "x = 1", "unsupported config file type"},
		{"bad duration", "c.json", `{"nats": {"timeout": "soon"}}`, "nats.timeout"},
		{"bad days", "c.yaml", "pipeline:\n  shutdown_grace: xd\n", "pipeline.shutdown_grace"},
		{"too deep", "c.json", strings.Repeat("[", maxJSONDepth+1) + strings.Repeat("]", maxJSONDepth+1), "nesting too deep"},
		{"malformed", "c.json", `{"http": `, "invalid JSON structure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.body)
			l := NewLoader()
			l.getenv = noEnv
			_, err := l.LoadFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoader_MissingFile(t *testing.T) {
	l := NewLoader()
	l.getenv = noEnv
	_, err := l.LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot stat config file")
}

func TestLoader_EmptyYAML(t *testing.T) {
	path := writeFile(t, "empty.yaml", "")
	l := NewLoader()
	l.getenv = noEnv
	cfg, err := l.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoader_EnvOverrides(t *testing.T) {
	env := map[string]string{
		"TRIAGE_NATS_ENABLED":    "true",
		"TRIAGE_NATS_URLS":       "nats://a:4222,nats://b:4222",
		"TRIAGE_NATS_TOKEN":      "s3cret",
		"TRIAGE_STORAGE_BACKEND": "nats",
		"TRIAGE_HTTP_PORT":       "9000",
		"TRIAGE_TIMEZONE":        "Asia/Tokyo",
	}
	l := NewLoader()
	l.getenv = func(k string) string { return env[k] }
	l.EnableValidation(true)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, BackendNATS, cfg.Storage.Backend)
	assert.Equal(t, 9000, cfg.HTTP.Port)
	assert.Equal(t, "Asia/Tokyo", cfg.Stats.Timezone)
	assert.NotContains(t, cfg.String(), "s3cret")
}

func TestLoader_EnvOverrideErrors(t *testing.T) {
	for name, env := range map[string]map[string]string{
		"not a number": {"TRIAGE_HTTP_PORT": "eighty"},
		"not a bool":   {"TRIAGE_NATS_ENABLED": "maybe"},
		"nul byte":     {"TRIAGE_LOG_LEVEL": "info\x00"},
		"too long":     {"TRIAGE_RULES_FILE": strings.Repeat("a", maxEnvVarLen+1)},
	} {
		t.Run(name, func(t *testing.T) {
			l := NewLoader()
			l.getenv = func(k string) string { return env[k] }
			_, err := l.Load()
			assert.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.Service.LogLevel = "loud" }, "service.log_level"},
		{"log format", func(c *Config) { c.Service.LogFormat = "xml" }, "service.log_format"},
		{"backend", func(c *Config) { c.Storage.Backend = "postgres" }, "storage.backend"},
		{"nats backend without nats", func(c *Config) { c.Storage.Backend = BackendNATS }, "requires nats.enabled"},
		{"sqlite path", func(c *Config) { c.Storage.Backend = BackendSQLite; c.Storage.SQLitePath = "" }, "sqlite_path"},
		{"prediction url", func(c *Config) { c.RCA.Prediction.Enabled = true }, "base_url"},
		{"trend days", func(c *Config) { c.Stats.TrendDays = 0 }, "trend_days"},
		{"timezone", func(c *Config) { c.Stats.Timezone = "Mars/Olympus" }, "stats.timezone"},
		{"port", func(c *Config) { c.HTTP.Port = 70000 }, "http.port"},
		{"metrics port clash", func(c *Config) { c.Metrics.Port = c.HTTP.Port }, "must differ"},
		{"metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
		{"workers", func(c *Config) { c.Pipeline.Workers = -1 }, "pipeline.workers"},
		{"circuit threshold", func(c *Config) { c.NATS.CircuitBreakerThreshold = -1 }, "circuit_breaker_threshold"},
		{"drain timeout", func(c *Config) { c.NATS.DrainTimeout = -time.Second }, "nats.drain_timeout"},
		{"kv retries", func(c *Config) { c.Storage.KVMaxRetries = -1 }, "storage.kv_max_retries"},
		{"tls without cert", func(c *Config) { c.HTTP.TLS.Enabled = true }, "http.tls requires cert_file"},
		{"tls client cert without CA", func(c *Config) {
			c.HTTP.TLS = tlsutil.ServerConfig{Enabled: true, CertFile: "c.pem", KeyFile: "k.pem", RequireClientCert: true}
		}, "client_ca_files"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Stats.TrendDays = 0
	cfg.HTTP.Port = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trend_days")
	assert.Contains(t, err.Error(), "http.port")
}

func TestLocation(t *testing.T) {
	cfg := Defaults()
	cfg.Stats.Timezone = ""
	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)
}
