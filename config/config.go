package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/c360/triage/errors"
	"github.com/c360/triage/pkg/tlsutil"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendNATS   = "nats"
)

// Config is the complete service configuration.
type Config struct {
	Service  ServiceConfig  `json:"service"`
	NATS     NATSConfig     `json:"nats"`
	Storage  StorageConfig  `json:"storage"`
	Pipeline PipelineConfig `json:"pipeline"`
	RCA      RCAConfig      `json:"rca"`
	Stats    StatsConfig    `json:"stats"`
	HTTP     HTTPConfig     `json:"http"`
	Metrics  MetricsConfig  `json:"metrics"`
	Fanout   FanoutConfig   `json:"fanout"`
}

// ServiceConfig names the process and its logging.
type ServiceConfig struct {
	Name      string `json:"name"`
	LogLevel  string `json:"log_level"`  // debug, info, warn, error
	LogFormat string `json:"log_format"` // json, text
}

// NATSConfig controls the optional NATS connection. When disabled, fanout
// stays in-process and the NATS ingestion consumer does not run.
type NATSConfig struct {
	Enabled       bool          `json:"enabled"`
	URLs          []string      `json:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	IngestSubject string        `json:"ingest_subject,omitempty"`
	NotifySubject string        `json:"notify_subject,omitempty"`

	// Close waits this long for in-flight messages.
	DrainTimeout time.Duration `json:"drain_timeout,omitempty"`
	// Consecutive connect failures that open the circuit breaker, and the
	// cap on its backoff.
	CircuitBreakerThreshold int32         `json:"circuit_breaker_threshold,omitempty"`
	MaxBackoff              time.Duration `json:"max_backoff,omitempty"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend      string `json:"backend"`
	SQLitePath   string `json:"sqlite_path,omitempty"`
	ConfigBucket string `json:"config_bucket,omitempty"`
	RunBucket    string `json:"run_bucket,omitempty"`
	Replicas     int    `json:"replicas,omitempty"`

	KVTimeout    time.Duration `json:"kv_timeout,omitempty"`     // per KV operation
	KVMaxRetries int           `json:"kv_max_retries,omitempty"` // CAS conflict attempts
}

// PipelineConfig sizes the worker pool.
type PipelineConfig struct {
	Workers       int           `json:"workers"` // 0 means twice the CPU count
	QueueSize     int           `json:"queue_size"`
	ShutdownGrace time.Duration `json:"shutdown_grace"`
}

// RuleToggle enables an optional rule at a priority.
type RuleToggle struct {
	Enabled  bool `json:"enabled"`
	Priority int  `json:"priority"`
}

// PredictionConfig configures the external prediction service.
type PredictionConfig struct {
	RuleToggle
	BaseURL        string        `json:"base_url,omitempty"`
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
	ReadTimeout    time.Duration `json:"read_timeout,omitempty"`

	TLS tlsutil.ClientConfig `json:"tls,omitempty"`
}

// RCAConfig selects the optional rules.
type RCAConfig struct {
	FailedStep RuleToggle       `json:"failed_step"`
	Prediction PredictionConfig `json:"prediction"`
	RulesFile  string           `json:"rules_file,omitempty"`
}

// StatsConfig shapes statistics snapshots.
type StatsConfig struct {
	TrendDays int    `json:"trend_days"`
	Timezone  string `json:"timezone"`
}

// HTTPConfig configures the API gateway.
type HTTPConfig struct {
	Port            int           `json:"port"`
	RateLimit       float64       `json:"rate_limit"` // events per second, 0 disables
	Burst           int           `json:"burst"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`

	TLS tlsutil.ServerConfig `json:"tls,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// FanoutConfig tunes real-time delivery.
type FanoutConfig struct {
	SubscriberBuffer int           `json:"subscriber_buffer"`
	PingInterval     time.Duration `json:"ping_interval"`
}

// Defaults returns the configuration used before any layer is applied.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{Name: "triage", LogLevel: "info", LogFormat: "json"},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			Timeout:       5 * time.Second,
			IngestSubject: "triage.events.ingest",
			NotifySubject: "triage.notifications.failure",

			DrainTimeout:            10 * time.Second,
			CircuitBreakerThreshold: 5,
			MaxBackoff:              time.Minute,
		},
		Storage: StorageConfig{
			Backend:      BackendMemory,
			SQLitePath:   "data/triage.db",
			ConfigBucket: "TRIAGE_CONFIGS",
			RunBucket:    "TRIAGE_RUNS",
			Replicas:     1,
			KVTimeout:    5 * time.Second,
			KVMaxRetries: 10,
		},
		Pipeline: PipelineConfig{QueueSize: 512, ShutdownGrace: 30 * time.Second},
		RCA: RCAConfig{
			FailedStep: RuleToggle{Priority: 5},
			Prediction: PredictionConfig{
				RuleToggle:     RuleToggle{Priority: 1},
				ConnectTimeout: 5 * time.Second,
				ReadTimeout:    10 * time.Second,
			},
		},
		Stats:   StatsConfig{TrendDays: 30, Timezone: "UTC"},
		HTTP:    HTTPConfig{Port: 8080, RateLimit: 200, Burst: 400, ShutdownTimeout: 10 * time.Second},
		Metrics: MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
		Fanout:  FanoutConfig{SubscriberBuffer: 64, PingInterval: 30 * time.Second},
	}
}

// Location resolves Stats.Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Stats.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Stats.Timezone)
}

// Validate reports every problem found, joined into one invalid error.
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) { problems = append(problems, fmt.Errorf(format, args...)) }

	switch strings.ToLower(c.Service.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("service.log_level %q is not one of debug, info, warn, error", c.Service.LogLevel)
	}
	switch c.Service.LogFormat {
	case "json", "text":
	default:
		add("service.log_format %q is not json or text", c.Service.LogFormat)
	}

	if c.NATS.Enabled && len(c.NATS.URLs) == 0 {
		add("nats.urls is required when nats is enabled")
	}
	if c.NATS.CircuitBreakerThreshold < 0 {
		add("nats.circuit_breaker_threshold must not be negative")
	}
	if c.NATS.DrainTimeout < 0 || c.NATS.MaxBackoff < 0 {
		add("nats.drain_timeout and nats.max_backoff must not be negative")
	}
	if c.Storage.KVTimeout < 0 || c.Storage.KVMaxRetries < 0 {
		add("storage.kv_timeout and storage.kv_max_retries must not be negative")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.SQLitePath == "" {
			add("storage.sqlite_path is required for the sqlite backend")
		}
	case BackendNATS:
		if !c.NATS.Enabled {
			add("storage.backend nats requires nats.enabled")
		}
	default:
		add("storage.backend %q is not one of memory, sqlite, nats", c.Storage.Backend)
	}

	if c.Pipeline.Workers < 0 {
		add("pipeline.workers must not be negative")
	}
	if c.Pipeline.QueueSize < 0 {
		add("pipeline.queue_size must not be negative")
	}
	if c.Pipeline.ShutdownGrace < 0 {
		add("pipeline.shutdown_grace must not be negative")
	}

	if c.RCA.Prediction.Enabled && strings.TrimSpace(c.RCA.Prediction.BaseURL) == "" {
		add("rca.prediction.base_url is required when prediction is enabled")
	}

	if c.Stats.TrendDays < 1 {
		add("stats.trend_days must be at least 1")
	}
	if _, err := c.Location(); err != nil {
		add("stats.timezone: %v", err)
	}

	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		add("http.port %d out of range", c.HTTP.Port)
	}
	if c.HTTP.RateLimit < 0 {
		add("http.rate_limit must not be negative")
	}
	if t := c.HTTP.TLS; t.Enabled {
		if t.CertFile == "" || t.KeyFile == "" {
			add("http.tls requires cert_file and key_file")
		}
		if t.RequireClientCert && len(t.ClientCAFiles) == 0 {
			add("http.tls.require_client_cert requires client_ca_files")
		}
	}
	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			add("metrics.port %d out of range", c.Metrics.Port)
		} else if c.Metrics.Port == c.HTTP.Port {
			add("metrics.port must differ from http.port")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			add("metrics.path must start with /")
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, stderrors.Join(problems...)),
		"Config", "Validate", "validate configuration")
}

// String renders the configuration as JSON with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.NATS.Password != "" {
		masked.NATS.Password = "****"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "****"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}
