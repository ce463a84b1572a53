// Package config provides configuration loading, validation, and hot reload
// for the probe worker. Sources (in priority order): env vars > config file >
// defaults. The published view is immutable; reloads swap the whole snapshot
// atomically.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/marcus-qen/vigil/internal/probe"
)

// Known SQL providers.
var KnownProviders = map[string]struct{}{
	"postgres": {},
	"mysql":    {},
	"sqlite":   {},
}

// Config holds the full worker configuration. Treat values as read-only once
// published.
type Config struct {
	// Listen address for metrics, health, and the subscriber stream (default ":8080")
	ListenAddr string `yaml:"listen_addr"`
	// Data directory for the SQLite store and spill files (default "/var/lib/vigil")
	DataDir string `yaml:"data_dir"`
	// Log level (debug, info, warn, error)
	LogLevel string `yaml:"log_level"`
	// Logical instance name; defaults to the hostname.
	InstanceName string `yaml:"instance_name,omitempty"`
	// Environment tag recorded on the instance row ("prod", "staging", ...).
	Environment string `yaml:"environment,omitempty"`

	Schedule Schedule `yaml:"schedule"`
	Limits   Limits   `yaml:"limits"`
	Auth     Auth     `yaml:"auth"`

	Endpoints   []Endpoint   `yaml:"endpoints,omitempty"`
	Connections []Connection `yaml:"connections,omitempty"`
	Queries     []Query      `yaml:"queries,omitempty"`
}

// Schedule configures the trigger.
type Schedule struct {
	// Cron is a 6-field expression (sec min hour dom mon dow).
	Cron string `yaml:"cron"`
	// Timezone defaults to UTC.
	Timezone string `yaml:"timezone,omitempty"`
}

// Limits are the recognized tuning options. Each maps to a single effect.
type Limits struct {
	DefaultTimeoutSeconds    int    `yaml:"default_timeout_seconds"`
	MaxConcurrentHTTP        int    `yaml:"max_concurrent_http"`
	MaxConcurrentDB          int    `yaml:"max_concurrent_db"`
	HeartbeatIntervalSeconds int    `yaml:"heartbeat_interval_seconds"`
	ShutdownDeadlineSeconds  int    `yaml:"shutdown_deadline_seconds"`
	JobMaxRetries            int    `yaml:"job_max_retries"`
	JobRetryBaseBackoffMS    int    `yaml:"job_retry_base_backoff_ms"`
	JobRetryMaxBackoffMS     int    `yaml:"job_retry_max_backoff_ms"`
	DataRetentionDays        int    `yaml:"data_retention_days"`
	QueueMaxDepth            int    `yaml:"queue_max_depth"`
	DeadLetterSpillPath      string `yaml:"dead_letter_spill_path,omitempty"`
}

// Auth configures the outer layer's token verification. The core only needs
// the key length invariant at validation time.
type Auth struct {
	Enabled    bool   `yaml:"enabled"`
	SigningKey string `yaml:"signing_key,omitempty"`
}

// Endpoint is the config-file shape of an HTTP target.
type Endpoint struct {
	Name           string            `yaml:"name"`
	URL            string            `yaml:"url"`
	Method         string            `yaml:"method,omitempty"`
	TimeoutSeconds int               `yaml:"timeout_seconds,omitempty"`
	AcceptStatus   []int             `yaml:"accept_status,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty"`
}

// Connection is the config-file shape of a SQL target.
type Connection struct {
	Name                  string   `yaml:"name"`
	Provider              string   `yaml:"provider"`
	DSN                   string   `yaml:"dsn"`
	Environment           string   `yaml:"environment,omitempty"`
	ConnectTimeoutSeconds int      `yaml:"connect_timeout_seconds,omitempty"`
	CommandTimeoutSeconds int      `yaml:"command_timeout_seconds,omitempty"`
	Enabled               *bool    `yaml:"enabled,omitempty"`
	Serialize             bool     `yaml:"serialize,omitempty"`
	Tags                  []string `yaml:"tags,omitempty"`
	Queries               []string `yaml:"queries,omitempty"`
}

// IsEnabled treats an absent enabled flag as true.
func (c Connection) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// Query is the config-file shape of a query definition.
type Query struct {
	Name           string   `yaml:"name"`
	SQL            string   `yaml:"sql"`
	Kind           string   `yaml:"kind,omitempty"`
	Expect         *string  `yaml:"expect,omitempty"`
	Operator       string   `yaml:"operator,omitempty"`
	WarnThreshold  *float64 `yaml:"warn_threshold,omitempty"`
	CritThreshold  *float64 `yaml:"crit_threshold,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Description    string   `yaml:"description,omitempty"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataDir:    "/var/lib/vigil",
		LogLevel:   "info",
		Schedule:   Schedule{Cron: "0 */5 * * * *", Timezone: "UTC"},
		Limits: Limits{
			DefaultTimeoutSeconds:    30,
			MaxConcurrentHTTP:        16,
			MaxConcurrentDB:          8,
			HeartbeatIntervalSeconds: 30,
			ShutdownDeadlineSeconds:  30,
			JobMaxRetries:            3,
			JobRetryBaseBackoffMS:    1000,
			JobRetryMaxBackoffMS:     60000,
			DataRetentionDays:        30,
			QueueMaxDepth:            200,
		},
	}
}

// Load reads configuration from a YAML file, then overlays environment
// variables. Validation is separate; see Validate.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("VIGIL_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("VIGIL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("VIGIL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VIGIL_INSTANCE_NAME"); v != "" {
		cfg.InstanceName = v
	}
	if v := os.Getenv("VIGIL_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("VIGIL_CRON"); v != "" {
		cfg.Schedule.Cron = v
	}
	if v := os.Getenv("VIGIL_SIGNING_KEY"); v != "" {
		cfg.Auth.SigningKey = v
	}
	if v := os.Getenv("VIGIL_AUTH"); v != "" {
		cfg.Auth.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("VIGIL_HEARTBEAT_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Limits.HeartbeatIntervalSeconds = n
		}
	}

	return cfg, nil
}

// Duration helpers — config keeps integer seconds/ms to match the option
// names; components consume durations.

func (l Limits) DefaultTimeout() time.Duration { return time.Duration(l.DefaultTimeoutSeconds) * time.Second }

func (l Limits) HeartbeatInterval() time.Duration {
	return time.Duration(l.HeartbeatIntervalSeconds) * time.Second
}

func (l Limits) ShutdownDeadline() time.Duration {
	return time.Duration(l.ShutdownDeadlineSeconds) * time.Second
}

func (l Limits) RetryBaseBackoff() time.Duration {
	return time.Duration(l.JobRetryBaseBackoffMS) * time.Millisecond
}

func (l Limits) RetryMaxBackoff() time.Duration {
	return time.Duration(l.JobRetryMaxBackoffMS) * time.Millisecond
}

func (l Limits) DataRetention() time.Duration {
	return time.Duration(l.DataRetentionDays) * 24 * time.Hour
}

// EndpointTargets converts the config section to executor targets.
func (c Config) EndpointTargets() []probe.EndpointTarget {
	out := make([]probe.EndpointTarget, 0, len(c.Endpoints))
	for _, e := range c.Endpoints {
		out = append(out, probe.EndpointTarget{
			Name:         e.Name,
			URL:          e.URL,
			Method:       e.Method,
			Timeout:      time.Duration(e.TimeoutSeconds) * time.Second,
			AcceptStatus: e.AcceptStatus,
			Headers:      e.Headers,
		})
	}
	return out
}

// ConnectionTargets converts enabled connections to executor targets.
func (c Config) ConnectionTargets() []probe.ConnectionTarget {
	out := make([]probe.ConnectionTarget, 0, len(c.Connections))
	for _, conn := range c.Connections {
		if !conn.IsEnabled() {
			continue
		}
		out = append(out, probe.ConnectionTarget{
			Name:           conn.Name,
			Driver:         conn.Provider,
			DSN:            conn.DSN,
			Environment:    conn.Environment,
			ConnectTimeout: time.Duration(conn.ConnectTimeoutSeconds) * time.Second,
			CommandTimeout: time.Duration(conn.CommandTimeoutSeconds) * time.Second,
			Enabled:        true,
			Serialize:      conn.Serialize,
			Tags:           conn.Tags,
			Queries:        conn.Queries,
		})
	}
	return out
}

// QueryByName resolves a query definition.
func (c Config) QueryByName(name string) (probe.QueryDefinition, bool) {
	for _, q := range c.Queries {
		if q.Name == name {
			return probe.QueryDefinition{
				Name:          q.Name,
				SQL:           q.SQL,
				Kind:          probe.ResultKind(q.Kind),
				Expect:        q.Expect,
				Operator:      q.Operator,
				WarnThreshold: q.WarnThreshold,
				CritThreshold: q.CritThreshold,
				Timeout:       time.Duration(q.TimeoutSeconds) * time.Second,
				Description:   q.Description,
			}, true
		}
	}
	return probe.QueryDefinition{}, false
}
