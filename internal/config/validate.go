package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/marcus-qen/vigil/internal/probe"
	"github.com/marcus-qen/vigil/internal/schedule"
)

const (
	minTargetTimeout = 1 * time.Second
	maxTargetTimeout = 300 * time.Second
	minSigningKeyLen = 32
)

// ValidationReport collects validation findings. Errors block the config from
// being applied; warnings do not.
type ValidationReport struct {
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Valid reports whether the configuration may be applied.
func (r ValidationReport) Valid() bool { return len(r.Errors) == 0 }

func (r ValidationReport) Error() string {
	return fmt.Sprintf("config invalid: %s", strings.Join(r.Errors, "; "))
}

func (r *ValidationReport) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ValidationReport) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate checks every invariant the core depends on. The returned report
// is complete: validation does not stop at the first error.
func Validate(cfg Config) ValidationReport {
	var report ValidationReport

	if _, err := schedule.Parse(cfg.Schedule.Cron, locationOf(cfg.Schedule.Timezone)); err != nil {
		report.errorf("schedule: %v", err)
	}
	if cfg.Schedule.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Schedule.Timezone); err != nil {
			report.errorf("schedule: unknown timezone %q", cfg.Schedule.Timezone)
		}
	}

	validateLimits(cfg.Limits, &report)

	if cfg.Auth.Enabled && len(cfg.Auth.SigningKey) < minSigningKeyLen {
		report.errorf("auth: signing key must be at least %d characters", minSigningKeyLen)
	}

	endpointNames := make(map[string]struct{}, len(cfg.Endpoints))
	for _, e := range cfg.Endpoints {
		validateEndpoint(e, endpointNames, &report)
	}

	queryNames := make(map[string]struct{}, len(cfg.Queries))
	for _, q := range cfg.Queries {
		validateQuery(q, queryNames, &report)
	}

	connNames := make(map[string]struct{}, len(cfg.Connections))
	enabledConnections := 0
	referenced := make(map[string]struct{})
	for _, c := range cfg.Connections {
		validateConnection(c, connNames, queryNames, &report)
		if c.IsEnabled() {
			enabledConnections++
		} else {
			report.warnf("connection %q is disabled", c.Name)
		}
		for _, q := range c.Queries {
			referenced[q] = struct{}{}
		}
	}

	for name := range queryNames {
		if _, ok := referenced[name]; !ok {
			report.warnf("query %q is not referenced by any connection", name)
		}
	}

	if len(cfg.Endpoints) == 0 && enabledConnections == 0 {
		report.errorf("at least one endpoint or one enabled connection is required")
	}

	return report
}

func validateLimits(l Limits, report *ValidationReport) {
	if l.MaxConcurrentHTTP < 1 {
		report.errorf("limits: max_concurrent_http must be >= 1")
	}
	if l.MaxConcurrentDB < 1 {
		report.errorf("limits: max_concurrent_db must be >= 1")
	}
	if l.HeartbeatIntervalSeconds < 1 {
		report.errorf("limits: heartbeat_interval_seconds must be >= 1")
	}
	if l.JobMaxRetries < 0 {
		report.errorf("limits: job_max_retries must be >= 0")
	}
	if l.JobRetryBaseBackoffMS < 1 {
		report.errorf("limits: job_retry_base_backoff_ms must be >= 1")
	}
	if l.DataRetentionDays < 1 {
		report.errorf("limits: data_retention_days must be >= 1")
	}
	if d := l.DefaultTimeout(); d < minTargetTimeout || d > maxTargetTimeout {
		report.errorf("limits: default_timeout_seconds must be within [1, 300]")
	}
}

func validateEndpoint(e Endpoint, seen map[string]struct{}, report *ValidationReport) {
	if e.Name == "" {
		report.errorf("endpoint with empty name")
		return
	}
	if _, dup := seen[e.Name]; dup {
		report.errorf("duplicate endpoint name %q", e.Name)
	}
	seen[e.Name] = struct{}{}

	u, err := url.Parse(e.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		report.errorf("endpoint %q: url must be absolute http(s)", e.Name)
	}
	if e.TimeoutSeconds != 0 {
		if d := time.Duration(e.TimeoutSeconds) * time.Second; d < minTargetTimeout || d > maxTargetTimeout {
			report.errorf("endpoint %q: timeout must be within [1s, 300s]", e.Name)
		}
	}
	for _, code := range e.AcceptStatus {
		if code < 100 || code > 599 {
			report.errorf("endpoint %q: invalid status code %d", e.Name, code)
		}
	}
}

func validateConnection(c Connection, seen, queries map[string]struct{}, report *ValidationReport) {
	if c.Name == "" {
		report.errorf("connection with empty name")
		return
	}
	if _, dup := seen[c.Name]; dup {
		report.errorf("duplicate connection name %q", c.Name)
	}
	seen[c.Name] = struct{}{}

	if strings.TrimSpace(c.DSN) == "" {
		report.errorf("connection %q: dsn is required", c.Name)
	}
	if _, ok := KnownProviders[c.Provider]; !ok {
		report.errorf("connection %q: unknown provider %q", c.Name, c.Provider)
	}
	for _, field := range []struct {
		name    string
		seconds int
	}{
		{"connect_timeout_seconds", c.ConnectTimeoutSeconds},
		{"command_timeout_seconds", c.CommandTimeoutSeconds},
	} {
		if field.seconds == 0 {
			continue
		}
		if d := time.Duration(field.seconds) * time.Second; d < minTargetTimeout || d > maxTargetTimeout {
			report.errorf("connection %q: %s must be within [1, 300]", c.Name, field.name)
		}
	}
	for _, q := range c.Queries {
		if _, ok := queries[q]; !ok {
			report.errorf("connection %q references unknown query %q", c.Name, q)
		}
	}
}

func validateQuery(q Query, seen map[string]struct{}, report *ValidationReport) {
	if q.Name == "" {
		report.errorf("query with empty name")
		return
	}
	if _, dup := seen[q.Name]; dup {
		report.errorf("duplicate query name %q", q.Name)
	}
	seen[q.Name] = struct{}{}

	if strings.TrimSpace(q.SQL) == "" {
		report.errorf("query %q: sql is required", q.Name)
	}
	switch probe.ResultKind(q.Kind) {
	case "", probe.ResultScalar, probe.ResultNonQuery, probe.ResultTable:
	default:
		report.errorf("query %q: unknown result kind %q", q.Name, q.Kind)
	}
	if q.WarnThreshold != nil && q.CritThreshold != nil && *q.CritThreshold <= *q.WarnThreshold {
		report.errorf("query %q: crit_threshold must be strictly greater than warn_threshold", q.Name)
	}
	if (q.Expect != nil) != (q.Operator != "") {
		report.errorf("query %q: expect and operator must be set together", q.Name)
	}
	if q.Operator != "" {
		switch q.Operator {
		case probe.OpEq, probe.OpNe, probe.OpGt, probe.OpGte, probe.OpLt, probe.OpLte, probe.OpContains:
		default:
			report.errorf("query %q: unknown operator %q", q.Name, q.Operator)
		}
	}
	if q.TimeoutSeconds != 0 {
		if d := time.Duration(q.TimeoutSeconds) * time.Second; d < minTargetTimeout || d > maxTargetTimeout {
			report.errorf("query %q: timeout must be within [1, 300]", q.Name)
		}
	}
}

func locationOf(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
