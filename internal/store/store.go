// Package store persists worker instances, probe jobs, and probe results in
// SQLite. The batching result writer lives in writer.go.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Worker instance statuses.
const (
	InstanceStarting = "starting"
	InstanceRunning  = "running"
	InstanceStopping = "stopping"
	InstanceStopped  = "stopped"
	InstanceError    = "error"
)

const maxPageSize = 200

// Instance is one worker process registration.
type Instance struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Host          string     `json:"host"`
	PID           int        `json:"pid"`
	Version       string     `json:"version"`
	Environment   string     `json:"environment"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	ConfigBlob    string     `json:"config_blob,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
}

// JobRecord is the durable mirror of one probe job.
type JobRecord struct {
	ID            string     `json:"id"`
	InstanceID    string     `json:"instance_id"`
	Kind          string     `json:"kind"`
	Name          string     `json:"name"`
	Status        string     `json:"status"`
	Priority      int        `json:"priority"`
	ScheduledAt   time.Time  `json:"scheduled_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DurationMS    *int64     `json:"duration_ms,omitempty"`
	ResultStatus  string     `json:"result_status,omitempty"`
	ResultMessage string     `json:"result_message,omitempty"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
}

// ResultRecord is one immutable probe result row.
type ResultRecord struct {
	ID            string            `json:"id"`
	JobID         string            `json:"job_id"`
	TargetID      string            `json:"target_id"`
	QueryID       string            `json:"query_id,omitempty"`
	TargetName    string            `json:"target_name"`
	QueryName     string            `json:"query_name,omitempty"`
	Status        string            `json:"status"`
	Message       string            `json:"message"`
	RawValue      string            `json:"raw_value,omitempty"`
	DurationMS    int64             `json:"duration_ms"`
	Provider      string            `json:"provider,omitempty"`
	Environment   string            `json:"environment,omitempty"`
	ServerVersion string            `json:"server_version,omitempty"`
	DatabaseName  string            `json:"database_name,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
	Timestamp     time.Time         `json:"ts"`
}

// MetricRow is one append-only metric sample.
type MetricRow struct {
	InstanceID string    `json:"instance_id"`
	Kind       string    `json:"kind"`
	Name       string    `json:"name"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	Tags       string    `json:"tags,omitempty"`
	Timestamp  time.Time `json:"ts"`
}

// ResultFilter selects result rows for listing. PageSize is capped at 200.
type ResultFilter struct {
	Target      string
	Query       string
	Status      string
	Environment string
	Since       *time.Time
	Until       *time.Time
	Page        int
	PageSize    int
}

// ErrNotFound is returned for lookups of absent rows.
var ErrNotFound = errors.New("not found")

// retriableErr marks a store failure worth retrying (lock contention,
// timeouts). Everything else is permanent for the current batch.
type retriableErr struct{ err error }

func (e retriableErr) Error() string { return e.err.Error() }
func (e retriableErr) Unwrap() error { return e.err }

// IsRetriable reports whether a store error may succeed on retry.
func IsRetriable(err error) bool {
	var re retriableErr
	return errors.As(err, &re)
}

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "locked") ||
		strings.Contains(msg, "interrupted") {
		return retriableErr{err: err}
	}
	return err
}

// Store persists worker state in SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New opens (or creates) the worker database.
func New(dbPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open worker db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, logger: logger}, nil
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS worker_instances (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL,
			host           TEXT NOT NULL,
			pid            INTEGER NOT NULL,
			version        TEXT NOT NULL DEFAULT '',
			env            TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL,
			started_at     TEXT NOT NULL,
			stopped_at     TEXT,
			last_heartbeat TEXT NOT NULL,
			config_blob    TEXT NOT NULL DEFAULT '',
			tags           TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE TABLE IF NOT EXISTS worker_jobs (
			id             TEXT PRIMARY KEY,
			instance_id    TEXT NOT NULL,
			kind           TEXT NOT NULL,
			name           TEXT NOT NULL,
			status         TEXT NOT NULL,
			priority       INTEGER NOT NULL DEFAULT 5,
			scheduled_at   TEXT NOT NULL,
			started_at     TEXT,
			completed_at   TEXT,
			duration_ms    INTEGER,
			result_status  TEXT,
			result_message TEXT,
			retry_count    INTEGER NOT NULL DEFAULT 0,
			max_retries    INTEGER NOT NULL DEFAULT 0,
			next_retry_at  TEXT,
			FOREIGN KEY(instance_id) REFERENCES worker_instances(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS probe_results (
			id             TEXT PRIMARY KEY,
			job_id         TEXT NOT NULL,
			target_id      TEXT NOT NULL,
			query_id       TEXT,
			target_name    TEXT NOT NULL,
			query_name     TEXT,
			status         TEXT NOT NULL,
			message        TEXT NOT NULL DEFAULT '',
			raw_value      TEXT,
			duration_ms    INTEGER NOT NULL,
			provider       TEXT NOT NULL DEFAULT '',
			environment    TEXT NOT NULL DEFAULT '',
			server_version TEXT,
			database_name  TEXT,
			details_blob   TEXT NOT NULL DEFAULT '{}',
			ts             TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS worker_metrics (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			kind        TEXT NOT NULL,
			name        TEXT NOT NULL,
			value       REAL NOT NULL,
			unit        TEXT,
			tags        TEXT NOT NULL DEFAULT '',
			ts          TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_probe_results_ts ON probe_results(ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_probe_results_target_ts ON probe_results(target_id, ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_worker_jobs_instance ON worker_jobs(instance_id, scheduled_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_worker_metrics_instance_ts ON worker_metrics(instance_id, ts DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RegisterInstance inserts the instance row at startup.
func (s *Store) RegisterInstance(inst Instance) error {
	tags, _ := json.Marshal(inst.Tags)
	_, err := s.db.Exec(
		`INSERT INTO worker_instances
			(id, name, host, pid, version, env, status, started_at, last_heartbeat, config_blob, tags)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.Name, inst.Host, inst.PID, inst.Version, inst.Environment,
		inst.Status, fmtTime(inst.StartedAt), fmtTime(inst.LastHeartbeat), inst.ConfigBlob, string(tags),
	)
	return classifyErr(err)
}

// UpdateInstanceStatus transitions the instance row. stoppedAt is set only on
// terminal transitions.
func (s *Store) UpdateInstanceStatus(id, status string, stoppedAt *time.Time) error {
	var err error
	if stoppedAt != nil {
		_, err = s.db.Exec(
			`UPDATE worker_instances SET status = ?, stopped_at = ? WHERE id = ?`,
			status, fmtTime(*stoppedAt), id,
		)
	} else {
		_, err = s.db.Exec(`UPDATE worker_instances SET status = ? WHERE id = ?`, status, id)
	}
	return classifyErr(err)
}

// Heartbeat advances last_heartbeat. Monotonic: an older timestamp is ignored.
func (s *Store) Heartbeat(id string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE worker_instances SET last_heartbeat = ? WHERE id = ? AND last_heartbeat <= ?`,
		fmtTime(at), id, fmtTime(at),
	)
	return classifyErr(err)
}

// GetInstance returns one instance row.
func (s *Store) GetInstance(id string) (*Instance, error) {
	row := s.db.QueryRow(
		`SELECT id, name, host, pid, version, env, status, started_at, stopped_at, last_heartbeat, config_blob, tags
		 FROM worker_instances WHERE id = ?`, id)

	var inst Instance
	var started, heartbeat string
	var stopped sql.NullString
	var tags string
	err := row.Scan(&inst.ID, &inst.Name, &inst.Host, &inst.PID, &inst.Version, &inst.Environment,
		&inst.Status, &started, &stopped, &heartbeat, &inst.ConfigBlob, &tags)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyErr(err)
	}
	inst.StartedAt = parseTime(started)
	inst.LastHeartbeat = parseTime(heartbeat)
	if stopped.Valid {
		t := parseTime(stopped.String)
		inst.StoppedAt = &t
	}
	_ = json.Unmarshal([]byte(tags), &inst.Tags)
	return &inst, nil
}

// WriteJobState upserts the durable mirror of a job.
func (s *Store) WriteJobState(job JobRecord) error {
	return classifyErr(s.writeJobTx(s.db, job))
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *Store) writeJobTx(ex execer, job JobRecord) error {
	_, err := ex.Exec(
		`INSERT INTO worker_jobs
			(id, instance_id, kind, name, status, priority, scheduled_at, started_at, completed_at,
			 duration_ms, result_status, result_message, retry_count, max_retries, next_retry_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			result_status = excluded.result_status,
			result_message = excluded.result_message,
			retry_count = excluded.retry_count,
			next_retry_at = excluded.next_retry_at`,
		job.ID, job.InstanceID, job.Kind, job.Name, job.Status, job.Priority,
		fmtTime(job.ScheduledAt), fmtTimePtr(job.StartedAt), fmtTimePtr(job.CompletedAt),
		job.DurationMS, nullStr(job.ResultStatus), nullStr(job.ResultMessage),
		job.RetryCount, job.MaxRetries, fmtTimePtr(job.NextRetryAt),
	)
	return err
}

// GetJob returns one job row.
func (s *Store) GetJob(id string) (*JobRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, instance_id, kind, name, status, priority, scheduled_at, started_at, completed_at,
			duration_ms, result_status, result_message, retry_count, max_retries, next_retry_at
		 FROM worker_jobs WHERE id = ?`, id)

	var job JobRecord
	var scheduled string
	var started, completed, nextRetry, resultStatus, resultMessage sql.NullString
	var durationMS sql.NullInt64
	err := row.Scan(&job.ID, &job.InstanceID, &job.Kind, &job.Name, &job.Status, &job.Priority,
		&scheduled, &started, &completed, &durationMS, &resultStatus, &resultMessage,
		&job.RetryCount, &job.MaxRetries, &nextRetry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classifyErr(err)
	}
	job.ScheduledAt = parseTime(scheduled)
	job.StartedAt = parseTimePtr(started)
	job.CompletedAt = parseTimePtr(completed)
	job.NextRetryAt = parseTimePtr(nextRetry)
	if durationMS.Valid {
		job.DurationMS = &durationMS.Int64
	}
	job.ResultStatus = resultStatus.String
	job.ResultMessage = resultMessage.String
	return &job, nil
}

// Batch is one unit of durable work: an optional result row plus the owning
// job's terminal state, applied in a single transaction per batch.
type Entry struct {
	Result *ResultRecord `json:"result,omitempty"`
	Job    *JobRecord    `json:"job,omitempty"`
}

// AppendBatch applies entries atomically. Re-applying the same batch is safe:
// result inserts are keyed on their UUID and ignored when present.
func (s *Store) AppendBatch(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return classifyErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		if e.Result != nil {
			details, _ := json.Marshal(e.Result.Details)
			if _, err := tx.Exec(
				`INSERT OR IGNORE INTO probe_results
					(id, job_id, target_id, query_id, target_name, query_name, status, message,
					 raw_value, duration_ms, provider, environment, server_version, database_name, details_blob, ts)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.Result.ID, e.Result.JobID, e.Result.TargetID, nullStr(e.Result.QueryID),
				e.Result.TargetName, nullStr(e.Result.QueryName), e.Result.Status, e.Result.Message,
				nullStr(e.Result.RawValue), e.Result.DurationMS, e.Result.Provider, e.Result.Environment,
				nullStr(e.Result.ServerVersion), nullStr(e.Result.DatabaseName), string(details),
				fmtTime(e.Result.Timestamp),
			); err != nil {
				return classifyErr(err)
			}
		}
		if e.Job != nil {
			if err := s.writeJobTx(tx, *e.Job); err != nil {
				return classifyErr(err)
			}
		}
	}
	return classifyErr(tx.Commit())
}

// ReadResults lists result rows matching the filter, newest first.
func (s *Store) ReadResults(filter ResultFilter) ([]ResultRecord, error) {
	var where []string
	var args []any
	if filter.Target != "" {
		where = append(where, "target_name = ?")
		args = append(args, filter.Target)
	}
	if filter.Query != "" {
		where = append(where, "query_name = ?")
		args = append(args, filter.Query)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Environment != "" {
		where = append(where, "environment = ?")
		args = append(args, filter.Environment)
	}
	if filter.Since != nil {
		where = append(where, "ts >= ?")
		args = append(args, fmtTime(*filter.Since))
	}
	if filter.Until != nil {
		where = append(where, "ts <= ?")
		args = append(args, fmtTime(*filter.Until))
	}

	query := `SELECT id, job_id, target_id, query_id, target_name, query_name, status, message,
		raw_value, duration_ms, provider, environment, server_version, database_name, details_blob, ts
		FROM probe_results`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC LIMIT ? OFFSET ?"

	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filter.Page
	if page < 0 {
		page = 0
	}
	args = append(args, pageSize, page*pageSize)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	var out []ResultRecord
	for rows.Next() {
		var r ResultRecord
		var queryID, queryName, rawValue, serverVersion, databaseName sql.NullString
		var details, ts string
		if err := rows.Scan(&r.ID, &r.JobID, &r.TargetID, &queryID, &r.TargetName, &queryName,
			&r.Status, &r.Message, &rawValue, &r.DurationMS, &r.Provider, &r.Environment,
			&serverVersion, &databaseName, &details, &ts); err != nil {
			return nil, classifyErr(err)
		}
		r.QueryID = queryID.String
		r.QueryName = queryName.String
		r.RawValue = rawValue.String
		r.ServerVersion = serverVersion.String
		r.DatabaseName = databaseName.String
		r.Timestamp = parseTime(ts)
		_ = json.Unmarshal([]byte(details), &r.Details)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendMetrics writes append-only metric samples.
func (s *Store) AppendMetrics(rows []MetricRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return classifyErr(err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, m := range rows {
		if _, err := tx.Exec(
			`INSERT INTO worker_metrics (instance_id, kind, name, value, unit, tags, ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.InstanceID, m.Kind, m.Name, m.Value, nullStr(m.Unit), m.Tags, fmtTime(m.Timestamp),
		); err != nil {
			return classifyErr(err)
		}
	}
	return classifyErr(tx.Commit())
}

// PruneOlderThan removes jobs, results, and metrics older than the retention
// window. Instances are kept; they are few and useful for audit.
func (s *Store) PruneOlderThan(retention time.Duration) error {
	cutoff := fmtTime(time.Now().UTC().Add(-retention))
	for _, stmt := range []string{
		`DELETE FROM probe_results WHERE ts < ?`,
		`DELETE FROM worker_jobs WHERE scheduled_at < ? AND status IN ('completed', 'failed', 'cancelled')`,
		`DELETE FROM worker_metrics WHERE ts < ?`,
	} {
		if _, err := s.db.Exec(stmt, cutoff); err != nil {
			return classifyErr(err)
		}
	}
	return nil
}

// timeLayout is fixed-width (nanoseconds zero-padded) so the TEXT columns
// string-sort in timestamp order; RFC3339Nano trims trailing zeros and breaks
// ORDER BY for sub-second values.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
