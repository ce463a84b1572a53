// Package probe contains the HTTP and SQL probe executors and the result
// classifier. Executors produce raw outcomes; Classify maps a raw outcome plus
// target configuration to a four-valued status and a user-facing message.
package probe

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies the probe family.
type Kind string

const (
	KindHTTP     Kind = "http"
	KindDatabase Kind = "database"
)

// Status is the classified outcome of a probe attempt.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	StatusError    Status = "error"
)

// ResultKind describes the shape a SQL query is expected to return.
type ResultKind string

const (
	ResultScalar   ResultKind = "scalar"
	ResultNonQuery ResultKind = "nonquery"
	ResultTable    ResultKind = "table"
)

// Comparison operators for scalar expectations.
const (
	OpEq       = "eq"
	OpNe       = "ne"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpContains = "contains"
)

// EndpointTarget is one configured HTTP check.
type EndpointTarget struct {
	Name         string            `json:"name"`
	URL          string            `json:"url"`
	Method       string            `json:"method,omitempty"`
	Timeout      time.Duration     `json:"timeout,omitempty"`
	AcceptStatus []int             `json:"accept_status,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// AcceptableSet returns the acceptable status codes, defaulting to {200}.
func (e EndpointTarget) AcceptableSet() map[int]struct{} {
	set := make(map[int]struct{}, len(e.AcceptStatus))
	for _, code := range e.AcceptStatus {
		set[code] = struct{}{}
	}
	if len(set) == 0 {
		set[200] = struct{}{}
	}
	return set
}

// ConnectionTarget is one configured database connection.
type ConnectionTarget struct {
	Name           string        `json:"name"`
	Driver         string        `json:"driver"`
	DSN            string        `json:"-"`
	Environment    string        `json:"environment,omitempty"`
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
	CommandTimeout time.Duration `json:"command_timeout,omitempty"`
	Enabled        bool          `json:"enabled"`
	Serialize      bool          `json:"serialize,omitempty"`
	Tags           []string      `json:"tags,omitempty"`
	Queries        []string      `json:"queries,omitempty"`
}

// QueryDefinition is one configured SQL check.
type QueryDefinition struct {
	Name          string        `json:"name"`
	SQL           string        `json:"sql"`
	Kind          ResultKind    `json:"kind,omitempty"`
	Expect        *string       `json:"expect,omitempty"`
	Operator      string        `json:"operator,omitempty"`
	WarnThreshold *float64      `json:"warn_threshold,omitempty"`
	CritThreshold *float64      `json:"crit_threshold,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
	Description   string        `json:"description,omitempty"`
	Params        []any         `json:"params,omitempty"`
}

// HTTPOutcome is the raw result of one HTTP probe.
type HTTPOutcome struct {
	StatusCode int
	Reason     string
	Elapsed    time.Duration
	Err        *Error
}

// SQLOutcome is the raw result of one SQL probe. Exactly one of Value,
// RowsAffected, or Table is populated, depending on the query's result kind.
type SQLOutcome struct {
	Value         *string
	RowsAffected  *int64
	Table         [][]string
	Columns       []string
	ServerVersion string
	DatabaseName  string
	Elapsed       time.Duration
	Err           *Error
}

// ErrorKind classifies probe failures per the error taxonomy.
type ErrorKind string

const (
	ErrKindTimeout       ErrorKind = "timeout"
	ErrKindTransport     ErrorKind = "transport"
	ErrKindConnect       ErrorKind = "connect"
	ErrKindExecute       ErrorKind = "execute"
	ErrKindShapeMismatch ErrorKind = "result_shape_mismatch"
	ErrKindCancelled     ErrorKind = "cancelled"
	ErrKindUnexpected    ErrorKind = "unexpected"
)

// Error is a classified probe failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsCancelled reports whether err is a probe cancellation (shutdown, not
// timeout). Cancelled probes emit no result.
func IsCancelled(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == ErrKindCancelled
	}
	return false
}

// Retriable reports whether a failure of this kind may succeed on retry.
// Shape mismatches are config bugs and never retried.
func (k ErrorKind) Retriable() bool {
	switch k {
	case ErrKindTimeout, ErrKindTransport, ErrKindConnect, ErrKindExecute:
		return true
	default:
		return false
	}
}
