package probe

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }

func TestClassifyHTTPAcceptable(t *testing.T) {
	target := EndpointTarget{Name: "api", URL: "http://example.test/health"}
	out := HTTPOutcome{StatusCode: 200, Reason: "OK", Elapsed: 12 * time.Millisecond}

	cls := ClassifyHTTP(out, target)
	if cls.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s", cls.Status)
	}
	if cls.Message != "HTTP 200 OK" {
		t.Fatalf("unexpected message: %q", cls.Message)
	}
}

func TestClassifyHTTPUnacceptableCode(t *testing.T) {
	target := EndpointTarget{Name: "api", AcceptStatus: []int{200, 204}}
	out := HTTPOutcome{StatusCode: 503, Reason: "Service Unavailable"}

	cls := ClassifyHTTP(out, target)
	if cls.Status != StatusCritical {
		t.Fatalf("expected critical, got %s", cls.Status)
	}
}

func TestClassifyHTTPCustomAcceptSet(t *testing.T) {
	target := EndpointTarget{Name: "redirector", AcceptStatus: []int{301}}
	cls := ClassifyHTTP(HTTPOutcome{StatusCode: 301, Reason: "Moved Permanently"}, target)
	if cls.Status != StatusHealthy {
		t.Fatalf("301 should be healthy with custom accept set, got %s", cls.Status)
	}
}

func TestClassifyHTTPTimeout(t *testing.T) {
	out := HTTPOutcome{Err: &Error{Kind: ErrKindTimeout, Err: errors.New("context deadline exceeded")}}
	cls := ClassifyHTTP(out, EndpointTarget{Name: "slow"})
	if cls.Status != StatusError {
		t.Fatalf("expected error, got %s", cls.Status)
	}
	if !strings.Contains(strings.ToLower(cls.Message), "timeout") {
		t.Fatalf("timeout message should mention timeout: %q", cls.Message)
	}
}

func TestClassifySQLExpectedValueMatch(t *testing.T) {
	out := SQLOutcome{Value: strPtr("ok")}
	query := QueryDefinition{Name: "ping", Expect: strPtr("ok"), Operator: OpEq}

	cls := ClassifySQL(out, query)
	if cls.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %s (%s)", cls.Status, cls.Message)
	}
}

func TestClassifySQLExpectedValueMismatch(t *testing.T) {
	out := SQLOutcome{Value: strPtr("degraded")}
	query := QueryDefinition{Name: "ping", Expect: strPtr("ok"), Operator: OpEq}

	cls := ClassifySQL(out, query)
	if cls.Status != StatusCritical {
		t.Fatalf("expected critical, got %s", cls.Status)
	}
}

func TestClassifySQLNumericEquality(t *testing.T) {
	// "5" and "5.0" differ as strings but match numerically.
	out := SQLOutcome{Value: strPtr("5.0")}
	query := QueryDefinition{Name: "count", Expect: strPtr("5"), Operator: OpEq}

	cls := ClassifySQL(out, query)
	if cls.Status != StatusHealthy {
		t.Fatalf("5.0 should equal 5 numerically, got %s (%s)", cls.Status, cls.Message)
	}
}

func TestClassifySQLOrderingOperators(t *testing.T) {
	cases := []struct {
		op     string
		actual string
		expect string
		want   Status
	}{
		{OpGt, "10", "5", StatusHealthy},
		{OpGt, "5", "5", StatusCritical},
		{OpGte, "5", "5", StatusHealthy},
		{OpLt, "3", "5", StatusHealthy},
		{OpLte, "6", "5", StatusCritical},
		{OpNe, "1", "0", StatusHealthy},
		{OpContains, "PostgreSQL 16.1", "PostgreSQL", StatusHealthy},
	}
	for _, tc := range cases {
		out := SQLOutcome{Value: strPtr(tc.actual)}
		query := QueryDefinition{Name: "t", Expect: strPtr(tc.expect), Operator: tc.op}
		cls := ClassifySQL(out, query)
		if cls.Status != tc.want {
			t.Errorf("%s %s %s: expected %s, got %s", tc.actual, tc.op, tc.expect, tc.want, cls.Status)
		}
	}
}

func TestClassifySQLOrderingRequiresNumeric(t *testing.T) {
	out := SQLOutcome{Value: strPtr("not-a-number")}
	query := QueryDefinition{Name: "t", Expect: strPtr("5"), Operator: OpGt}

	cls := ClassifySQL(out, query)
	if cls.Status != StatusCritical {
		t.Fatalf("non-numeric actual with ordering operator should be critical, got %s", cls.Status)
	}
}

func TestClassifySQLThresholds(t *testing.T) {
	query := QueryDefinition{Name: "lag", WarnThreshold: f64Ptr(100), CritThreshold: f64Ptr(500)}

	cases := []struct {
		value string
		want  Status
	}{
		{"50", StatusHealthy},
		{"99.9", StatusHealthy},
		{"100", StatusWarning}, // thresholds are inclusive
		{"250", StatusWarning},
		{"500", StatusCritical},
		{"9000", StatusCritical},
	}
	for _, tc := range cases {
		cls := ClassifySQL(SQLOutcome{Value: strPtr(tc.value)}, query)
		if cls.Status != tc.want {
			t.Errorf("value %s: expected %s, got %s", tc.value, tc.want, cls.Status)
		}
	}
}

func TestClassifySQLThresholdMessage(t *testing.T) {
	query := QueryDefinition{Name: "lag", CritThreshold: f64Ptr(10)}
	cls := ClassifySQL(SQLOutcome{Value: strPtr("42")}, query)
	if !strings.Contains(cls.Message, "outside expected range") {
		t.Fatalf("unexpected threshold message: %q", cls.Message)
	}
}

func TestClassifySQLInvertedThresholds(t *testing.T) {
	query := QueryDefinition{Name: "bad", WarnThreshold: f64Ptr(500), CritThreshold: f64Ptr(100)}
	cls := ClassifySQL(SQLOutcome{Value: strPtr("50")}, query)
	if cls.Status != StatusError {
		t.Fatalf("inverted thresholds should classify as error, got %s", cls.Status)
	}
}

func TestClassifySQLNullValue(t *testing.T) {
	// NULL with no expectation is healthy.
	cls := ClassifySQL(SQLOutcome{}, QueryDefinition{Name: "n"})
	if cls.Status != StatusHealthy {
		t.Fatalf("NULL without expectation should be healthy, got %s", cls.Status)
	}

	// NULL with an expectation is critical.
	cls = ClassifySQL(SQLOutcome{}, QueryDefinition{Name: "n", Expect: strPtr("1"), Operator: OpEq})
	if cls.Status != StatusCritical {
		t.Fatalf("NULL with expectation should be critical, got %s", cls.Status)
	}
}

func TestClassifySQLNonScalarKinds(t *testing.T) {
	affected := int64(3)
	cls := ClassifySQL(SQLOutcome{RowsAffected: &affected}, QueryDefinition{Name: "upd", Kind: ResultNonQuery})
	if cls.Status != StatusHealthy {
		t.Fatalf("successful nonquery should be healthy, got %s", cls.Status)
	}

	cls = ClassifySQL(SQLOutcome{Table: [][]string{{"a"}, {"b"}}}, QueryDefinition{Name: "tbl", Kind: ResultTable})
	if cls.Status != StatusHealthy {
		t.Fatalf("successful table query should be healthy, got %s", cls.Status)
	}
}

func TestClassifySQLErrorKinds(t *testing.T) {
	cases := []struct {
		kind     ErrorKind
		fragment string
	}{
		{ErrKindTimeout, "timeout"},
		{ErrKindConnect, "Connection failed"},
		{ErrKindShapeMismatch, "result shape"},
		{ErrKindExecute, "Query failed"},
	}
	for _, tc := range cases {
		out := SQLOutcome{Err: &Error{Kind: tc.kind, Err: errors.New("boom")}}
		cls := ClassifySQL(out, QueryDefinition{Name: "x"})
		if cls.Status != StatusError {
			t.Errorf("kind %s: expected error status, got %s", tc.kind, cls.Status)
		}
		if !strings.Contains(strings.ToLower(cls.Message), strings.ToLower(tc.fragment)) {
			t.Errorf("kind %s: message %q missing %q", tc.kind, cls.Message, tc.fragment)
		}
	}
}

func TestErrorKindRetriable(t *testing.T) {
	retriable := []ErrorKind{ErrKindTimeout, ErrKindTransport, ErrKindConnect, ErrKindExecute}
	for _, k := range retriable {
		if !k.Retriable() {
			t.Errorf("%s should be retriable", k)
		}
	}
	permanent := []ErrorKind{ErrKindShapeMismatch, ErrKindCancelled, ErrKindUnexpected}
	for _, k := range permanent {
		if k.Retriable() {
			t.Errorf("%s should not be retriable", k)
		}
	}
}

func TestSQLOutcomeRawValue(t *testing.T) {
	affected := int64(7)
	if got := (SQLOutcome{RowsAffected: &affected}).RawValue(); got != "7" {
		t.Fatalf("expected 7, got %q", got)
	}
	if got := (SQLOutcome{Value: strPtr("x")}).RawValue(); got != "x" {
		t.Fatalf("expected x, got %q", got)
	}
	if got := (SQLOutcome{}).RawValue(); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}
