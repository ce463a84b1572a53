package probe

import (
	"fmt"
	"strconv"
	"strings"
)

// Classification is the output of the pure classifier: a status plus a short
// user-facing message. Messages never contain credentials.
type Classification struct {
	Status  Status
	Message string
}

// ClassifyHTTP maps a raw HTTP outcome to a status. An unacceptable status
// code classifies as critical.
func ClassifyHTTP(out HTTPOutcome, target EndpointTarget) Classification {
	if out.Err != nil {
		return Classification{Status: StatusError, Message: httpErrorMessage(out.Err)}
	}

	msg := fmt.Sprintf("HTTP %d %s", out.StatusCode, out.Reason)
	if _, ok := target.AcceptableSet()[out.StatusCode]; ok {
		return Classification{Status: StatusHealthy, Message: msg}
	}
	return Classification{Status: StatusCritical, Message: msg}
}

// ClassifySQL maps a raw SQL outcome plus query config to a status. Rules are
// evaluated in order: execution error, expected-value comparison, thresholds,
// then healthy-on-success.
func ClassifySQL(out SQLOutcome, query QueryDefinition) Classification {
	if out.Err != nil {
		return Classification{Status: StatusError, Message: sqlErrorMessage(out.Err)}
	}

	// Inverted thresholds are a config bug that validation should have
	// blocked; classify as error rather than produce nonsense.
	if query.WarnThreshold != nil && query.CritThreshold != nil && *query.CritThreshold <= *query.WarnThreshold {
		return Classification{Status: StatusError, Message: "threshold_inversion"}
	}

	kind := query.Kind
	if kind == "" {
		kind = ResultScalar
	}
	if kind != ResultScalar {
		return Classification{Status: StatusHealthy, Message: nonScalarMessage(out, kind)}
	}

	// Null scalar: healthy only when null is what was expected.
	if out.Value == nil {
		if query.Expect == nil {
			return Classification{Status: StatusHealthy, Message: "Query returned NULL"}
		}
		return Classification{Status: StatusCritical, Message: fmt.Sprintf("Query returned NULL, expected %q", *query.Expect)}
	}
	actual := *out.Value

	if query.Expect != nil {
		ok, err := compare(actual, *query.Expect, query.Operator)
		if err != nil {
			return Classification{Status: StatusCritical, Message: fmt.Sprintf("Query result not comparable: %s", actual)}
		}
		if !ok {
			return Classification{
				Status:  StatusCritical,
				Message: fmt.Sprintf("Query result mismatch: got %s, want %s %s", actual, query.Operator, *query.Expect),
			}
		}
	}

	if query.WarnThreshold != nil || query.CritThreshold != nil {
		if n, err := strconv.ParseFloat(strings.TrimSpace(actual), 64); err == nil {
			if query.CritThreshold != nil && n >= *query.CritThreshold {
				return Classification{Status: StatusCritical, Message: fmt.Sprintf("Query result outside expected range: %s", actual)}
			}
			if query.WarnThreshold != nil && n >= *query.WarnThreshold {
				return Classification{Status: StatusWarning, Message: fmt.Sprintf("Query result outside expected range: %s", actual)}
			}
		}
		// Non-numeric actual: thresholds do not apply; the expected-value
		// step above (if any) already decided.
	}

	return Classification{Status: StatusHealthy, Message: fmt.Sprintf("Query result: %s", actual)}
}

// RawValue extracts the string-encoded raw value stored with the result.
func (o SQLOutcome) RawValue() string {
	switch {
	case o.Value != nil:
		return *o.Value
	case o.RowsAffected != nil:
		return strconv.FormatInt(*o.RowsAffected, 10)
	case o.Table != nil:
		return fmt.Sprintf("%d rows", len(o.Table))
	default:
		return ""
	}
}

func nonScalarMessage(out SQLOutcome, kind ResultKind) string {
	if kind == ResultNonQuery && out.RowsAffected != nil {
		return fmt.Sprintf("Statement affected %d rows", *out.RowsAffected)
	}
	return fmt.Sprintf("Query returned %d rows", len(out.Table))
}

// compare applies the configured operator to (actual, expected). Equality and
// contains compare as strings first; ordering operators require numeric
// coercion of both sides.
func compare(actual, expected, op string) (bool, error) {
	switch op {
	case OpEq, OpNe:
		eq := actual == expected
		if !eq {
			// Distinct strings may still be numerically equal (5 vs 5.0).
			an, aerr := strconv.ParseFloat(strings.TrimSpace(actual), 64)
			en, eerr := strconv.ParseFloat(strings.TrimSpace(expected), 64)
			if aerr == nil && eerr == nil {
				eq = an == en
			}
		}
		if op == OpNe {
			return !eq, nil
		}
		return eq, nil
	case OpContains:
		return strings.Contains(actual, expected), nil
	case OpGt, OpGte, OpLt, OpLte:
		an, err := strconv.ParseFloat(strings.TrimSpace(actual), 64)
		if err != nil {
			return false, fmt.Errorf("actual %q is not numeric", actual)
		}
		en, err := strconv.ParseFloat(strings.TrimSpace(expected), 64)
		if err != nil {
			return false, fmt.Errorf("expected %q is not numeric", expected)
		}
		switch op {
		case OpGt:
			return an > en, nil
		case OpGte:
			return an >= en, nil
		case OpLt:
			return an < en, nil
		default:
			return an <= en, nil
		}
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

func httpErrorMessage(err *Error) string {
	switch err.Kind {
	case ErrKindTimeout:
		return fmt.Sprintf("Request timeout: %v", err.Err)
	case ErrKindCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Connection failed: %v", err.Err)
	}
}

func sqlErrorMessage(err *Error) string {
	switch err.Kind {
	case ErrKindTimeout:
		return fmt.Sprintf("Query timeout: %v", err.Err)
	case ErrKindConnect:
		return fmt.Sprintf("Connection failed: %v", err.Err)
	case ErrKindShapeMismatch:
		return fmt.Sprintf("Unexpected result shape: %v", err.Err)
	case ErrKindCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Query failed: %v", err.Err)
	}
}
