package runtime

import (
	"fmt"
)

// ErrorCode categorizes runtime errors.
type ErrorCode string

const (
	// ErrCodeFetchTimeout indicates a one-shot load expired with no result.
	ErrCodeFetchTimeout ErrorCode = "FETCH_TIMEOUT"

	// ErrCodeFetchTransport indicates a network or source failure.
	ErrCodeFetchTransport ErrorCode = "FETCH_TRANSPORT"

	// ErrCodeEval indicates an expression evaluator failure.
	ErrCodeEval ErrorCode = "EVAL_ERROR"

	// ErrCodeMergeConflict indicates two records with the same identity
	// and recency but different content. Guarded against; should not
	// occur under the merge rule.
	ErrCodeMergeConflict ErrorCode = "MERGE_CONFLICT"

	// ErrCodeUnknownQuery indicates a pipe or node references a query id
	// that was never declared. Fatal at startup, before any rendering.
	ErrCodeUnknownQuery ErrorCode = "UNKNOWN_QUERY_REFERENCE"
)

// Error is a structured runtime error. Fetch and evaluator errors are
// contained at their point of use; only ErrCodeUnknownQuery aborts the
// pipeline, and only before the first render.
type Error struct {
	Code    ErrorCode
	Message string
	Query   string
	Expr    string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Query != "":
		return fmt.Sprintf("%s: %s (query=%s)", e.Code, e.Message, e.Query)
	case e.Expr != "":
		return fmt.Sprintf("%s: %s (expr=%s)", e.Code, e.Message, e.Expr)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// unknownQuery builds the fatal startup error for an undeclared query
// reference.
func unknownQuery(where, id string) *Error {
	return &Error{
		Code:    ErrCodeUnknownQuery,
		Message: fmt.Sprintf("%s references undeclared query %q", where, id),
		Query:   id,
	}
}
