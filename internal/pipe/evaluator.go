// Package pipe adapts a path-expression engine for the two places the
// runtime evaluates expressions: named pipe transforms over query results,
// and expression leaves in the document tree.
package pipe

import (
	"fmt"
	"strings"

	"github.com/ohler55/ojg/jp"
)

// Evaluator evaluates an expression against a JSON-shaped context value.
// Pure: no side effects, deterministic for identical inputs.
type Evaluator interface {
	Evaluate(expr string, input any) (any, error)
}

// EvalError wraps an expression failure with the expression text so the
// renderer can place the error at the exact node that failed.
type EvalError struct {
	Expr string
	Err  error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("eval %q: %v", e.Expr, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

// PathEvaluator evaluates JSONPath expressions with the document syntax's
// leading-dot convention: "state.count", ".feed", and "$.feed[0].content"
// all address into the context object. Parsed paths are cached; the same
// small set of expressions is evaluated on every render pass.
type PathEvaluator struct {
	cache map[string]jp.Expr
}

// NewPathEvaluator returns an evaluator with an empty parse cache.
// Not safe for concurrent use; the render loop owns one instance.
func NewPathEvaluator() *PathEvaluator {
	return &PathEvaluator{cache: make(map[string]jp.Expr)}
}

// Evaluate resolves expr against input. A path matching a single value
// yields that value; multiple matches yield a slice; no match yields nil
// (missing data is not an error, it renders as empty).
func (p *PathEvaluator) Evaluate(expr string, input any) (any, error) {
	x, err := p.parse(expr)
	if err != nil {
		return nil, &EvalError{Expr: expr, Err: err}
	}
	results := x.Get(input)
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (p *PathEvaluator) parse(expr string) (jp.Expr, error) {
	if x, ok := p.cache[expr]; ok {
		return x, nil
	}
	x, err := jp.ParseString(Normalize(expr))
	if err != nil {
		return nil, err
	}
	p.cache[expr] = x
	return x, nil
}

// Normalize rewrites document-syntax expressions to rooted JSONPath.
// "state.count" and ".state.count" both become "$.state.count"; already
// rooted expressions pass through.
func Normalize(expr string) string {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "$") {
		return expr
	}
	expr = strings.TrimPrefix(expr, ".")
	if expr == "" {
		return "$"
	}
	return "$." + expr
}
