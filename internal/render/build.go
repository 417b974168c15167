// Package render builds the concrete node sequence for a single pass:
// iteration nodes expand to one instance per source item, conditionals
// resolve to exactly one branch, and expression leaves stay unevaluated
// (the reconciler evaluates them lazily against each position's context).
package render

import (
	"log/slog"

	"github.com/roach88/hnmd/internal/document"
	"github.com/roach88/hnmd/internal/pipe"
)

// BuiltNode is one concrete position in the tree to be mounted: the
// structural node plus the context its expression leaves evaluate in.
//
// Children carries the built subtree, with conditionals already resolved.
// For iteration nodes, Children holds the per-item instances; those are
// keyed by source position and diffed independently, one level down.
// Node.Children (the raw template) is never consulted after building.
type BuiltNode struct {
	Node     document.Node
	Ctx      *pipe.Context
	Children []BuiltNode
}

// IsEach reports whether this position is an iteration scope.
func (b BuiltNode) IsEach() bool {
	return b.Node.Kind == document.KindEach
}

// Builder expands a static node tree against a query snapshot and local
// bindings. Build is a pure function of its inputs: no side effects,
// deterministic for an identical snapshot and context.
type Builder struct {
	ev     pipe.Evaluator
	logger *slog.Logger
}

// NewBuilder creates a builder using ev for iteration-source and
// condition expressions.
func NewBuilder(ev pipe.Evaluator, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{ev: ev, logger: logger}
}

// Build produces the concrete ordered sequence for nodes under ctx.
func (b *Builder) Build(nodes []document.Node, ctx *pipe.Context) []BuiltNode {
	out := make([]BuiltNode, 0, len(nodes))
	for _, n := range nodes {
		switch n.Kind {
		case document.KindEach:
			out = append(out, b.buildEach(n, ctx))

		case document.KindIf:
			// The chosen branch is spliced into the parent sequence, so a
			// condition flip shifts positions and diffs as replacement.
			branch := n.Children
			if !b.truthy(n.Expr, ctx) {
				branch = n.Else
			}
			out = append(out, b.Build(branch, ctx)...)

		default:
			built := BuiltNode{Node: n, Ctx: ctx}
			if len(n.Children) > 0 {
				built.Children = b.Build(n.Children, ctx)
			}
			out = append(out, built)
		}
	}
	return out
}

// buildEach expands an iteration node: one instance per source item, each
// instance a container over the built body with the binding in scope.
// Instances are keyed by source position, not item identity; reordering
// the source is indistinguishable from content replacement.
func (b *Builder) buildEach(n document.Node, ctx *pipe.Context) BuiltNode {
	built := BuiltNode{Node: n, Ctx: ctx}

	src, err := ctx.Eval(b.ev, n.Expr)
	if err != nil {
		b.logger.Warn("render: iteration source failed",
			slog.String("source", n.Expr),
			slog.String("error", err.Error()),
		)
		return built
	}

	items, ok := src.([]any)
	if !ok {
		if src != nil {
			b.logger.Warn("render: iteration source is not an array", slog.String("source", n.Expr))
		}
		return built
	}

	built.Children = make([]BuiltNode, 0, len(items))
	for _, item := range items {
		itemCtx := ctx.WithLocal(n.Binding, item)
		instance := BuiltNode{
			Node:     document.Node{Kind: document.KindVStack},
			Ctx:      itemCtx,
			Children: b.Build(n.Children, itemCtx),
		}
		built.Children = append(built.Children, instance)
	}
	return built
}

// truthy resolves a condition expression. Only null and false are falsy,
// matching the expression language. A failed condition is contained: it
// logs and selects the else branch.
func (b *Builder) truthy(expr string, ctx *pipe.Context) bool {
	v, err := ctx.Eval(b.ev, expr)
	if err != nil {
		b.logger.Warn("render: condition failed",
			slog.String("condition", expr),
			slog.String("error", err.Error()),
		)
		return false
	}
	if v == nil {
		return false
	}
	if bv, ok := v.(bool); ok {
		return bv
	}
	return true
}
