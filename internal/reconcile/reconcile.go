// Package reconcile computes the minimal edit sequence between the
// previously mounted node sequence and a newly built one. The diff is
// purely positional: positions are compared by index, iteration
// expansions are diffed independently one level down, and there is no
// cross-index identity tracking. Removing the head of a list therefore
// rebuilds every surviving position; that cost is accepted for the
// simpler semantics.
package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/ohler55/ojg"
	"github.com/ohler55/ojg/oj"

	"github.com/roach88/hnmd/internal/document"
	"github.com/roach88/hnmd/internal/pipe"
	"github.com/roach88/hnmd/internal/render"
)

// OpKind classifies an edit operation.
type OpKind int

const (
	// OpKeep leaves the mounted widget untouched.
	OpKeep OpKind = iota + 1
	// OpRebuild replaces the widget at Index with one built from Node.
	OpRebuild
	// OpAdd mounts a new widget at Index.
	OpAdd
	// OpRemove unmounts the widget at Index. Removals are emitted after
	// the per-index ops, highest index first, so earlier indices stay
	// valid while the widget layer applies them in order.
	OpRemove
)

func (k OpKind) String() string {
	switch k {
	case OpKeep:
		return "keep"
	case OpRebuild:
		return "rebuild"
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	default:
		return fmt.Sprintf("opkind(%d)", int(k))
	}
}

// Op is one edit operation, indexed against the widget layer's mounted
// children at the same scope. For an iteration position, Children holds
// the ops for the expanded instances. For any other position, Children
// holds one op per iteration block nested in its subtree (document
// order), each carrying that block's expansion ops: nested blocks are
// diffed independently, never as part of the enclosing unit.
type Op struct {
	Kind     OpKind
	Index    int
	Node     document.Node
	Err      error
	Children []Op
}

// State is the retained record for one live position: the built subtree
// it was last mounted from, its generation, and the combined hash of its
// expression-leaf values. Expansion holds the nested arena when the
// position itself is an iteration block; Nested holds one arena per
// iteration block inside the subtree, paired by document order.
type State struct {
	Built      render.BuiltNode
	Generation uint64
	ExprHash   string
	HasHash    bool
	Expansion  *Arena
	Nested     []*Arena
}

// Arena tracks the positions of one list scope. Generations grows as the
// list grows and never shrinks, so a position that disappears and later
// reappears resumes its old counter.
type Arena struct {
	States      []State
	Generations []uint64
}

// NewArena returns an empty arena (nothing mounted yet).
func NewArena() *Arena {
	return &Arena{}
}

// Engine evaluates expression leaves during classification. It is a pure
// transformation: (old arena, new sequence) -> (ops, new arena); neither
// input is mutated.
type Engine struct {
	ev     pipe.Evaluator
	logger *slog.Logger
}

// NewEngine creates a reconciliation engine using ev for expression
// leaves.
func NewEngine(ev pipe.Evaluator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{ev: ev, logger: logger}
}

// Reconcile diffs next against the arena's retained states and returns
// the edit ops plus the arena to retain for the following pass.
func (e *Engine) Reconcile(old *Arena, next []render.BuiltNode) ([]Op, *Arena) {
	if old == nil {
		old = NewArena()
	}

	generations := make([]uint64, max(len(old.Generations), len(next)))
	copy(generations, old.Generations)

	states := make([]State, 0, len(next))
	ops := make([]Op, 0, len(next))

	for i, bn := range next {
		if i >= len(old.States) {
			op, st := e.add(i, bn, generations[i])
			ops = append(ops, op)
			states = append(states, st)
			continue
		}
		op, st := e.classify(i, old.States[i], bn, generations)
		ops = append(ops, op)
		states = append(states, st)
	}

	// Tail removals, highest index first, after per-index classification.
	for i := len(old.States) - 1; i >= len(next); i-- {
		ops = append(ops, Op{Kind: OpRemove, Index: i})
	}

	return ops, &Arena{States: states, Generations: generations}
}

// add mounts a brand-new position. Its expression hash is computed up
// front so an unchanged value keeps the position on the next pass.
func (e *Engine) add(i int, bn render.BuiltNode, gen uint64) (Op, State) {
	st := State{Built: bn, Generation: gen}
	op := Op{Kind: OpAdd, Index: i, Node: bn.Node}

	if bn.IsEach() {
		childOps, childArena := e.Reconcile(nil, bn.Children)
		st.Expansion = childArena
		op.Children = childOps
		return op, st
	}

	op.Children, st.Nested = e.mountNested(bn)

	if leaves := exprLeaves(bn, nil); len(leaves) > 0 {
		hash, err := e.hashLeaves(leaves)
		if err != nil {
			op.Err = err
		} else {
			st.ExprHash = hash
			st.HasHash = true
		}
	}
	return op, st
}

// classify compares one surviving position.
func (e *Engine) classify(i int, old State, bn render.BuiltNode, generations []uint64) (Op, State) {
	// An iteration position keeps its block identity as long as the
	// template is unchanged; the expansion is diffed one level down
	// rather than as a unit.
	if bn.IsEach() && old.Built.IsEach() && eachTemplateEqual(old.Built.Node, bn.Node) {
		childOps, childArena := e.Reconcile(old.Expansion, bn.Children)
		st := State{Built: bn, Generation: old.Generation, Expansion: childArena}
		return Op{Kind: OpKeep, Index: i, Children: childOps}, st
	}

	// An iteration position whose template changed is a replacement; its
	// expansion remounts from scratch.
	if bn.IsEach() {
		generations[i]++
		childOps, childArena := e.Reconcile(nil, bn.Children)
		st := State{Built: bn, Generation: generations[i], Expansion: childArena}
		return Op{Kind: OpRebuild, Index: i, Node: bn.Node, Children: childOps}, st
	}

	structEq := builtEqual(old.Built, bn)
	leaves := exprLeaves(bn, nil)

	if !structEq {
		generations[i]++
		nestedOps, nested := e.mountNested(bn)
		st := State{Built: bn, Generation: generations[i], Nested: nested}
		op := Op{Kind: OpRebuild, Index: i, Node: bn.Node, Children: nestedOps}
		if len(leaves) > 0 {
			if hash, err := e.hashLeaves(leaves); err == nil {
				st.ExprHash = hash
				st.HasHash = true
			}
		}
		return op, st
	}

	// Structure unchanged: the position is kept or rebuilt by its own
	// leaf values alone. Nested iteration blocks pair 1:1 with the old
	// state's arenas and are diffed independently either way.
	if len(leaves) > 0 {
		hash, err := e.hashLeaves(leaves)
		if err != nil {
			// Conservatively treat an evaluation failure as a changed
			// value. No hash is retained, so the position stays rebuilt
			// (and visibly marked) until the expression recovers.
			e.logger.Warn("reconcile: expression failed",
				slog.Int("index", i),
				slog.String("error", err.Error()),
			)
			generations[i]++
			nestedOps, nested := e.mountNested(bn)
			st := State{Built: bn, Generation: generations[i], Nested: nested}
			return Op{Kind: OpRebuild, Index: i, Node: bn.Node, Err: err, Children: nestedOps}, st
		}
		if old.HasHash && old.ExprHash == hash {
			nestedOps, nested := e.diffNested(old.Nested, bn)
			st := State{Built: bn, Generation: old.Generation, ExprHash: hash, HasHash: true, Nested: nested}
			return Op{Kind: OpKeep, Index: i, Children: nestedOps}, st
		}
		generations[i]++
		nestedOps, nested := e.mountNested(bn)
		st := State{Built: bn, Generation: generations[i], ExprHash: hash, HasHash: true, Nested: nested}
		return Op{Kind: OpRebuild, Index: i, Node: bn.Node, Children: nestedOps}, st
	}

	nestedOps, nested := e.diffNested(old.Nested, bn)
	st := State{Built: bn, Generation: old.Generation, Nested: nested}
	return Op{Kind: OpKeep, Index: i, Children: nestedOps}, st
}

// mountNested seeds a fresh arena per nested iteration block in bn's
// subtree. Used when the position is mounted or rebuilt, so the widget
// layer's freshly built subtree and the retained state agree.
func (e *Engine) mountNested(bn render.BuiltNode) ([]Op, []*Arena) {
	blocks := nestedBlocks(bn)
	if len(blocks) == 0 {
		return nil, nil
	}
	ops := make([]Op, 0, len(blocks))
	arenas := make([]*Arena, 0, len(blocks))
	for j, blk := range blocks {
		childOps, arena := e.Reconcile(nil, blk.Children)
		ops = append(ops, Op{Kind: OpAdd, Index: j, Node: blk.Node, Children: childOps})
		arenas = append(arenas, arena)
	}
	return ops, arenas
}

// diffNested reconciles each nested iteration block against its retained
// arena. Blocks pair with arenas by document order; builtEqual guarantees
// the pairing is stable whenever the enclosing structure is unchanged.
func (e *Engine) diffNested(old []*Arena, bn render.BuiltNode) ([]Op, []*Arena) {
	blocks := nestedBlocks(bn)
	if len(blocks) == 0 {
		return nil, nil
	}
	ops := make([]Op, 0, len(blocks))
	arenas := make([]*Arena, 0, len(blocks))
	for j, blk := range blocks {
		var prior *Arena
		if j < len(old) {
			prior = old[j]
		}
		childOps, arena := e.Reconcile(prior, blk.Children)
		ops = append(ops, Op{Kind: OpKeep, Index: j, Node: blk.Node, Children: childOps})
		arenas = append(arenas, arena)
	}
	return ops, arenas
}

// nestedBlocks collects the iteration blocks inside a position's subtree
// in document order, without descending into their expansions: blocks
// deeper inside an expansion belong to that expansion's own states, one
// level further down.
func nestedBlocks(bn render.BuiltNode) []render.BuiltNode {
	var out []render.BuiltNode
	for _, c := range bn.Children {
		out = collectBlocks(c, out)
	}
	return out
}

func collectBlocks(bn render.BuiltNode, out []render.BuiltNode) []render.BuiltNode {
	if bn.IsEach() {
		return append(out, bn)
	}
	for _, c := range bn.Children {
		out = collectBlocks(c, out)
	}
	return out
}

// hashLeaves evaluates every expression leaf in its own context and
// combines the serialized values into one digest.
func (e *Engine) hashLeaves(leaves []leaf) (string, error) {
	h := sha256.New()
	for _, l := range leaves {
		v, err := l.ctx.Eval(e.ev, l.expr)
		if err != nil {
			return "", err
		}
		h.Write([]byte(l.expr))
		h.Write([]byte{0})
		h.Write([]byte(oj.JSON(v, &ojg.Options{Sort: true})))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type leaf struct {
	expr string
	ctx  *pipe.Context
}

// exprLeaves collects expression leaves in document order across the
// built subtree, each with the context it must evaluate in. It does not
// descend into iteration blocks: their leaves belong to the expansion
// instances, diffed independently one level down.
func exprLeaves(bn render.BuiltNode, out []leaf) []leaf {
	if bn.Node.Kind == document.KindExpr {
		return append(out, leaf{expr: bn.Node.Expr, ctx: bn.Ctx})
	}
	if bn.IsEach() {
		return out
	}
	for _, c := range bn.Children {
		out = exprLeaves(c, out)
	}
	return out
}

// builtEqual compares two built subtrees structurally: node fields plus
// built children, ignoring contexts (value changes are the hash's job).
// An iteration block's identity is its template; its expansion is not
// part of the enclosing unit, so expansion sizes may differ without
// breaking equality.
func builtEqual(a, b render.BuiltNode) bool {
	if !scalarEqual(a.Node, b.Node) {
		return false
	}
	if a.IsEach() {
		return eachTemplateEqual(a.Node, b.Node)
	}
	if len(a.Children) != len(b.Children) {
		return false
	}
	for i := range a.Children {
		if !builtEqual(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}

// scalarEqual compares the non-child fields of two nodes.
func scalarEqual(a, b document.Node) bool {
	return a.Kind == b.Kind &&
		a.Text == b.Text &&
		a.Expr == b.Expr &&
		a.Level == b.Level &&
		a.URL == b.URL &&
		a.Alt == b.Alt &&
		a.Ordered == b.Ordered &&
		a.Action == b.Action &&
		a.Name == b.Name &&
		a.Placeholder == b.Placeholder &&
		a.Binding == b.Binding
}

// eachTemplateEqual reports whether two iteration nodes share source,
// binding, and body template.
func eachTemplateEqual(a, b document.Node) bool {
	if a.Expr != b.Expr || a.Binding != b.Binding {
		return false
	}
	if len(a.Children) != len(b.Children) {
		return false
	}
	for i := range a.Children {
		if !document.Equal(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}
