// Package document defines the node tree the renderer consumes: markdown
// structure plus the dynamic variants (iteration, conditional, expression
// interpolation, interactive widgets) contributed by component tags.
//
// Nodes are immutable values. Equality is structural; nothing in the
// runtime mutates a node in place.
package document

// NodeKind discriminates the Node variants.
type NodeKind int

const (
	KindText NodeKind = iota + 1
	KindHeading
	KindParagraph
	KindStrong
	KindEmphasis
	KindLink
	KindImage
	KindList
	KindListItem
	KindExpr
	KindButton
	KindInput
	KindVStack
	KindHStack
	KindGrid
	KindSpacer
	KindEach
	KindIf
	// KindError is produced by the renderer when an expression leaf fails
	// to evaluate: a visible placeholder at the exact failing position.
	KindError
)

// Node is one position in the document tree.
//
// Fields are a union over the variants; only the fields listed for a kind
// are meaningful:
//
//	Text     Text
//	Heading  Level, Children
//	Link     URL, Children
//	Image    URL, Alt
//	List     Ordered, Children (each child a ListItem)
//	Expr     Expr (opaque expression text, evaluated lazily during diff)
//	Button   Action, Children
//	Input    Name, Placeholder
//	Grid     Level (column count), Children
//	Spacer   Level (size)
//	Each     Expr (source expression), Binding, Children (body template)
//	If       Expr (condition), Children, Else
//	Error    Text (message), Expr (failing expression)
type Node struct {
	Kind        NodeKind
	Text        string
	Expr        string
	Level       int
	URL         string
	Alt         string
	Ordered     bool
	Action      string
	Name        string
	Placeholder string
	Binding     string
	Children    []Node
	Else        []Node
}

// Constructors for the common variants keep test fixtures terse.

func Text(s string) Node { return Node{Kind: KindText, Text: s} }

func Heading(level int, children ...Node) Node {
	return Node{Kind: KindHeading, Level: level, Children: children}
}

func Paragraph(children ...Node) Node { return Node{Kind: KindParagraph, Children: children} }

func Expr(expr string) Node { return Node{Kind: KindExpr, Expr: expr} }

func Each(source, binding string, body ...Node) Node {
	return Node{Kind: KindEach, Expr: source, Binding: binding, Children: body}
}

func If(cond string, then []Node, els []Node) Node {
	return Node{Kind: KindIf, Expr: cond, Children: then, Else: els}
}

func ErrorNode(expr string, msg string) Node {
	return Node{Kind: KindError, Expr: expr, Text: msg}
}

// Equal reports structural equality of two nodes, recursively through
// children and else-branches. Expression leaves compare by expression
// text; their values are compared separately during reconciliation.
func Equal(a, b Node) bool {
	if a.Kind != b.Kind ||
		a.Text != b.Text ||
		a.Expr != b.Expr ||
		a.Level != b.Level ||
		a.URL != b.URL ||
		a.Alt != b.Alt ||
		a.Ordered != b.Ordered ||
		a.Action != b.Action ||
		a.Name != b.Name ||
		a.Placeholder != b.Placeholder ||
		a.Binding != b.Binding {
		return false
	}
	return equalSlice(a.Children, b.Children) && equalSlice(a.Else, b.Else)
}

func equalSlice(a, b []Node) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// ExprLeaves appends the expression text of every expression leaf in the
// subtree rooted at n, in document order. It does not descend into Each
// bodies: expanded iteration blocks are diffed independently, one level
// down, and their leaves belong to those positions.
func ExprLeaves(n Node, out []string) []string {
	switch n.Kind {
	case KindExpr:
		return append(out, n.Expr)
	case KindEach:
		return out
	}
	for _, c := range n.Children {
		out = ExprLeaves(c, out)
	}
	for _, c := range n.Else {
		out = ExprLeaves(c, out)
	}
	return out
}

// ContainsExpr reports whether the subtree holds any expression leaves,
// with the same Each-boundary rule as ExprLeaves.
func ContainsExpr(n Node) bool {
	return len(ExprLeaves(n, nil)) > 0
}
