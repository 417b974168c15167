package document

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `---
filters:
  feed:
    kinds: [1]
    authors: ["user.pubkey"]
    limit: 20
pipes:
  first:
    from: feed
    expr: "feed[0].content"
actions:
  post:
    kind: 1
    content: "form.message"
state:
  count: 0
---

# Latest: {first}

Hello {user.name}, you have
mail.
`

func TestSplitFrontmatter(t *testing.T) {
	fm, body, err := SplitFrontmatter([]byte(sampleDoc))
	require.NoError(t, err)

	require.Contains(t, fm.Filters, "feed")
	assert.Equal(t, []int{1}, fm.Filters["feed"].Kinds)
	assert.Equal(t, []string{"user.pubkey"}, fm.Filters["feed"].Authors)
	assert.Equal(t, 20, fm.Filters["feed"].Limit)

	require.Contains(t, fm.Pipes, "first")
	assert.Equal(t, "feed", fm.Pipes["first"].From)

	require.Contains(t, fm.Actions, "post")
	assert.Equal(t, 1, fm.Actions["post"].Kind)

	assert.Equal(t, 0, fm.State["count"])
	assert.Contains(t, body, "# Latest:")
}

func TestSplitFrontmatterWithoutDelimiters(t *testing.T) {
	fm, body, err := SplitFrontmatter([]byte("# Just a body\n"))
	require.NoError(t, err)
	assert.Empty(t, fm.Filters)
	assert.Equal(t, "# Just a body\n", body)
}

func TestSplitFrontmatterBadYAML(t *testing.T) {
	_, _, err := SplitFrontmatter([]byte("---\nfilters: [not: a: map\n---\nbody"))
	assert.Error(t, err)
}

func TestFrontmatterQueryIDs(t *testing.T) {
	fm, _, err := SplitFrontmatter([]byte(sampleDoc))
	require.NoError(t, err)

	ids := fm.QueryIDs()
	assert.True(t, ids["feed"])
	assert.True(t, ids["first"])
	assert.False(t, ids["other"])
}

func TestLoadParsesHeadingsAndParagraphs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.md")
	require.NoError(t, os.WriteFile(path, []byte(sampleDoc), 0o644))

	doc, err := Load(path)
	require.NoError(t, err)
	require.Len(t, doc.Body, 2)

	h := doc.Body[0]
	assert.Equal(t, KindHeading, h.Kind)
	assert.Equal(t, 1, h.Level)
	require.Len(t, h.Children, 2)
	assert.Equal(t, Text("Latest: "), h.Children[0])
	assert.Equal(t, Expr("first"), h.Children[1])

	p := doc.Body[1]
	assert.Equal(t, KindParagraph, p.Kind)
	// "Hello {user.name}, you have" + joined continuation line.
	require.GreaterOrEqual(t, len(p.Children), 4)
	assert.Equal(t, Expr("user.name"), p.Children[1])
}

func TestInterpolate(t *testing.T) {
	nodes := interpolate("a {x} b {y.z}")
	assert.Equal(t, []Node{Text("a "), Expr("x"), Text(" b "), Expr("y.z")}, nodes)

	assert.Equal(t, []Node{Text("plain")}, interpolate("plain"))
	assert.Equal(t, []Node{Text("open { only")}, interpolate("open { only"))

	// Braces do not nest: an expression ends at the first closing brace.
	assert.Equal(t, []Node{Expr("a | {b"), Text("}")}, interpolate("{a | {b}}"))
}

func TestHeadingLevel(t *testing.T) {
	assert.Equal(t, 1, headingLevel("# one"))
	assert.Equal(t, 3, headingLevel("### three"))
	assert.Zero(t, headingLevel("#nospace"))
	assert.Zero(t, headingLevel("plain"))
}

func TestEqualStructural(t *testing.T) {
	a := Paragraph(Text("hi"), Expr("x"))
	b := Paragraph(Text("hi"), Expr("x"))
	c := Paragraph(Text("hi"), Expr("y"))

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
	assert.False(t, Equal(a, Heading(1, Text("hi"), Expr("x"))))
}

func TestEqualComparesElseBranch(t *testing.T) {
	a := If("cond", []Node{Text("then")}, []Node{Text("else")})
	b := If("cond", []Node{Text("then")}, []Node{Text("other")})
	assert.False(t, Equal(a, b))
}

func TestExprLeavesInDocumentOrder(t *testing.T) {
	n := Paragraph(Expr("a"), Text("x"), Paragraph(Expr("b")), Expr("c"))
	assert.Equal(t, []string{"a", "b", "c"}, ExprLeaves(n, nil))
}

func TestExprLeavesStopAtEachBoundary(t *testing.T) {
	n := Paragraph(
		Expr("outer"),
		Each("queries.feed", "item", Expr("item.content")),
	)
	assert.Equal(t, []string{"outer"}, ExprLeaves(n, nil))
}

func TestExprLeavesIncludeElseBranch(t *testing.T) {
	n := If("cond", []Node{Expr("a")}, []Node{Expr("b")})
	assert.Equal(t, []string{"a", "b"}, ExprLeaves(n, nil))
}

func TestContainsExpr(t *testing.T) {
	assert.True(t, ContainsExpr(Paragraph(Text("x"), Expr("a"))))
	assert.False(t, ContainsExpr(Paragraph(Text("x"))))
	assert.False(t, ContainsExpr(Each("src", "item", Expr("item"))))
}
