package runtime

import (
	"strings"

	"github.com/roach88/hnmd/internal/document"
)

// Validate checks a document's structural integrity before any rendering:
// every pipe input and every iteration source addressing the query
// namespace must name a declared query, and every interactive node must
// reference a declared action. Violations are fatal at startup.
func Validate(doc document.Document) error {
	declared := doc.Frontmatter.QueryIDs()

	for id, p := range doc.Frontmatter.Pipes {
		if p.From != "" && !declared[p.From] {
			return unknownQuery("pipe "+id, p.From)
		}
	}

	return validateNodes(doc, doc.Body)
}

func validateNodes(doc document.Document, nodes []document.Node) error {
	for _, n := range nodes {
		switch n.Kind {
		case document.KindEach:
			if id, ok := queryRef(n.Expr); ok && !doc.Frontmatter.QueryIDs()[id] {
				return unknownQuery("iteration source", id)
			}
		case document.KindButton:
			if n.Action != "" {
				if _, ok := doc.Frontmatter.Actions[n.Action]; !ok {
					return &Error{
						Code:    ErrCodeUnknownQuery,
						Message: "button references undeclared action " + n.Action,
					}
				}
			}
		}
		if err := validateNodes(doc, n.Children); err != nil {
			return err
		}
		if err := validateNodes(doc, n.Else); err != nil {
			return err
		}
	}
	return nil
}

// queryRef extracts the query id from an expression of the form
// "queries.<id>..." (with or without a leading dot). Expressions that
// don't address the query namespace validate trivially; they resolve to
// empty at render time.
func queryRef(expr string) (string, bool) {
	expr = strings.TrimPrefix(strings.TrimSpace(expr), ".")
	expr = strings.TrimPrefix(expr, "$.")
	if !strings.HasPrefix(expr, "queries.") {
		return "", false
	}
	rest := expr[len("queries."):]
	if i := strings.IndexAny(rest, ".[|"); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}
