package document

import (
	"fmt"
	"os"
	"strings"
)

// Load reads a document file: YAML frontmatter plus a markdown body.
//
// The body conversion here is deliberately minimal (headings, paragraphs,
// {expr} interpolation): enough to drive the runtime from plain files.
// TODO: swap in the component-tag parser once it can emit this node tree.
func Load(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("load document: %w", err)
	}

	fm, body, err := SplitFrontmatter(data)
	if err != nil {
		return Document{}, err
	}

	return Document{Frontmatter: fm, Body: parseBody(body)}, nil
}

// parseBody converts markdown lines to nodes: "#"-prefixed headings,
// blank-line-separated paragraphs, expression interpolation in braces.
func parseBody(body string) []Node {
	var nodes []Node
	var para []Node

	flush := func() {
		if len(para) > 0 {
			nodes = append(nodes, Paragraph(para...))
			para = nil
		}
	}

	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}
		if level := headingLevel(trimmed); level > 0 {
			flush()
			text := strings.TrimSpace(trimmed[level:])
			nodes = append(nodes, Heading(level, interpolate(text)...))
			continue
		}
		if len(para) > 0 {
			para = append(para, Text(" "))
		}
		para = append(para, interpolate(trimmed)...)
	}
	flush()
	return nodes
}

func headingLevel(line string) int {
	level := 0
	for level < len(line) && line[level] == '#' && level < 6 {
		level++
	}
	if level == 0 || level >= len(line) || line[level] != ' ' {
		return 0
	}
	return level
}

// interpolate splits a line into text and expression leaves: an opening
// brace starts an expression that runs to the next closing brace. Braces
// do not nest; expression syntax has no use for them.
func interpolate(line string) []Node {
	var out []Node
	for {
		open := strings.IndexByte(line, '{')
		if open < 0 {
			break
		}
		end := strings.IndexByte(line[open:], '}')
		if end < 0 {
			break
		}
		if open > 0 {
			out = append(out, Text(line[:open]))
		}
		out = append(out, Expr(strings.TrimSpace(line[open+1:open+end])))
		line = line[open+end+1:]
	}
	if line != "" {
		out = append(out, Text(line))
	}
	return out
}
