package document

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/roach88/hnmd/internal/note"
)

// Pipe is a named transform: an expression applied to the full query
// context, whose result is published back into the context under the
// pipe's id.
type Pipe struct {
	From string `yaml:"from"`
	Expr string `yaml:"expr"`
}

// Action is a publish template referenced by interactive nodes. The
// runtime resolves its content expression at activation time; templates
// themselves are static configuration.
type Action struct {
	Kind    int        `yaml:"kind"`
	Content string     `yaml:"content"`
	Tags    [][]string `yaml:"tags,omitempty"`
}

// Frontmatter is the document's static configuration: continuous filters,
// derived pipes, publish actions, and initial local state.
type Frontmatter struct {
	Filters map[string]note.Filter `yaml:"filters,omitempty"`
	Pipes   map[string]Pipe        `yaml:"pipes,omitempty"`
	Actions map[string]Action      `yaml:"actions,omitempty"`
	State   map[string]any         `yaml:"state,omitempty"`
}

// Document is the parsed input to the runtime: frontmatter plus the static
// node tree. Refreshed wholesale on file change.
type Document struct {
	Frontmatter Frontmatter
	Body        []Node
}

// SplitFrontmatter separates YAML frontmatter (between leading ---
// delimiters) from the body. Content without frontmatter is all body.
func SplitFrontmatter(data []byte) (Frontmatter, string, error) {
	const delim = "---"
	var fm Frontmatter

	trimmed := bytes.TrimLeft(data, "\n\r")
	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return fm, string(data), nil
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return fm, string(data), nil
	}

	yamlPart := rest[:idx]
	body := rest[idx+len(delim)+1:]
	if err := yaml.Unmarshal(yamlPart, &fm); err != nil {
		return Frontmatter{}, "", fmt.Errorf("decode frontmatter: %w", err)
	}
	return fm, string(bytes.TrimLeft(body, "\n\r")), nil
}

// QueryIDs returns every query id the frontmatter declares: one per
// filter (raw queries) and one per pipe (derived queries).
func (f Frontmatter) QueryIDs() map[string]bool {
	ids := make(map[string]bool, len(f.Filters)+len(f.Pipes))
	for id := range f.Filters {
		ids[id] = true
	}
	for id := range f.Pipes {
		ids[id] = true
	}
	return ids
}
