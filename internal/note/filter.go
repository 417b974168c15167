package note

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Filter is a declarative request descriptor. Authors may contain template
// expressions (e.g. "user.pubkey") that are resolved against the runtime
// context when the filter is compiled. A compiled filter is immutable.
type Filter struct {
	Kinds   []int               `yaml:"kinds,omitempty" json:"kinds,omitempty"`
	Authors []string            `yaml:"authors,omitempty" json:"authors,omitempty"`
	IDs     []string            `yaml:"ids,omitempty" json:"ids,omitempty"`
	Tags    map[string][]string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Since   int64               `yaml:"since,omitempty" json:"since,omitempty"`
	Until   int64               `yaml:"until,omitempty" json:"until,omitempty"`
	Limit   int                 `yaml:"limit,omitempty" json:"limit,omitempty"`
}

// Resolver evaluates a template expression against the current context.
// Satisfied by pipe.Evaluator via an adapter in the subscription manager.
type Resolver func(expr string) (string, error)

var hexKeyRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Compile resolves template authors in the filter and returns an immutable
// copy ready to send to a data source. A literal 64-char hex author passes
// through; anything else is treated as an expression. Authors whose
// expression fails to resolve are dropped rather than failing the filter,
// matching the degrade-don't-crash policy for remote data.
func (f Filter) Compile(resolve Resolver) (Filter, error) {
	out := f
	if len(f.Authors) > 0 {
		authors := make([]string, 0, len(f.Authors))
		for _, a := range f.Authors {
			if hexKeyRe.MatchString(a) {
				authors = append(authors, a)
				continue
			}
			if resolve == nil {
				return Filter{}, fmt.Errorf("author %q is a template but no resolver was supplied", a)
			}
			v, err := resolve(a)
			if err != nil || v == "" {
				continue
			}
			authors = append(authors, v)
		}
		out.Authors = authors
	}
	// Copy mutable fields so the compiled filter cannot alias caller state.
	out.Kinds = slicesClone(f.Kinds)
	out.IDs = slicesClone(f.IDs)
	if f.Tags != nil {
		out.Tags = make(map[string][]string, len(f.Tags))
		for k, v := range f.Tags {
			out.Tags[k] = slicesClone(v)
		}
	}
	return out, nil
}

// Matches reports whether a record satisfies the filter. Used by tests and
// the in-memory source; relays apply the same semantics server-side.
func (f Filter) Matches(r Record) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, r.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, r.PubKey) {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, r.ID) {
		return false
	}
	if f.Since > 0 && r.CreatedAt < f.Since {
		return false
	}
	if f.Until > 0 && r.CreatedAt > f.Until {
		return false
	}
	for name, wanted := range f.Tags {
		name = strings.TrimPrefix(name, "#")
		if !slices.Contains(wanted, r.TagValue(name)) {
			return false
		}
	}
	return true
}

// AddressKey is the canonical dedup key for one-shot loads:
// "kind:pubkey:identifier". Two requests with the same key refer to the
// same logical resource.
func AddressKey(kind int, pubkey, identifier string) string {
	return strconv.Itoa(kind) + ":" + pubkey + ":" + identifier
}

// ProfileKey returns the address key for an author's profile record.
func ProfileKey(pubkey string) string {
	return AddressKey(0, pubkey, "")
}

// ParseAddressKey splits an address key back into its fields.
func ParseAddressKey(key string) (kind int, pubkey, identifier string, err error) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 {
		return 0, "", "", fmt.Errorf("malformed address key %q", key)
	}
	kind, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", "", fmt.Errorf("malformed kind in address key %q: %w", key, err)
	}
	return kind, parts[1], parts[2], nil
}

// AddressFilter builds the one-shot filter for an address key. The
// identifier, when present, constrains the "d" tag.
func AddressFilter(key string) (Filter, error) {
	kind, pubkey, identifier, err := ParseAddressKey(key)
	if err != nil {
		return Filter{}, err
	}
	f := Filter{Kinds: []int{kind}, Authors: []string{pubkey}}
	if identifier != "" {
		f.Tags = map[string][]string{"d": {identifier}}
	}
	return f, nil
}

func slicesClone[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}
