// Package note defines the record model shared by the loader, query store,
// and subscription manager: relay events, declarative filters, and the
// canonical address keys used for load deduplication.
package note

import (
	"slices"
	"strings"
)

// Record is a relay event. The runtime never interprets Content; it keys
// records by ID, orders them by CreatedAt, and exposes them to expressions
// as plain JSON-shaped values.
type Record struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Content   string     `json:"content"`
	Tags      [][]string `json:"tags"`
	Sig       string     `json:"sig"`
}

// ToValue converts the record to a JSON-shaped value for expression
// evaluation. Tags become nested []any so path expressions can index them.
func (r Record) ToValue() map[string]any {
	tags := make([]any, len(r.Tags))
	for i, t := range r.Tags {
		tag := make([]any, len(t))
		for j, s := range t {
			tag[j] = s
		}
		tags[i] = tag
	}
	return map[string]any{
		"id":         r.ID,
		"pubkey":     r.PubKey,
		"created_at": r.CreatedAt,
		"kind":       r.Kind,
		"content":    r.Content,
		"tags":       tags,
		"sig":        r.Sig,
	}
}

// TagValue returns the first value of the named tag, or "" if absent.
// For a tag ["d", "profile"], TagValue("d") returns "profile".
func (r Record) TagValue(name string) string {
	for _, t := range r.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}

// Compare orders records newest-first by CreatedAt, ties broken by ID
// ascending. This is the canonical feed order: deterministic regardless of
// network arrival order, which positional diffing depends on.
func Compare(a, b Record) int {
	if a.CreatedAt != b.CreatedAt {
		if a.CreatedAt > b.CreatedAt {
			return -1
		}
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

// SortFeed sorts records in place into canonical feed order.
func SortFeed(records []Record) {
	slices.SortFunc(records, Compare)
}

// Newer reports whether a supersedes b for the same logical address
// (replaceable records keep the newest by CreatedAt; ID breaks ties so the
// outcome is deterministic for concurrent writers).
func Newer(a, b Record) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID < b.ID
}
