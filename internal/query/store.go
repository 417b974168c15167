// Package query holds the authoritative, versioned result sets: raw
// queries fed by subscriptions and derived queries recomputed through the
// expression evaluator. Every observable change bumps a version counter
// and signals the render loop.
package query

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/roach88/hnmd/internal/note"
	"github.com/roach88/hnmd/internal/pipe"
)

// Query is one named, versioned result set. Raw queries carry Items in
// canonical feed order; derived queries carry the evaluator's output in
// Value. Version strictly increases whenever the content changes
// observably and never decreases.
type Query struct {
	ID      string
	Items   []note.Record
	Value   any
	Derived bool
	Version uint64
}

// Store is the only mutable shared state between the data side and the
// render side. All mutation goes through UpsertRaw and RecomputeDerived;
// readers take atomic snapshots.
type Store struct {
	mu       sync.RWMutex
	queries  map[string]*Query
	watchers []chan struct{}
	logger   *slog.Logger
}

// NewStore creates an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		queries: make(map[string]*Query),
		logger:  logger,
	}
}

// Changed registers and returns a channel that signals after any version
// bump. Each caller gets its own channel with a buffer of one, so bumps
// arriving before a consumer reacts coalesce into a single wakeup and a
// burst of updates produces a single pass over the latest snapshot.
func (s *Store) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{}, 1)
	s.watchers = append(s.watchers, ch)
	return ch
}

// UpsertRaw merges newItems into the raw query id: union by record
// identity, newest by recency on conflict, canonical feed order. The
// version bumps only if the resulting ordered sequence differs from the
// prior one. Merging is commutative and idempotent for identical inputs,
// so concurrent relay answers serialize here safely.
func (s *Store) UpsertRaw(id string, newItems []note.Record) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queries[id]
	if !ok {
		q = &Query{ID: id}
		s.queries[id] = q
	}

	byID := make(map[string]note.Record, len(q.Items)+len(newItems))
	for _, r := range q.Items {
		byID[r.ID] = r
	}
	for _, r := range newItems {
		prev, exists := byID[r.ID]
		if !exists {
			byID[r.ID] = r
			continue
		}
		if note.Newer(r, prev) {
			byID[r.ID] = r
		} else if r.CreatedAt == prev.CreatedAt && r.Content != prev.Content {
			// Same identity and recency with differing content should not
			// happen under the merge rule; keep the existing record and
			// leave a trail.
			s.logger.Warn("query: merge conflict",
				slog.String("query", id),
				slog.String("record", r.ID),
			)
		}
	}

	merged := make([]note.Record, 0, len(byID))
	for _, r := range byID {
		merged = append(merged, r)
	}
	note.SortFeed(merged)

	if !itemsEqual(q.Items, merged) {
		q.Items = merged
		q.Version++
		s.notify()
	}
	return q.Version
}

// RecomputeDerived evaluates transform against a snapshot of all queries
// and replaces the derived query's value, bumping the version if it
// changed. On evaluator failure the prior value stays in place and the
// error is returned; derived queries degrade, they never crash a render.
func (s *Store) RecomputeDerived(id, transform string, ev pipe.Evaluator) error {
	input := s.ContextValue()

	result, err := ev.Evaluate(transform, input)
	if err != nil {
		s.logger.Warn("query: derived recompute failed",
			slog.String("query", id),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("recompute %q: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queries[id]
	if !ok {
		q = &Query{ID: id, Derived: true}
		s.queries[id] = q
	}
	if !q.Derived && len(q.Items) > 0 {
		return fmt.Errorf("recompute %q: query already holds raw items", id)
	}
	q.Derived = true
	if !reflect.DeepEqual(q.Value, result) {
		q.Value = result
		q.Version++
		s.notify()
	}
	return nil
}

// Snapshot returns a read-only consistent view of every query for a
// single render pass. Item slices are copied; a later upsert cannot
// mutate a snapshot mid-pass.
func (s *Store) Snapshot() map[string]Query {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := make(map[string]Query, len(s.queries))
	for id, q := range s.queries {
		items := make([]note.Record, len(q.Items))
		copy(items, q.Items)
		snap[id] = Query{ID: q.ID, Items: items, Value: q.Value, Derived: q.Derived, Version: q.Version}
	}
	return snap
}

// ContextValue renders the store as the "queries" section of the
// expression context: raw queries as arrays of record values, derived
// queries as their computed value.
func (s *Store) ContextValue() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]any, len(s.queries))
	for id, q := range s.queries {
		if q.Derived {
			out[id] = q.Value
			continue
		}
		items := make([]any, len(q.Items))
		for i, r := range q.Items {
			items[i] = r.ToValue()
		}
		out[id] = items
	}
	return out
}

// Version returns the current version of a query, zero if undeclared.
func (s *Store) Version(id string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if q, ok := s.queries[id]; ok {
		return q.Version
	}
	return 0
}

// Items returns a copy of a raw query's items.
func (s *Store) Items(id string) []note.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queries[id]
	if !ok {
		return nil
	}
	items := make([]note.Record, len(q.Items))
	copy(items, q.Items)
	return items
}

// notify signals every watcher without blocking. Caller holds mu.
func (s *Store) notify() {
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func itemsEqual(a, b []note.Record) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].CreatedAt != b[i].CreatedAt || a[i].Content != b[i].Content {
			return false
		}
	}
	return true
}
