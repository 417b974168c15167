// Package loader provides the deduplicating, cache-backed one-shot fetch
// layer. Many overlapping requests for the same address key collapse into
// at most one outstanding fetch; completed fetches are cached so repeat
// requests never touch the network.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/hnmd/internal/note"
)

// FetchFunc fetches a single record by address key. found=false with a nil
// error means the source completed (or timed out) with no result; that
// outcome is NOT cached, so a later load retries.
type FetchFunc func(ctx context.Context, key string) (rec note.Record, found bool, err error)

// FetchManyFunc fetches a batch of address keys in one request, returning
// whatever subset the source produced.
type FetchManyFunc func(ctx context.Context, keys []string) (map[string]note.Record, error)

// entry is a cached record. Overwritten only when a newer record (by
// recency) arrives for the same key.
type entry struct {
	record    note.Record
	fetchedAt time.Time
}

// flight is the awaitable handle for an in-flight fetch. Concurrent
// requests for the same key attach to the flight instead of fetching;
// done is closed exactly once, after the result fields are set.
type flight struct {
	done   chan struct{}
	record note.Record
	found  bool
	err    error
}

// Cache deduplicates and caches one-shot fetches keyed by address key.
//
// Invariant: a key maps to at most one cache entry and at most one flight
// at any time. All state transitions happen under mu; waiting on a flight
// happens outside it.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]entry
	inflight map[string]*flight
	now      func() time.Time
	logger   *slog.Logger
}

// New creates an empty cache.
func New(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		entries:  make(map[string]entry),
		inflight: make(map[string]*flight),
		now:      time.Now,
		logger:   logger,
	}
}

// Load returns the record for key, fetching it at most once regardless of
// how many callers ask concurrently.
//
// Resolution order: cache hit (no fetch), attach to an existing flight
// (no second fetch), or install a flight and invoke fetch. A failed fetch
// clears the flight and surfaces the error to every attached caller; the
// cache is left untouched so a later call retries.
func (c *Cache) Load(ctx context.Context, key string, fetch FetchFunc) (note.Record, bool, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return e.record, true, nil
	}
	if f, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		return c.await(ctx, f)
	}

	f := &flight{done: make(chan struct{})}
	c.inflight[key] = f
	c.mu.Unlock()

	rec, found, err := fetch(ctx, key)
	c.settle(key, f, rec, found, err)
	return f.record, f.found, f.err
}

// LoadBatch resolves a set of keys with exactly one batched fetch for the
// novel subset. Keys already cached are served locally; keys already in
// flight are awaited. The returned map is the union of everything that
// resolved to a record.
func (c *Cache) LoadBatch(ctx context.Context, keys []string, fetchMany FetchManyFunc) (map[string]note.Record, error) {
	result := make(map[string]note.Record, len(keys))
	var novel []string
	var attached []*flight
	attachedKeys := make(map[*flight]string)
	flights := make(map[string]*flight)

	c.mu.Lock()
	for _, key := range keys {
		if _, dup := flights[key]; dup {
			continue
		}
		if e, ok := c.entries[key]; ok {
			result[key] = e.record
			continue
		}
		if f, ok := c.inflight[key]; ok {
			attached = append(attached, f)
			attachedKeys[f] = key
			continue
		}
		f := &flight{done: make(chan struct{})}
		c.inflight[key] = f
		flights[key] = f
		novel = append(novel, key)
	}
	c.mu.Unlock()

	var fetchErr error
	if len(novel) > 0 {
		fetched, err := fetchMany(ctx, novel)
		fetchErr = err
		for _, key := range novel {
			rec, found := fetched[key]
			c.settle(key, flights[key], rec, found && err == nil, err)
		}
		for key, f := range flights {
			if f.found {
				result[key] = f.record
			}
		}
	}

	for _, f := range attached {
		rec, found, err := c.await(ctx, f)
		if err != nil {
			if fetchErr == nil {
				fetchErr = err
			}
			continue
		}
		if found {
			result[attachedKeys[f]] = rec
		}
	}

	if fetchErr != nil {
		return result, fmt.Errorf("batch load: %w", fetchErr)
	}
	return result, nil
}

// Invalidate drops the cache entry for key, forcing the next Load to
// refetch. A flight in progress is unaffected.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Cached reports whether key currently has a cache entry.
func (c *Cache) Cached(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Records returns a snapshot of all cached records in canonical feed
// order. Used to expose loaded profiles as a query.
func (c *Cache) Records() []note.Record {
	c.mu.Lock()
	records := make([]note.Record, 0, len(c.entries))
	for _, e := range c.entries {
		records = append(records, e.record)
	}
	c.mu.Unlock()
	note.SortFeed(records)
	return records
}

// settle publishes a flight's outcome: stores the record on success,
// clears the in-flight marker either way, and wakes all waiters.
func (c *Cache) settle(key string, f *flight, rec note.Record, found bool, err error) {
	c.mu.Lock()
	if found && err == nil {
		if e, ok := c.entries[key]; !ok || note.Newer(rec, e.record) {
			c.entries[key] = entry{record: rec, fetchedAt: c.now()}
		}
		f.record, f.found = rec, true
	}
	f.err = err
	delete(c.inflight, key)
	c.mu.Unlock()
	close(f.done)

	if err != nil {
		c.logger.Debug("loader: fetch failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// await blocks until the flight completes or the caller's context ends.
// The fetch itself is owned by the flight's originator and keeps running
// to populate the cache; a cancelled waiter just stops waiting.
func (c *Cache) await(ctx context.Context, f *flight) (note.Record, bool, error) {
	select {
	case <-f.done:
		return f.record, f.found, f.err
	case <-ctx.Done():
		return note.Record{}, false, ctx.Err()
	}
}
