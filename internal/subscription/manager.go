// Package subscription owns the lifecycle of remote data requests: one
// continuous subscription per declared filter feeding its raw query, and
// deduplicated one-shot loads for the address keys those queries imply.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/hnmd/internal/loader"
	"github.com/roach88/hnmd/internal/note"
	"github.com/roach88/hnmd/internal/query"
)

// Source is the abstract data source: a never-ending cancellable stream
// per filter, and a batched one-shot fetch that completes or times out.
type Source interface {
	Subscribe(ctx context.Context, f note.Filter) (<-chan []note.Record, error)
	FetchOnce(ctx context.Context, f note.Filter, timeout time.Duration) ([]note.Record, error)
}

// FilterState is the lifecycle of one continuous subscription.
type FilterState int

const (
	StateOpening FilterState = iota + 1
	StateActive
	StateClosing
	StateClosed
)

func (s FilterState) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// LoadSpec declares a load dependency: for every distinct author in the
// From query, load the addressable record kind Kind (with optional d-tag
// Identifier) and publish the accumulated results as the Into query.
type LoadSpec struct {
	From       string
	Kind       int
	Identifier string
	Into       string
}

// ProfileLoads is the conventional dependency most documents want: a
// profile per feed author, exposed as the "profiles" query.
func ProfileLoads(from string) LoadSpec {
	return LoadSpec{From: from, Kind: 0, Into: "profiles"}
}

// DefaultFetchTimeout bounds one-shot loads when the caller does not
// configure one.
const DefaultFetchTimeout = 10 * time.Second

// Manager supervises the continuous filters and load dependencies of one
// document against one data source.
type Manager struct {
	source  Source
	store   *query.Store
	cache   *loader.Cache
	resolve note.Resolver
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	states    map[string]FilterState
	requested map[string]bool   // address keys already issued (never re-request)
	lastSeen  map[string]uint64 // query version at last dependency derivation
}

// Option configures a Manager.
type Option func(*Manager)

// WithFetchTimeout sets the one-shot load timeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithResolver supplies the template resolver used when compiling
// filters with expression authors.
func WithResolver(r note.Resolver) Option {
	return func(m *Manager) { m.resolve = r }
}

// NewManager wires a manager over the given source, store, and cache.
func NewManager(source Source, store *query.Store, cache *loader.Cache, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		source:    source,
		store:     store,
		cache:     cache,
		timeout:   DefaultFetchTimeout,
		logger:    logger,
		states:    make(map[string]FilterState),
		requested: make(map[string]bool),
		lastSeen:  make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run opens every declared filter and services load dependencies until
// ctx is cancelled. Cancelling closes all continuous subscriptions;
// in-flight one-shot loads complete into the cache but deliver nothing.
func (m *Manager) Run(ctx context.Context, filters map[string]note.Filter, loads []LoadSpec) error {
	g, gctx := errgroup.WithContext(ctx)

	for id, f := range filters {
		id, f := id, f
		g.Go(func() error {
			return m.runFilter(gctx, id, f)
		})
	}

	if len(loads) > 0 {
		changed := m.store.Changed()
		g.Go(func() error {
			return m.runLoads(gctx, loads, changed)
		})
	}

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// runFilter drives one continuous subscription through its lifecycle,
// merging every incoming batch into the raw query.
func (m *Manager) runFilter(ctx context.Context, id string, f note.Filter) error {
	m.setState(id, StateOpening)

	compiled, err := f.Compile(m.resolve)
	if err != nil {
		m.setState(id, StateClosed)
		return fmt.Errorf("filter %q: %w", id, err)
	}

	ch, err := m.source.Subscribe(ctx, compiled)
	if err != nil {
		m.setState(id, StateClosed)
		return fmt.Errorf("filter %q: %w", id, err)
	}
	m.setState(id, StateActive)
	m.logger.Info("subscription: active", slog.String("filter", id))

	for {
		select {
		case <-ctx.Done():
			m.setState(id, StateClosing)
			// Drain until the source closes the channel.
			for range ch {
			}
			m.setState(id, StateClosed)
			m.logger.Info("subscription: closed", slog.String("filter", id))
			return nil

		case batch, ok := <-ch:
			if !ok {
				m.setState(id, StateClosed)
				m.logger.Info("subscription: source ended", slog.String("filter", id))
				return nil
			}
			version := m.store.UpsertRaw(id, batch)
			m.logger.Debug("subscription: merged batch",
				slog.String("filter", id),
				slog.Int("records", len(batch)),
				slog.Uint64("version", version),
			)
		}
	}
}

// runLoads re-derives the dependent key sets whenever a watched query's
// version bumps and issues only the incremental batch of new keys.
func (m *Manager) runLoads(ctx context.Context, loads []LoadSpec, changed <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
		for _, spec := range loads {
			version := m.store.Version(spec.From)
			m.mu.Lock()
			seen := m.lastSeen[spec.From+"\x00"+spec.Into]
			if version == seen {
				m.mu.Unlock()
				continue
			}
			m.lastSeen[spec.From+"\x00"+spec.Into] = version
			m.mu.Unlock()

			if err := m.loadDependency(ctx, spec); err != nil {
				// Contained: a failed load leaves stale-but-present data
				// and is retried on the next version bump.
				m.logger.Warn("subscription: load dependency failed",
					slog.String("from", spec.From),
					slog.String("into", spec.Into),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// loadDependency extracts the address keys implied by the source query's
// current contents and batch-loads the ones never requested before. This
// turns "N notes from K authors" into K fetches, total, ever.
func (m *Manager) loadDependency(ctx context.Context, spec LoadSpec) error {
	var novel []string
	for _, r := range m.store.Items(spec.From) {
		key := note.AddressKey(spec.Kind, r.PubKey, spec.Identifier)
		m.mu.Lock()
		if !m.requested[key] {
			m.requested[key] = true
			novel = append(novel, key)
		}
		m.mu.Unlock()
	}
	if len(novel) == 0 {
		return nil
	}

	m.logger.Debug("subscription: loading",
		slog.String("into", spec.Into),
		slog.Int("keys", len(novel)),
	)

	_, err := m.cache.LoadBatch(ctx, novel, m.fetchMany)
	if spec.Into != "" {
		// Publish everything loaded so far, including this batch.
		m.store.UpsertRaw(spec.Into, m.cache.Records())
	}
	return err
}

// fetchMany satisfies loader.FetchManyFunc: one batched one-shot fetch
// covering all requested address keys, grouped by kind.
func (m *Manager) fetchMany(ctx context.Context, keys []string) (map[string]note.Record, error) {
	type group struct {
		kind       int
		identifier string
		authors    []string
	}
	groups := make(map[string]*group)
	for _, key := range keys {
		kind, pubkey, identifier, err := note.ParseAddressKey(key)
		if err != nil {
			return nil, err
		}
		gk := fmt.Sprintf("%d:%s", kind, identifier)
		g, ok := groups[gk]
		if !ok {
			g = &group{kind: kind, identifier: identifier}
			groups[gk] = g
		}
		g.authors = append(g.authors, pubkey)
	}

	out := make(map[string]note.Record, len(keys))
	for _, g := range groups {
		f := note.Filter{Kinds: []int{g.kind}, Authors: g.authors}
		if g.identifier != "" {
			f.Tags = map[string][]string{"d": {g.identifier}}
		}
		records, err := m.source.FetchOnce(ctx, f, m.timeout)
		if err != nil {
			return out, fmt.Errorf("fetch kind %d: %w", g.kind, err)
		}
		for _, r := range records {
			key := note.AddressKey(g.kind, r.PubKey, g.identifier)
			if prev, ok := out[key]; !ok || note.Newer(r, prev) {
				out[key] = r
			}
		}
	}
	return out, nil
}

// State returns the lifecycle state of a filter subscription.
func (m *Manager) State(id string) FilterState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id]
}

func (m *Manager) setState(id string, s FilterState) {
	m.mu.Lock()
	m.states[id] = s
	m.mu.Unlock()
}
