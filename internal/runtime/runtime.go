// Package runtime wires the loader cache, query store, subscription
// manager, snapshot builder, and reconciliation engine into one pipeline.
//
// Concurrency model: many data tasks (subscriptions, batched loads) run
// concurrently and serialize through the store and cache; exactly one
// render goroutine consumes coalesced change signals, takes an atomic
// snapshot, and diffs synchronously. Failures inside the loop are logged
// and contained; the loop never aborts on remote data.
package runtime

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ohler55/ojg"
	"github.com/ohler55/ojg/oj"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/hnmd/internal/document"
	"github.com/roach88/hnmd/internal/loader"
	"github.com/roach88/hnmd/internal/note"
	"github.com/roach88/hnmd/internal/pipe"
	"github.com/roach88/hnmd/internal/query"
	"github.com/roach88/hnmd/internal/reconcile"
	"github.com/roach88/hnmd/internal/render"
	"github.com/roach88/hnmd/internal/subscription"
)

// Applier consumes the ordered edit-operation list produced by each
// render pass. Implemented by the widget layer; ops arrive in an order
// that keeps indexed insert/remove valid when applied sequentially.
type Applier interface {
	Apply(ops []reconcile.Op)
}

// Runtime owns one document's reactive pipeline.
type Runtime struct {
	source  subscription.Source
	applier Applier
	logger  *slog.Logger

	store   *query.Store
	cache   *loader.Cache
	manager *subscription.Manager
	ev      pipe.Evaluator
	builder *render.Builder
	engine  *reconcile.Engine

	loads []subscription.LoadSpec

	mu     sync.Mutex
	doc    document.Document
	rctx   *pipe.Context
	arena  *reconcile.Arena
	reload chan struct{}
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLoads overrides the derived load dependencies.
func WithLoads(loads []subscription.LoadSpec) Option {
	return func(r *Runtime) { r.loads = loads }
}

// WithEvaluator substitutes the expression evaluator (tests use fakes).
func WithEvaluator(ev pipe.Evaluator) Option {
	return func(r *Runtime) { r.ev = ev }
}

// New validates the document and assembles the pipeline. An undeclared
// query reference fails here, before anything renders.
func New(doc document.Document, source subscription.Source, applier Applier, logger *slog.Logger, opts ...Option) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := Validate(doc); err != nil {
		return nil, err
	}

	r := &Runtime{
		source:  source,
		applier: applier,
		logger:  logger,
		store:   query.NewStore(logger),
		cache:   loader.New(logger),
		ev:      pipe.NewPathEvaluator(),
		doc:     doc,
		arena:   reconcile.NewArena(),
		reload:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.builder = render.NewBuilder(r.ev, logger)
	r.engine = reconcile.NewEngine(r.ev, logger)

	r.rctx = pipe.NewContext()
	for k, v := range doc.Frontmatter.State {
		r.rctx.State[k] = v
	}

	if r.loads == nil {
		// Default dependency: a profile per distinct author of every raw
		// query, accumulated into the shared "profiles" query.
		for id := range doc.Frontmatter.Filters {
			r.loads = append(r.loads, subscription.ProfileLoads(id))
		}
	}

	r.manager = subscription.NewManager(source, r.store, r.cache, logger,
		subscription.WithResolver(r.resolver()),
	)
	return r, nil
}

// Store exposes the query store (tests and diagnostics).
func (r *Runtime) Store() *query.Store { return r.store }

// Cache exposes the loader cache (tests and diagnostics).
func (r *Runtime) Cache() *loader.Cache { return r.cache }

// Run starts the data tasks and the render loop, blocking until ctx is
// cancelled. The first render happens immediately so static content is
// visible before any remote data arrives.
func (r *Runtime) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	changed := r.store.Changed()

	g.Go(func() error {
		r.mu.Lock()
		filters := r.doc.Frontmatter.Filters
		r.mu.Unlock()
		return r.manager.Run(gctx, filters, r.loads)
	})

	g.Go(func() error {
		r.renderPass()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-changed:
				r.renderPass()
			case <-r.reload:
				r.renderPass()
			}
		}
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Reload swaps in a freshly parsed document (hot reload). The retained
// arena survives, so the next pass diffs the new tree against the
// mounted one exactly as it would for a data update.
func (r *Runtime) Reload(doc document.Document) error {
	if err := Validate(doc); err != nil {
		return err
	}
	r.mu.Lock()
	r.doc = doc
	for k, v := range doc.Frontmatter.State {
		if _, ok := r.rctx.State[k]; !ok {
			r.rctx.State[k] = v
		}
	}
	r.mu.Unlock()

	select {
	case r.reload <- struct{}{}:
	default:
	}
	r.logger.Info("runtime: document reloaded")
	return nil
}

// SetState mutates one document-state value and triggers a pass.
func (r *Runtime) SetState(key string, value any) {
	r.mu.Lock()
	r.rctx.State[key] = value
	r.mu.Unlock()
	select {
	case r.reload <- struct{}{}:
	default:
	}
}

// Activate resolves an action template against the current context and
// returns the record draft to publish. The content expression evaluates
// at activation time; signing and transport belong to the widget layer
// (records are structurally opaque here). Runs on the widget side,
// concurrently with the render loop, so it carries its own evaluator.
func (r *Runtime) Activate(name string) (note.Record, error) {
	r.mu.Lock()
	act, ok := r.doc.Frontmatter.Actions[name]
	input := r.rctx.ToValue()
	r.mu.Unlock()
	if !ok {
		return note.Record{}, &Error{
			Code:    ErrCodeUnknownQuery,
			Message: "activation references undeclared action " + name,
		}
	}

	v, err := pipe.NewPathEvaluator().Evaluate(act.Content, input)
	if err != nil {
		return note.Record{}, &Error{
			Code:    ErrCodeEval,
			Message: "action content failed to evaluate",
			Expr:    act.Content,
			Err:     err,
		}
	}

	var content string
	switch val := v.(type) {
	case nil:
	case string:
		content = val
	default:
		content = oj.JSON(val, &ojg.Options{Sort: true})
	}

	tags := make([][]string, len(act.Tags))
	for i, t := range act.Tags {
		tags[i] = append([]string(nil), t...)
	}
	return note.Record{
		Kind:      act.Kind,
		Content:   content,
		Tags:      tags,
		CreatedAt: time.Now().Unix(),
	}, nil
}

// renderPass is the single-threaded render step: recompute pipes, take a
// snapshot, build the concrete sequence, diff, and hand the ops to the
// widget layer.
func (r *Runtime) renderPass() {
	r.mu.Lock()
	doc := r.doc
	rctx := r.rctx.Clone()
	arena := r.arena
	r.mu.Unlock()

	// Derived queries recompute in deterministic (sorted) order; a
	// failure leaves the prior value in place.
	pipeIDs := make([]string, 0, len(doc.Frontmatter.Pipes))
	for id := range doc.Frontmatter.Pipes {
		pipeIDs = append(pipeIDs, id)
	}
	slices.Sort(pipeIDs)
	for _, id := range pipeIDs {
		if err := r.store.RecomputeDerived(id, doc.Frontmatter.Pipes[id].Expr, r.ev); err != nil {
			r.logger.Warn("runtime: pipe recompute failed",
				slog.String("pipe", id),
				slog.String("error", err.Error()),
			)
		}
	}

	rctx.Queries = r.store.ContextValue()

	built := r.builder.Build(doc.Body, rctx)
	ops, next := r.engine.Reconcile(arena, built)

	r.mu.Lock()
	r.arena = next
	r.mu.Unlock()

	if r.applier != nil {
		r.applier.Apply(ops)
	}
	r.logger.Debug("runtime: pass complete", slog.Int("positions", len(built)))
}

// resolver adapts the evaluator for filter template authors: the
// expression evaluates against the current context and must produce a
// string. It carries its own evaluator instance because it runs on the
// data side, concurrently with the render loop's.
func (r *Runtime) resolver() note.Resolver {
	ev := pipe.NewPathEvaluator()
	return func(expr string) (string, error) {
		r.mu.Lock()
		input := r.rctx.ToValue()
		r.mu.Unlock()
		v, err := ev.Evaluate(expr, input)
		if err != nil {
			return "", err
		}
		s, ok := v.(string)
		if !ok {
			return "", &Error{Code: ErrCodeEval, Message: "author template must evaluate to a string", Expr: expr}
		}
		return s, nil
	}
}
