package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hnmd/internal/document"
	"github.com/roach88/hnmd/internal/note"
	"github.com/roach88/hnmd/internal/reconcile"
)

// stubSource serves subscriptions from pushed batches and one-shot
// fetches from a fixed record set.
type stubSource struct {
	mu      sync.Mutex
	streams []chan []note.Record
	records []note.Record
}

func (s *stubSource) Subscribe(ctx context.Context, f note.Filter) (<-chan []note.Record, error) {
	ch := make(chan []note.Record, 16)
	s.mu.Lock()
	s.streams = append(s.streams, ch)
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, c := range s.streams {
			if c == ch {
				s.streams = append(s.streams[:i], s.streams[i+1:]...)
				close(ch)
				return
			}
		}
	}()
	return ch, nil
}

func (s *stubSource) FetchOnce(ctx context.Context, f note.Filter, timeout time.Duration) ([]note.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []note.Record
	for _, r := range s.records {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *stubSource) push(batch []note.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.streams {
		ch <- batch
	}
}

// opRecorder collects every applied pass.
type opRecorder struct {
	mu     sync.Mutex
	passes [][]reconcile.Op
}

func (a *opRecorder) Apply(ops []reconcile.Op) {
	a.mu.Lock()
	defer a.mu.Unlock()
	copied := make([]reconcile.Op, len(ops))
	copy(copied, ops)
	a.passes = append(a.passes, copied)
}

func (a *opRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.passes)
}

func (a *opRecorder) last() []reconcile.Op {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.passes) == 0 {
		return nil
	}
	return a.passes[len(a.passes)-1]
}

func feedDocument() document.Document {
	return document.Document{
		Frontmatter: document.Frontmatter{
			Filters: map[string]note.Filter{"feed": {Kinds: []int{1}}},
			State:   map[string]any{"title": "Feed"},
		},
		Body: []document.Node{
			document.Heading(1, document.Expr("state.title")),
			document.Each("queries.feed", "item", document.Paragraph(document.Expr("item.content"))),
		},
	}
}

func TestNewRejectsInvalidDocument(t *testing.T) {
	doc := document.Document{
		Body: []document.Node{document.Each("queries.ghost", "item")},
	}
	_, err := New(doc, &stubSource{}, nil, nil)
	require.Error(t, err)
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeUnknownQuery, re.Code)
}

func TestRunRendersImmediatelyThenOnData(t *testing.T) {
	src := &stubSource{}
	rec := &opRecorder{}
	rt, err := New(feedDocument(), src, rec, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	// First pass mounts the static tree before any data arrives.
	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 5*time.Millisecond)
	first := rec.last()
	require.Len(t, first, 2)
	assert.Equal(t, reconcile.OpAdd, first[0].Kind)
	assert.Equal(t, reconcile.OpAdd, first[1].Kind)

	// A data batch triggers a pass whose diff adds one iteration instance.
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.streams) == 1
	}, time.Second, 5*time.Millisecond)

	src.push([]note.Record{{ID: "aa", PubKey: "p1", Kind: 1, CreatedAt: 100, Content: "hello"}})

	require.Eventually(t, func() bool {
		ops := rec.last()
		if len(ops) != 2 {
			return false
		}
		return ops[1].Kind == reconcile.OpKeep && len(ops[1].Children) == 1 &&
			ops[1].Children[0].Kind == reconcile.OpAdd
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestSetStateTriggersPass(t *testing.T) {
	src := &stubSource{}
	rec := &opRecorder{}
	rt, err := New(feedDocument(), src, rec, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = rt.Run(ctx) }()

	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 5*time.Millisecond)
	before := rec.count()

	rt.SetState("title", "Updated")
	require.Eventually(t, func() bool { return rec.count() > before }, time.Second, 5*time.Millisecond)

	ops := rec.last()
	require.Len(t, ops, 2)
	assert.Equal(t, reconcile.OpRebuild, ops[0].Kind)
	assert.Equal(t, reconcile.OpKeep, ops[1].Kind)
}

func TestReloadDiffsAgainstMountedTree(t *testing.T) {
	src := &stubSource{}
	rec := &opRecorder{}
	rt, err := New(feedDocument(), src, rec, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = rt.Run(ctx) }()
	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 5*time.Millisecond)
	before := rec.count()

	next := feedDocument()
	next.Body = append(next.Body, document.Paragraph(document.Text("footer")))
	require.NoError(t, rt.Reload(next))

	require.Eventually(t, func() bool { return rec.count() > before }, time.Second, 5*time.Millisecond)
	ops := rec.last()
	require.Len(t, ops, 3)
	assert.Equal(t, reconcile.OpKeep, ops[0].Kind)
	assert.Equal(t, reconcile.OpAdd, ops[2].Kind)
}

func TestReloadRejectsInvalidDocument(t *testing.T) {
	rt, err := New(feedDocument(), &stubSource{}, &opRecorder{}, nil)
	require.NoError(t, err)

	bad := feedDocument()
	bad.Body = append(bad.Body, document.Each("queries.ghost", "item"))
	assert.Error(t, rt.Reload(bad))
}

func TestReloadKeepsExistingStateValues(t *testing.T) {
	src := &stubSource{}
	rec := &opRecorder{}
	rt, err := New(feedDocument(), src, rec, nil)
	require.NoError(t, err)

	rt.SetState("title", "Changed")

	next := feedDocument() // frontmatter still says "Feed"
	next.Frontmatter.State["fresh"] = 42
	require.NoError(t, rt.Reload(next))

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Equal(t, "Changed", rt.rctx.State["title"])
	assert.Equal(t, 42, rt.rctx.State["fresh"])
}

func TestActivateResolvesContentAtActivationTime(t *testing.T) {
	doc := feedDocument()
	doc.Frontmatter.Actions = map[string]document.Action{
		"post": {Kind: 1, Content: "state.title", Tags: [][]string{{"t", "go"}}},
	}
	rt, err := New(doc, &stubSource{}, nil, nil)
	require.NoError(t, err)

	rt.SetState("title", "hello world")
	draft, err := rt.Activate("post")
	require.NoError(t, err)
	assert.Equal(t, 1, draft.Kind)
	assert.Equal(t, "hello world", draft.Content)
	assert.Positive(t, draft.CreatedAt)

	// The draft's tags are a copy of the template's.
	draft.Tags[0][0] = "mutated"
	again, err := rt.Activate("post")
	require.NoError(t, err)
	assert.Equal(t, "t", again.Tags[0][0])
}

func TestActivateSerializesNonStringContent(t *testing.T) {
	doc := feedDocument()
	doc.Frontmatter.State["count"] = 3
	doc.Frontmatter.Actions = map[string]document.Action{
		"post": {Kind: 1, Content: "state.count"},
	}
	rt, err := New(doc, &stubSource{}, nil, nil)
	require.NoError(t, err)

	draft, err := rt.Activate("post")
	require.NoError(t, err)
	assert.Equal(t, "3", draft.Content)
}

func TestActivateUnknownAction(t *testing.T) {
	rt, err := New(feedDocument(), &stubSource{}, nil, nil)
	require.NoError(t, err)

	_, err = rt.Activate("ghost")
	require.Error(t, err)
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeUnknownQuery, re.Code)
}

func TestActivateEvalFailure(t *testing.T) {
	doc := feedDocument()
	doc.Frontmatter.Actions = map[string]document.Action{
		"post": {Kind: 1, Content: "$.["},
	}
	rt, err := New(doc, &stubSource{}, nil, nil)
	require.NoError(t, err)

	_, err = rt.Activate("post")
	require.Error(t, err)
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeEval, re.Code)
}

func TestPipeRecomputesDuringPass(t *testing.T) {
	doc := feedDocument()
	doc.Frontmatter.Pipes = map[string]document.Pipe{
		"first": {From: "feed", Expr: "feed[0].content"},
	}
	doc.Body = append(doc.Body, document.Paragraph(document.Expr("queries.first")))

	src := &stubSource{}
	rec := &opRecorder{}
	rt, err := New(doc, src, rec, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = rt.Run(ctx) }()

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.streams) == 1
	}, time.Second, 5*time.Millisecond)

	src.push([]note.Record{{ID: "aa", PubKey: "p1", Kind: 1, CreatedAt: 100, Content: "hello"}})

	require.Eventually(t, func() bool {
		v, verr := rt.Store().Snapshot()["first"].Value.(string)
		return verr && v == "hello"
	}, time.Second, 5*time.Millisecond)
}
