package query

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/hnmd/internal/note"
	"github.com/roach88/hnmd/internal/pipe"
)

func rec(id string, createdAt int64, content string) note.Record {
	return note.Record{ID: id, CreatedAt: createdAt, Content: content}
}

func TestUpsertRawBumpsVersionOnChange(t *testing.T) {
	s := NewStore(nil)

	v1 := s.UpsertRaw("feed", []note.Record{rec("aa", 100, "hi")})
	assert.Equal(t, uint64(1), v1)

	v2 := s.UpsertRaw("feed", []note.Record{rec("bb", 200, "yo")})
	assert.Equal(t, uint64(2), v2)
}

func TestUpsertRawIdempotent(t *testing.T) {
	s := NewStore(nil)
	batch := []note.Record{rec("aa", 100, "hi"), rec("bb", 200, "yo")}

	v1 := s.UpsertRaw("feed", batch)
	v2 := s.UpsertRaw("feed", batch)
	assert.Equal(t, v1, v2, "re-upserting identical items must not bump the version")
}

func TestUpsertRawCommutative(t *testing.T) {
	a := []note.Record{rec("aa", 100, "hi")}
	b := []note.Record{rec("bb", 200, "yo")}

	s1 := NewStore(nil)
	s1.UpsertRaw("feed", a)
	s1.UpsertRaw("feed", b)

	s2 := NewStore(nil)
	s2.UpsertRaw("feed", b)
	s2.UpsertRaw("feed", a)

	assert.Equal(t, s1.Items("feed"), s2.Items("feed"))
}

func TestUpsertRawNewestWinsOnConflict(t *testing.T) {
	s := NewStore(nil)
	s.UpsertRaw("feed", []note.Record{rec("aa", 100, "old")})
	s.UpsertRaw("feed", []note.Record{rec("aa", 200, "new")})

	items := s.Items("feed")
	require.Len(t, items, 1)
	assert.Equal(t, "new", items[0].Content)

	// A stale duplicate neither replaces nor bumps.
	v := s.Version("feed")
	assert.Equal(t, v, s.UpsertRaw("feed", []note.Record{rec("aa", 100, "old")}))
	assert.Equal(t, "new", s.Items("feed")[0].Content)
}

func TestUpsertRawKeepsFeedOrder(t *testing.T) {
	s := NewStore(nil)
	s.UpsertRaw("feed", []note.Record{rec("cc", 100, ""), rec("aa", 300, "")})
	s.UpsertRaw("feed", []note.Record{rec("bb", 200, "")})

	items := s.Items("feed")
	require.Len(t, items, 3)
	assert.Equal(t, "aa", items[0].ID)
	assert.Equal(t, "bb", items[1].ID)
	assert.Equal(t, "cc", items[2].ID)
}

func TestVersionNeverDecreases(t *testing.T) {
	s := NewStore(nil)
	var last uint64
	batches := [][]note.Record{
		{rec("aa", 100, "a")},
		{rec("aa", 100, "a")},
		{rec("bb", 200, "b")},
		{},
		{rec("aa", 150, "a2")},
	}
	for _, batch := range batches {
		v := s.UpsertRaw("feed", batch)
		assert.GreaterOrEqual(t, v, last)
		last = v
	}
}

func TestChangedCoalescesBursts(t *testing.T) {
	s := NewStore(nil)
	ch := s.Changed()

	s.UpsertRaw("feed", []note.Record{rec("aa", 100, "a")})
	s.UpsertRaw("feed", []note.Record{rec("bb", 200, "b")})
	s.UpsertRaw("feed", []note.Record{rec("cc", 300, "c")})

	// A burst of bumps leaves exactly one pending wakeup.
	select {
	case <-ch:
	default:
		t.Fatal("expected a pending change signal")
	}
	select {
	case <-ch:
		t.Fatal("burst must coalesce into one signal")
	default:
	}
}

func TestChangedNotSignalledOnNoopUpsert(t *testing.T) {
	s := NewStore(nil)
	s.UpsertRaw("feed", []note.Record{rec("aa", 100, "a")})

	ch := s.Changed()
	s.UpsertRaw("feed", []note.Record{rec("aa", 100, "a")})
	select {
	case <-ch:
		t.Fatal("identical upsert must not signal")
	default:
	}
}

func TestChangedEachWatcherGetsOwnChannel(t *testing.T) {
	s := NewStore(nil)
	a := s.Changed()
	b := s.Changed()

	s.UpsertRaw("feed", []note.Record{rec("aa", 100, "a")})
	select {
	case <-a:
	default:
		t.Fatal("first watcher missed the signal")
	}
	select {
	case <-b:
	default:
		t.Fatal("second watcher missed the signal")
	}
}

func TestRecomputeDerived(t *testing.T) {
	s := NewStore(nil)
	s.UpsertRaw("feed", []note.Record{rec("aa", 100, "hello")})
	ev := pipe.NewPathEvaluator()

	require.NoError(t, s.RecomputeDerived("first", "feed[0].content", ev))
	assert.Equal(t, uint64(1), s.Version("first"))

	snap := s.Snapshot()
	assert.True(t, snap["first"].Derived)
	assert.Equal(t, "hello", snap["first"].Value)

	// Unchanged result does not bump.
	require.NoError(t, s.RecomputeDerived("first", "feed[0].content", ev))
	assert.Equal(t, uint64(1), s.Version("first"))
}

func TestRecomputeDerivedKeepsPriorValueOnError(t *testing.T) {
	s := NewStore(nil)
	s.UpsertRaw("feed", []note.Record{rec("aa", 100, "hello")})
	ev := pipe.NewPathEvaluator()

	require.NoError(t, s.RecomputeDerived("first", "feed[0].content", ev))
	err := s.RecomputeDerived("first", "$.[", ev)
	require.Error(t, err)

	var ee *pipe.EvalError
	assert.True(t, errors.As(err, &ee))
	assert.Equal(t, "hello", s.Snapshot()["first"].Value)
	assert.Equal(t, uint64(1), s.Version("first"))
}

func TestRecomputeDerivedRejectsRawQuery(t *testing.T) {
	s := NewStore(nil)
	s.UpsertRaw("feed", []note.Record{rec("aa", 100, "hello")})

	err := s.RecomputeDerived("feed", "feed[0].content", pipe.NewPathEvaluator())
	assert.Error(t, err)
}

func TestSnapshotIsolation(t *testing.T) {
	s := NewStore(nil)
	s.UpsertRaw("feed", []note.Record{rec("aa", 100, "hi")})

	snap := s.Snapshot()
	s.UpsertRaw("feed", []note.Record{rec("bb", 200, "yo")})

	require.Len(t, snap["feed"].Items, 1)
	assert.Equal(t, "aa", snap["feed"].Items[0].ID)
	snap["feed"].Items[0].Content = "mutated"
	assert.Equal(t, "hi", s.Items("feed")[0].Content)
}

func TestContextValueShapes(t *testing.T) {
	s := NewStore(nil)
	s.UpsertRaw("feed", []note.Record{rec("aa", 100, "hi")})
	require.NoError(t, s.RecomputeDerived("first", "feed[0].content", pipe.NewPathEvaluator()))

	v := s.ContextValue()
	feed, ok := v["feed"].([]any)
	require.True(t, ok)
	require.Len(t, feed, 1)
	assert.Equal(t, "hi", feed[0].(map[string]any)["content"])
	assert.Equal(t, "hi", v["first"])
}

func TestVersionOfUndeclaredQueryIsZero(t *testing.T) {
	s := NewStore(nil)
	assert.Zero(t, s.Version("nope"))
	assert.Nil(t, s.Items("nope"))
}
