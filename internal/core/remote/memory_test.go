package remote

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowcircuits/firestate/internal/core/diff"
)

type snapshotRecorder struct {
	mu   sync.Mutex
	docs []DocumentSnapshot
	cols []CollectionSnapshot
}

func (r *snapshotRecorder) onDoc(snap DocumentSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, snap)
}

func (r *snapshotRecorder) onCol(snap CollectionSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cols = append(r.cols, snap)
}

func (r *snapshotRecorder) docCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

func (r *snapshotRecorder) colCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cols)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 2*time.Millisecond)
}

func TestMemoryStore_Documents(t *testing.T) {
	ctx := context.Background()

	t.Run("Initial Snapshot Reports Absence", func(t *testing.T) {
		s := NewMemoryStore()
		rec := &snapshotRecorder{}
		unsub := s.SubscribeDocument("notes/n1", rec.onDoc, func(error) {})
		defer unsub()

		waitFor(t, func() bool { return rec.docCount() == 1 })
		require.False(t, rec.docs[0].Exists)
		require.Equal(t, "notes/n1", rec.docs[0].Path)
	})

	t.Run("Writes Arrive In Order", func(t *testing.T) {
		s := NewMemoryStore()
		rec := &snapshotRecorder{}
		unsub := s.SubscribeDocument("notes/n1", rec.onDoc, func(error) {})
		defer unsub()

		require.NoError(t, s.SetDocument(ctx, "notes/n1", diff.Value{"count": 1}))
		require.NoError(t, s.UpdateDocument(ctx, "notes/n1", map[string]diff.Node{"count": diff.Set(2)}))
		require.NoError(t, s.DeleteDocument(ctx, "notes/n1"))

		waitFor(t, func() bool { return rec.docCount() == 4 })
		require.Equal(t, diff.Value{"count": 1}, rec.docs[1].Data)
		require.Equal(t, diff.Value{"count": 2}, rec.docs[2].Data)
		require.False(t, rec.docs[3].Exists)
	})

	t.Run("Update Creates Nested Paths", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.SetDocument(ctx, "notes/n1", diff.Value{"name": "Foo"}))
		require.NoError(t, s.UpdateDocument(ctx, "notes/n1",
			map[string]diff.Node{"meta.author": diff.Set("bob")}))

		got, ok := s.Value("notes/n1")
		require.True(t, ok)
		require.Equal(t, diff.Value{"name": "Foo", "meta": diff.Value{"author": "bob"}}, got)
	})

	t.Run("Update Against A Deleted Document Fails", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.SetDocument(ctx, "notes/n1", diff.Value{"name": "Foo"}))
		require.NoError(t, s.DeleteDocument(ctx, "notes/n1"))

		err := s.UpdateDocument(ctx, "notes/n1", map[string]diff.Node{"name": diff.Set("Bar")})
		require.ErrorIs(t, err, ErrNotFound)

		_, ok := s.Value("notes/n1")
		require.False(t, ok, "failed update must not create the document")
	})

	t.Run("Unsubscribe Stops Delivery", func(t *testing.T) {
		s := NewMemoryStore()
		rec := &snapshotRecorder{}
		unsub := s.SubscribeDocument("notes/n1", rec.onDoc, func(error) {})
		waitFor(t, func() bool { return rec.docCount() == 1 })

		unsub()
		unsub() // idempotent
		require.NoError(t, s.SetDocument(ctx, "notes/n1", diff.Value{"count": 1}))
		time.Sleep(20 * time.Millisecond)
		require.Equal(t, 1, rec.docCount())
	})
}

func TestMemoryStore_Collections(t *testing.T) {
	ctx := context.Background()

	t.Run("Membership Is Sorted And Shallow", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.SetDocument(ctx, "notes/b", diff.Value{"name": "B"}))
		require.NoError(t, s.SetDocument(ctx, "notes/a", diff.Value{"name": "A"}))
		require.NoError(t, s.SetDocument(ctx, "notes/a/tags/t1", diff.Value{"tag": "x"}))
		require.NoError(t, s.SetDocument(ctx, "other/c", diff.Value{"name": "C"}))

		rec := &snapshotRecorder{}
		unsub := s.SubscribeCollection("notes", rec.onCol, func(error) {})
		defer unsub()

		waitFor(t, func() bool { return rec.colCount() == 1 })
		snap := rec.cols[0]
		require.Len(t, snap.Documents, 2)
		require.Equal(t, "a", snap.Documents[0].ID)
		require.Equal(t, "b", snap.Documents[1].ID)
	})

	t.Run("Member Writes Notify The Collection", func(t *testing.T) {
		s := NewMemoryStore()
		rec := &snapshotRecorder{}
		unsub := s.SubscribeCollection("notes", rec.onCol, func(error) {})
		defer unsub()

		require.NoError(t, s.SetDocument(ctx, "notes/a", diff.Value{"name": "A"}))
		require.NoError(t, s.DeleteDocument(ctx, "notes/a"))

		waitFor(t, func() bool { return rec.colCount() == 3 })
		require.Len(t, rec.cols[1].Documents, 1)
		require.Empty(t, rec.cols[2].Documents)
	})
}

func TestMemoryStore_Batch(t *testing.T) {
	ctx := context.Background()

	t.Run("Applies All Operations Atomically", func(t *testing.T) {
		s := NewMemoryStore()
		require.NoError(t, s.SetDocument(ctx, "notes/keep", diff.Value{"count": 1}))
		require.NoError(t, s.SetDocument(ctx, "notes/gone", diff.Value{"name": "Gone"}))

		b := s.NewBatch()
		b.Update("notes/keep", map[string]diff.Node{"count": diff.Set(2)})
		b.Set("notes/fresh", diff.Value{"name": "Fresh"})
		b.Delete("notes/gone")
		require.NoError(t, b.Commit(ctx))

		keep, _ := s.Value("notes/keep")
		require.Equal(t, diff.Value{"count": 2}, keep)
		fresh, _ := s.Value("notes/fresh")
		require.Equal(t, diff.Value{"name": "Fresh"}, fresh)
		_, ok := s.Value("notes/gone")
		require.False(t, ok)
	})

	t.Run("Invalid Update Target Aborts The Whole Batch", func(t *testing.T) {
		s := NewMemoryStore()

		b := s.NewBatch()
		b.Set("notes/fresh", diff.Value{"name": "Fresh"})
		b.Update("notes/missing", map[string]diff.Node{"count": diff.Set(1)})
		require.ErrorIs(t, b.Commit(ctx), ErrNotFound)

		_, ok := s.Value("notes/fresh")
		require.False(t, ok, "nothing from a failed batch may land")
	})
}
