package resource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowcircuits/firestate/internal/core/diff"
	"github.com/flowcircuits/firestate/internal/core/remote"
)

// fakeColStore scripts collection snapshots and records batches.
type fakeColStore struct {
	mu         sync.Mutex
	onSnapshot func(remote.CollectionSnapshot)
	onError    func(error)
	subscribes int

	batches   []*fakeBatch
	commitErr error
}

type fakeBatch struct {
	store     *fakeColStore
	updates   map[string]map[string]diff.Node
	sets      map[string]diff.Value
	deletes   []string
	committed bool
}

func (f *fakeColStore) SubscribeDocument(string, func(remote.DocumentSnapshot), func(error)) remote.Unsubscribe {
	return func() {}
}

func (f *fakeColStore) SubscribeCollection(_ string, onSnapshot func(remote.CollectionSnapshot), onError func(error)) remote.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes++
	f.onSnapshot = onSnapshot
	f.onError = onError
	return func() {}
}

func (f *fakeColStore) UpdateDocument(context.Context, string, map[string]diff.Node) error {
	return nil
}

func (f *fakeColStore) SetDocument(context.Context, string, diff.Value) error { return nil }

func (f *fakeColStore) DeleteDocument(context.Context, string) error { return nil }

func (f *fakeColStore) NewBatch() remote.Batch {
	return &fakeBatch{
		store:   f,
		updates: make(map[string]map[string]diff.Node),
		sets:    make(map[string]diff.Value),
	}
}

func (b *fakeBatch) Update(path string, fields map[string]diff.Node) { b.updates[path] = fields }

func (b *fakeBatch) Set(path string, value diff.Value) { b.sets[path] = value }

func (b *fakeBatch) Delete(path string) { b.deletes = append(b.deletes, path) }

func (b *fakeBatch) Commit(context.Context) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	if b.store.commitErr != nil {
		return b.store.commitErr
	}
	b.committed = true
	b.store.batches = append(b.store.batches, b)
	return nil
}

func (f *fakeColStore) deliver(snap remote.CollectionSnapshot) {
	f.mu.Lock()
	cb := f.onSnapshot
	f.mu.Unlock()
	cb(snap)
}

func (f *fakeColStore) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func colDef() Definition {
	return Definition{
		Path:           "notes",
		Debounce:       time.Hour,
		MinDisplayTime: -1,
	}
}

func TestCollection_LazyActivation(t *testing.T) {
	ctx := context.Background()

	t.Run("Inactive Until Load", func(t *testing.T) {
		fake := &fakeColStore{}
		col := NewCollection(ctx, newTestSession(), fake, colDef())
		defer col.Stop()

		require.False(t, col.IsActive())
		require.Empty(t, col.Current())
		require.Equal(t, StatusUnsubscribed, col.Status())
		require.Zero(t, fake.subscribes)

		// Edits before activation are dropped.
		col.Add("a", diff.Value{"name": "A"}, EditOptions{})
		require.Empty(t, col.Current())

		col.Load(ctx)
		require.True(t, col.IsActive())
		require.Equal(t, 1, fake.subscribes)

		col.Load(ctx)
		require.Equal(t, 1, fake.subscribes, "Load is idempotent")
	})

	t.Run("Eager Definitions Activate At Construction", func(t *testing.T) {
		fake := &fakeColStore{}
		def := colDef()
		def.Eager = true
		col := NewCollection(ctx, newTestSession(), fake, def)
		defer col.Stop()

		require.True(t, col.IsActive())
		require.Equal(t, 1, fake.subscribes)
	})

	t.Run("Never-Activated Collections Stay Off The Aggregator", func(t *testing.T) {
		fake := &fakeColStore{}
		sess := newTestSession()
		col := NewCollection(ctx, sess, fake, colDef())
		defer col.Stop()

		require.True(t, sess.Store.IsFullySynced())
	})
}

func TestCollection_BatchTranslation(t *testing.T) {
	ctx := context.Background()

	fake := &fakeColStore{}
	col := NewCollection(ctx, newTestSession(), fake, colDef())
	col.Load(ctx)
	defer col.Stop()

	fake.deliver(remote.CollectionSnapshot{
		Path: "notes",
		Documents: []remote.KeyedDocument{
			{ID: "keep", Data: diff.Value{"name": "Keep", "count": 1}},
			{ID: "gone", Data: diff.Value{"name": "Gone"}},
		},
	})
	require.Equal(t, StatusSynced, col.Status())

	col.Add("fresh", diff.Value{"name": "Fresh"}, EditOptions{})
	col.Update(diff.Diff{"keep": diff.Nested(diff.Diff{"count": diff.Set(2)})}, EditOptions{})
	col.Remove("gone", EditOptions{})
	col.Flush()

	require.Eventually(t, func() bool { return fake.batchCount() == 1 },
		time.Second, 5*time.Millisecond)

	b := fake.batches[0]
	require.True(t, b.committed)

	// Unknown id becomes a wholesale create.
	require.Equal(t, diff.Value{"name": "Fresh"}, b.sets["notes/fresh"])
	// Known id becomes a flattened partial merge.
	require.Equal(t, diff.Set(2), b.updates["notes/keep"]["count"])
	require.Len(t, b.updates["notes/keep"], 1)
	// Removed id becomes a delete.
	require.Equal(t, []string{"notes/gone"}, b.deletes)
}

func TestCollection_EmptyEntityCreate(t *testing.T) {
	ctx := context.Background()

	fake := &fakeColStore{}
	col := NewCollection(ctx, newTestSession(), fake, colDef())
	col.Load(ctx)
	defer col.Stop()

	fake.deliver(remote.CollectionSnapshot{Path: "notes"})

	col.Add("blank", diff.Value{}, EditOptions{})
	require.Equal(t, diff.Value{}, col.Current()["blank"])

	col.Flush()
	require.Eventually(t, func() bool { return fake.batchCount() == 1 },
		time.Second, 5*time.Millisecond)

	b := fake.batches[0]
	require.Equal(t, diff.Value{}, b.sets["notes/blank"])
	require.Empty(t, b.updates)
	require.Empty(t, b.deletes)
}

func TestCollection_Rebase(t *testing.T) {
	ctx := context.Background()

	fake := &fakeColStore{}
	col := NewCollection(ctx, newTestSession(), fake, colDef())
	col.Load(ctx)
	defer col.Stop()

	fake.deliver(remote.CollectionSnapshot{
		Path: "notes",
		Documents: []remote.KeyedDocument{
			{ID: "n1", Data: diff.Value{"name": "Foo", "count": 5}},
		},
	})

	col.Update(diff.Diff{"n1": diff.Nested(diff.Diff{"name": diff.Set("Bar")})}, EditOptions{})
	col.Flush()
	require.Equal(t, StatusWriting, col.Status())

	col.Update(diff.Diff{"n1": diff.Nested(diff.Diff{"count": diff.Set(99)})}, EditOptions{})

	fake.deliver(remote.CollectionSnapshot{
		Path: "notes",
		Documents: []remote.KeyedDocument{
			{ID: "n1", Data: diff.Value{"name": "Bar", "count": 5}},
		},
	})

	require.Equal(t, diff.Value{"n1": diff.Value{"name": "Bar", "count": 99}}, col.Current())
	require.Equal(t, StatusEditing, col.Status())
}

func TestCollection_UndoIntegration(t *testing.T) {
	ctx := context.Background()

	fake := &fakeColStore{}
	sess := newTestSession()
	col := NewCollection(ctx, sess, fake, colDef())
	col.Load(ctx)
	defer col.Stop()

	fake.deliver(remote.CollectionSnapshot{
		Path: "notes",
		Documents: []remote.KeyedDocument{
			{ID: "n1", Data: diff.Value{"name": "Foo"}},
		},
	})

	col.Remove("n1", EditOptions{Label: "remove note"})
	col.Flush()

	// Undo restores the removed entity locally.
	require.NoError(t, sess.Undo.Undo(ctx))
	require.Equal(t, diff.Value{"name": "Foo"}, col.Current()["n1"])

	require.NoError(t, sess.Undo.Redo(ctx))
	_, present := col.Current()["n1"]
	require.False(t, present)
}

func TestCollection_WriteErrorPreservesLocal(t *testing.T) {
	ctx := context.Background()

	fake := &fakeColStore{commitErr: errors.New("batch rejected")}
	col := NewCollection(ctx, newTestSession(), fake, colDef())
	col.Load(ctx)
	defer col.Stop()

	fake.deliver(remote.CollectionSnapshot{Path: "notes"})
	col.Add("a", diff.Value{"name": "A"}, EditOptions{})
	col.Flush()

	require.Eventually(t, func() bool { return col.Status() == StatusEditing },
		time.Second, 5*time.Millisecond)
	require.Equal(t, diff.Value{"name": "A"}, col.Current()["a"])
}
