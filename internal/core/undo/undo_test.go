package undo

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func noop(context.Context) error { return nil }

func recording(order *[]string, name string) Procedure {
	return func(context.Context) error {
		*order = append(*order, name)
		return nil
	}
}

func TestManager_PushUndoRedo(t *testing.T) {
	ctx := context.Background()

	t.Run("Basic Cycle", func(t *testing.T) {
		m := NewManager()
		var order []string

		m.Push(recording(&order, "undo-a"), recording(&order, "redo-a"), Options{Label: "a"})
		require.True(t, m.CanUndo())
		require.False(t, m.CanRedo())

		require.NoError(t, m.Undo(ctx))
		require.Equal(t, []string{"undo-a"}, order)
		require.False(t, m.CanUndo())
		require.True(t, m.CanRedo())

		require.NoError(t, m.Redo(ctx))
		require.Equal(t, []string{"undo-a", "redo-a"}, order)
		require.True(t, m.CanUndo())
		require.False(t, m.CanRedo())
	})

	t.Run("Empty Stacks Are No-Ops", func(t *testing.T) {
		m := NewManager()
		require.NoError(t, m.Undo(ctx))
		require.NoError(t, m.Redo(ctx))
	})

	t.Run("Push Clears Redo", func(t *testing.T) {
		m := NewManager()
		m.Push(noop, noop, Options{})
		require.NoError(t, m.Undo(ctx))
		require.True(t, m.CanRedo())

		m.Push(noop, noop, Options{})
		require.False(t, m.CanRedo())
	})
}

func TestManager_Grouping(t *testing.T) {
	ctx := context.Background()

	t.Run("Same Group Merges Into One Entry", func(t *testing.T) {
		m := NewManager()
		var order []string

		m.Push(recording(&order, "undo-1"), recording(&order, "redo-1"), Options{GroupID: "g"})
		m.Push(recording(&order, "undo-2"), recording(&order, "redo-2"), Options{GroupID: "g"})

		var state State
		unsub := m.Subscribe(func(s State) { state = s })
		defer unsub()
		require.Len(t, state.UndoStack, 1)
		require.Equal(t, 2, state.UndoStack[0].Len())

		// Undo executes constituents in reverse push order and empties the stack.
		require.NoError(t, m.Undo(ctx))
		require.Equal(t, []string{"undo-2", "undo-1"}, order)
		require.False(t, m.CanUndo())

		// Redo replays them forward.
		order = nil
		require.NoError(t, m.Redo(ctx))
		require.Equal(t, []string{"redo-1", "redo-2"}, order)
	})

	t.Run("Different Groups Stay Separate", func(t *testing.T) {
		m := NewManager()
		m.Push(noop, noop, Options{GroupID: "g1"})
		m.Push(noop, noop, Options{GroupID: "g2"})

		var state State
		m.Subscribe(func(s State) { state = s })()
		require.Len(t, state.UndoStack, 2)
	})

	t.Run("Empty Group Never Merges", func(t *testing.T) {
		m := NewManager()
		m.Push(noop, noop, Options{})
		m.Push(noop, noop, Options{})

		var state State
		m.Subscribe(func(s State) { state = s })()
		require.Len(t, state.UndoStack, 2)
	})
}

func TestManager_Bounds(t *testing.T) {
	ctx := context.Background()

	t.Run("Oldest Evicted First", func(t *testing.T) {
		m := NewManager(WithMaxLength(3))
		var order []string
		for _, name := range []string{"1", "2", "3", "4", "5"} {
			m.Push(recording(&order, name), noop, Options{Label: name})
		}

		var state State
		m.Subscribe(func(s State) { state = s })()
		require.Len(t, state.UndoStack, 3)
		require.Equal(t, "3", state.UndoStack[0].Label)
		require.Equal(t, "5", state.UndoStack[2].Label)

		for range 5 {
			require.NoError(t, m.Undo(ctx))
		}
		require.Equal(t, []string{"5", "4", "3"}, order)
	})

	t.Run("Redo To Undo Re-Caps", func(t *testing.T) {
		m := NewManager(WithMaxLength(2))
		m.Push(noop, noop, Options{})
		m.Push(noop, noop, Options{})
		require.NoError(t, m.Undo(ctx))
		require.NoError(t, m.Undo(ctx))

		require.NoError(t, m.Redo(ctx))
		require.NoError(t, m.Redo(ctx))

		var state State
		m.Subscribe(func(s State) { state = s })()
		require.Len(t, state.UndoStack, 2)
		require.Empty(t, state.RedoStack)
	})
}

func TestManager_Failures(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	t.Run("Failed Undo Restores Entry", func(t *testing.T) {
		m := NewManager()
		m.Push(func(context.Context) error { return boom }, noop, Options{Label: "x"})

		err := m.Undo(ctx)
		require.ErrorIs(t, err, boom)
		require.True(t, m.CanUndo())
		require.False(t, m.CanRedo())
	})

	t.Run("Failed Redo Restores Entry", func(t *testing.T) {
		m := NewManager()
		m.Push(noop, func(context.Context) error { return boom }, Options{})
		require.NoError(t, m.Undo(ctx))

		err := m.Redo(ctx)
		require.ErrorIs(t, err, boom)
		require.True(t, m.CanRedo())
		require.False(t, m.CanUndo())
	})
}

func TestManager_Navigation(t *testing.T) {
	ctx := context.Background()

	var visited []string
	m := NewManager(WithNavigate(func(path string) { visited = append(visited, path) }))

	m.Push(noop, noop, Options{Path: "/docs/1"})
	m.Push(noop, noop, Options{})

	require.NoError(t, m.Undo(ctx)) // no path, no navigation
	require.NoError(t, m.Undo(ctx))
	require.Equal(t, []string{"/docs/1"}, visited)

	require.NoError(t, m.Redo(ctx))
	require.Equal(t, []string{"/docs/1", "/docs/1"}, visited)
}

func TestManager_Subscribers(t *testing.T) {
	ctx := context.Background()

	m := NewManager()
	var states []State
	unsub := m.Subscribe(func(s State) { states = append(states, s) })

	require.Len(t, states, 1) // immediate delivery

	m.Push(noop, noop, Options{})
	require.NoError(t, m.Undo(ctx))
	require.NoError(t, m.Redo(ctx))
	m.Clear()
	require.Len(t, states, 5)

	last := states[len(states)-1]
	require.False(t, last.CanUndo)
	require.False(t, last.CanRedo)

	unsub()
	m.Push(noop, noop, Options{})
	require.Len(t, states, 5)
}

func TestManager_SerializesReversals(t *testing.T) {
	ctx := context.Background()

	t.Run("Concurrent Undo Pops Exactly Once", func(t *testing.T) {
		m := NewManager()
		release := make(chan struct{})
		var runs atomic.Int32
		m.Push(func(context.Context) error {
			runs.Add(1)
			<-release
			return nil
		}, noop, Options{})

		results := make(chan error, 2)
		go func() { results <- m.Undo(ctx) }()
		go func() { results <- m.Undo(ctx) }()

		// Let both calls contend on the lock, then let the reversal finish.
		time.Sleep(20 * time.Millisecond)
		close(release)

		require.NoError(t, <-results)
		require.NoError(t, <-results)
		require.Equal(t, int32(1), runs.Load(), "only one caller may pop the entry")
		require.False(t, m.CanUndo())
		require.True(t, m.CanRedo())
	})

	t.Run("Concurrent Redo Pops Exactly Once", func(t *testing.T) {
		m := NewManager()
		release := make(chan struct{})
		var runs atomic.Int32
		m.Push(noop, func(context.Context) error {
			runs.Add(1)
			<-release
			return nil
		}, Options{})
		require.NoError(t, m.Undo(ctx))

		results := make(chan error, 2)
		go func() { results <- m.Redo(ctx) }()
		go func() { results <- m.Redo(ctx) }()

		time.Sleep(20 * time.Millisecond)
		close(release)

		require.NoError(t, <-results)
		require.NoError(t, <-results)
		require.Equal(t, int32(1), runs.Load())
		require.True(t, m.CanUndo())
		require.False(t, m.CanRedo())
	})
}
