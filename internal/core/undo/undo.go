package undo

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/flowcircuits/firestate/internal/core/observability/log"
)

// DefaultMaxLength bounds the history when no explicit limit is configured.
const DefaultMaxLength = 100

// Procedure reverses or re-applies one edit. Procedures may do network I/O
// and must be independently retriable.
type Procedure func(ctx context.Context) error

// Options carry the grouping and navigation metadata of a pushed action.
type Options struct {
	// GroupID coalesces consecutive actions sharing the same non-empty id
	// into one history entry.
	GroupID string
	// Path is handed to the navigation callback before the action executes,
	// so the UI can move to where the change is visible.
	Path string
	// Label is a human-readable description of the action.
	Label string
}

// step is one constituent undo/redo procedure pair of an action. Merged
// group actions keep their steps in push order so both traversal
// directions stay explicit.
type step struct {
	undo Procedure
	redo Procedure
}

// Action is one history entry: a reversible edit, possibly merged from
// several same-group pushes.
type Action struct {
	ID      uuid.UUID
	GroupID string
	Path    string
	Label   string

	steps []step
}

// Len returns the number of constituent edits merged into the action.
func (a *Action) Len() int { return len(a.steps) }

// State is delivered to subscribers after every history mutation.
type State struct {
	UndoStack []*Action
	RedoStack []*Action
	CanUndo   bool
	CanRedo   bool
}

// Manager is the process-wide undo/redo history shared by all resources.
// It serializes reversals: a second Undo or Redo blocks until the prior
// reversal's procedure resolves, so an emptied stack is never popped twice.
type Manager struct {
	mu sync.Mutex

	undoStack []*Action
	redoStack []*Action
	maxLength int

	navigate    func(path string)
	subscribers map[uuid.UUID]func(State)
	log         log.Log
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxLength bounds both stacks to n entries, evicting oldest first.
func WithMaxLength(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxLength = n
		}
	}
}

// WithNavigate sets the callback invoked with an action's path before its
// procedure runs.
func WithNavigate(fn func(path string)) Option {
	return func(m *Manager) { m.navigate = fn }
}

// WithLogger sets the manager's logger.
func WithLogger(l log.Log) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates an empty history.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		maxLength:   DefaultMaxLength,
		subscribers: make(map[uuid.UUID]func(State)),
		log:         log.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Push records a reversible edit. When the top of the undo stack carries
// the same non-empty group id, the edit is merged into it instead of
// growing the history. Pushing always clears the redo stack.
func (m *Manager) Push(undoFn, redoFn Procedure, opts Options) {
	m.mu.Lock()

	s := step{undo: undoFn, redo: redoFn}
	if top := m.top(); top != nil && opts.GroupID != "" && top.GroupID == opts.GroupID {
		top.steps = append(top.steps, s)
	} else {
		m.undoStack = append(m.undoStack, &Action{
			ID:      uuid.New(),
			GroupID: opts.GroupID,
			Path:    opts.Path,
			Label:   opts.Label,
			steps:   []step{s},
		})
		if len(m.undoStack) > m.maxLength {
			m.undoStack = m.undoStack[len(m.undoStack)-m.maxLength:]
		}
	}
	m.redoStack = nil

	m.log.Debug("undo action pushed",
		log.String("group", opts.GroupID),
		log.Int("depth", len(m.undoStack)),
	)
	m.notifyLocked()
}

// Undo reverses the most recent action. The whole reversal, including the
// procedure's I/O, runs under the manager's lock; an empty stack is a no-op.
// A failed reversal restores the action to the undo stack and returns the
// failure.
func (m *Manager) Undo(ctx context.Context) error {
	m.mu.Lock()

	a := m.top()
	if a == nil {
		m.mu.Unlock()
		return nil
	}
	m.undoStack = m.undoStack[:len(m.undoStack)-1]

	if a.Path != "" && m.navigate != nil {
		m.navigate(a.Path)
	}

	// Constituent edits reverse in the opposite order they were made.
	for i := len(a.steps) - 1; i >= 0; i-- {
		if err := a.steps[i].undo(ctx); err != nil {
			m.undoStack = append(m.undoStack, a)
			m.notifyLocked()
			return fmt.Errorf("undo %q: %w", a.Label, err)
		}
	}

	m.redoStack = append(m.redoStack, a)
	if len(m.redoStack) > m.maxLength {
		m.redoStack = m.redoStack[len(m.redoStack)-m.maxLength:]
	}
	m.notifyLocked()
	return nil
}

// Redo re-applies the most recently undone action, symmetric to Undo.
func (m *Manager) Redo(ctx context.Context) error {
	m.mu.Lock()

	if len(m.redoStack) == 0 {
		m.mu.Unlock()
		return nil
	}
	a := m.redoStack[len(m.redoStack)-1]
	m.redoStack = m.redoStack[:len(m.redoStack)-1]

	if a.Path != "" && m.navigate != nil {
		m.navigate(a.Path)
	}

	for i := range a.steps {
		if err := a.steps[i].redo(ctx); err != nil {
			m.redoStack = append(m.redoStack, a)
			m.notifyLocked()
			return fmt.Errorf("redo %q: %w", a.Label, err)
		}
	}

	m.undoStack = append(m.undoStack, a)
	if len(m.undoStack) > m.maxLength {
		m.undoStack = m.undoStack[len(m.undoStack)-m.maxLength:]
	}
	m.notifyLocked()
	return nil
}

// Clear empties both stacks.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.undoStack = nil
	m.redoStack = nil
	m.notifyLocked()
}

// CanUndo reports whether the undo stack is non-empty.
func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undoStack) > 0
}

// CanRedo reports whether the redo stack is non-empty.
func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redoStack) > 0
}

// Subscribe registers a listener for history changes and immediately
// delivers the current state. The returned function unsubscribes.
func (m *Manager) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	id := uuid.New()
	m.subscribers[id] = fn
	state := m.stateLocked()
	m.mu.Unlock()

	fn(state)

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) top() *Action {
	if len(m.undoStack) == 0 {
		return nil
	}
	return m.undoStack[len(m.undoStack)-1]
}

func (m *Manager) stateLocked() State {
	return State{
		UndoStack: append([]*Action(nil), m.undoStack...),
		RedoStack: append([]*Action(nil), m.redoStack...),
		CanUndo:   len(m.undoStack) > 0,
		CanRedo:   len(m.redoStack) > 0,
	}
}

// notifyLocked snapshots state and subscribers, releases the lock, and
// delivers. Callers must hold m.mu and must not touch it afterwards.
func (m *Manager) notifyLocked() {
	state := m.stateLocked()
	subs := make([]func(State), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(state)
	}
}
