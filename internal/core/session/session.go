// Package session ties the process-wide pieces of the engine together: the
// sync aggregator, the shared undo/redo history and the logger. One session
// exists per client process; resources receive it by reference so tests can
// run independent sessions side by side.
package session

import (
	"github.com/flowcircuits/firestate/internal/core/observability/log"
	"github.com/flowcircuits/firestate/internal/core/store"
	"github.com/flowcircuits/firestate/internal/core/undo"
)

// Session bundles the shared engine state for one client process.
type Session struct {
	Log   log.Log
	Store *store.Store
	Undo  *undo.Manager
}

// Option configures a Session.
type Option func(*Session)

// WithStore replaces the default aggregator.
func WithStore(s *store.Store) Option {
	return func(sess *Session) { sess.Store = s }
}

// WithUndo replaces the default undo manager.
func WithUndo(m *undo.Manager) Option {
	return func(sess *Session) { sess.Undo = m }
}

// New creates a session with a fresh aggregator and undo history.
func New(l log.Log, opts ...Option) *Session {
	sess := &Session{Log: l}
	for _, opt := range opts {
		opt(sess)
	}
	if sess.Store == nil {
		sess.Store = store.New(store.WithLogger(l))
	}
	if sess.Undo == nil {
		sess.Undo = undo.NewManager(undo.WithLogger(l))
	}
	return sess
}

// Close drops the session's shared history. Resources must be stopped by
// their owners first.
func (s *Session) Close() {
	s.Undo.Clear()
}
