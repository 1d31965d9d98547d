// Package store holds the process-wide sync aggregator: a registry of every
// active resource's synced flag, reduced to one "is everything synced"
// signal, plus the shared error sink.
package store

import (
	"sync"

	"github.com/google/uuid"

	"github.com/flowcircuits/firestate/internal/core/observability/log"
)

// Kind identifies the resource variant an error originated from.
type Kind string

const (
	KindDocument   Kind = "document"
	KindCollection Kind = "collection"
)

// Phase identifies which half of the sync lifecycle failed.
type Phase string

const (
	PhaseRead  Phase = "read"
	PhaseWrite Phase = "write"
)

// ErrorContext describes where an error surfaced.
type ErrorContext struct {
	Kind  Kind
	Path  string
	Phase Phase
}

// ErrorHandler receives every error reported by a resource.
type ErrorHandler func(err error, ctx ErrorContext)

// Store aggregates per-resource sync state. One instance is shared by all
// resources in a session; lazy resources that never activate simply never
// register and do not affect the reduction.
type Store struct {
	mu sync.Mutex

	registry    map[string]bool
	subscribers map[uuid.UUID]func(bool)
	onError     ErrorHandler
	log         log.Log
}

// Option configures a Store.
type Option func(*Store)

// WithErrorHandler routes reported errors to a custom sink instead of the
// default diagnostic log.
func WithErrorHandler(fn ErrorHandler) Option {
	return func(s *Store) { s.onError = fn }
}

// WithLogger sets the store's logger.
func WithLogger(l log.Log) Option {
	return func(s *Store) { s.log = l }
}

// New creates an empty aggregator.
func New(opts ...Option) *Store {
	s := &Store{
		registry:    make(map[string]bool),
		subscribers: make(map[uuid.UUID]func(bool)),
		log:         log.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReportSyncState records a resource's synced flag. The registry only
// changes when the flag does; any change re-broadcasts the reduction.
func (s *Store) ReportSyncState(key string, synced bool) {
	s.mu.Lock()
	if cur, ok := s.registry[key]; ok && cur == synced {
		s.mu.Unlock()
		return
	}
	s.registry[key] = synced
	s.broadcastLocked()
}

// Drop removes a resource from the registry, typically on teardown, so a
// stopped resource cannot pin the aggregate.
func (s *Store) Drop(key string) {
	s.mu.Lock()
	if _, ok := s.registry[key]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.registry, key)
	s.broadcastLocked()
}

// IsFullySynced reports the AND-reduction over every registered resource.
func (s *Store) IsFullySynced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reduceLocked()
}

// SubscribeToSyncState registers a listener and immediately delivers the
// current aggregate. The returned function unsubscribes.
func (s *Store) SubscribeToSyncState(fn func(synced bool)) func() {
	s.mu.Lock()
	id := uuid.New()
	s.subscribers[id] = fn
	current := s.reduceLocked()
	s.mu.Unlock()

	fn(current)

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// ReportError forwards an error to the configured handler, or to the
// diagnostic log when none is set. It never panics.
func (s *Store) ReportError(err error, ctx ErrorContext) {
	s.mu.Lock()
	handler := s.onError
	logger := s.log
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("error handler panicked", log.Any("panic", r))
		}
	}()

	if handler != nil {
		handler(err, ctx)
		return
	}
	logger.Error("resource error",
		log.Err(err),
		log.String("kind", string(ctx.Kind)),
		log.String("path", ctx.Path),
		log.String("phase", string(ctx.Phase)),
	)
}

func (s *Store) reduceLocked() bool {
	for _, synced := range s.registry {
		if !synced {
			return false
		}
	}
	return true
}

// broadcastLocked delivers the reduction to every subscriber. Callers must
// hold s.mu; the lock is released before delivery.
func (s *Store) broadcastLocked() {
	current := s.reduceLocked()
	subs := make([]func(bool), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(current)
	}
}
