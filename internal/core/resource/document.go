package resource

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowcircuits/firestate/internal/core/diff"
	"github.com/flowcircuits/firestate/internal/core/observability/log"
	"github.com/flowcircuits/firestate/internal/core/remote"
	"github.com/flowcircuits/firestate/internal/core/session"
	"github.com/flowcircuits/firestate/internal/core/store"
	"github.com/flowcircuits/firestate/internal/core/undo"
)

// ErrDocumentNotFound is the read error raised when a required document is
// absent outside the cache.
var ErrDocumentNotFound = errors.New("resource: document not found")

// DocumentSubscription owns the synchronization lifecycle of one remote
// document: it listens for snapshots, merges optimistic local edits,
// debounces minimal-diff writes, and rebases outstanding edits when the
// server state moves underneath an in-flight write.
//
// The externally visible value is the local state when unconfirmed edits
// exist, the sync state otherwise; the resource is synced exactly when no
// local state is present.
type DocumentSubscription struct {
	def    Definition
	sess   *session.Session
	remote remote.Store
	log    log.Log

	mu sync.Mutex

	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc

	syncState   diff.Value // last server-confirmed value; nil while absent
	syncExists  bool
	syncDigest  uint64
	localState  diff.Value // merged unconfirmed edits; nil when synced
	inflight    diff.Value // local state at write dispatch, for conflict detection
	hasInflight bool

	pendingUndo    EditOptions
	isSetOperation bool

	snapshotArrived bool
	minElapsed      bool
	loading         bool
	err             error

	unsubscribe remote.Unsubscribe
	debounce    *time.Timer
	retryTimer  *time.Timer
	minTimer    *time.Timer

	subscribers map[uuid.UUID]func()
}

// NewDocument creates an unsubscribed document resource.
func NewDocument(sess *session.Session, rem remote.Store, def Definition) *DocumentSubscription {
	def = def.withDefaults()
	return &DocumentSubscription{
		def:         def,
		sess:        sess,
		remote:      rem,
		log:         sess.Log.With(log.String("resource", def.Path)),
		subscribers: make(map[uuid.UUID]func()),
	}
}

// Start opens the remote subscription. IsLoading stays true until both the
// first snapshot has arrived and the minimum display time has elapsed.
func (s *DocumentSubscription) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.loading = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.def.MinDisplayTime > 0 {
		s.minTimer = time.AfterFunc(s.def.MinDisplayTime, func() {
			s.mu.Lock()
			s.minElapsed = true
			s.refreshLoadingLocked()
			s.mu.Unlock()
			s.notify()
		})
	} else {
		s.minElapsed = true
	}
	s.mu.Unlock()

	s.reportSync()
	s.openSubscription()
	s.notify()
}

// Stop cancels the remote subscription and every pending timer. It is
// idempotent; an in-flight write still completes and its outcome is
// discarded.
func (s *DocumentSubscription) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	stopTimerLocked(&s.debounce)
	stopTimerLocked(&s.retryTimer)
	stopTimerLocked(&s.minTimer)
	unsub := s.unsubscribe
	s.unsubscribe = nil
	cancel := s.cancel
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	s.sess.Store.Drop(s.def.Path)
	s.log.Debug("document subscription stopped")
}

// Current returns the externally visible merged value. Callers must treat
// it as read-only; edits go through Update and Set.
func (s *DocumentSubscription) Current() diff.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

// Status reports the lifecycle state.
func (s *DocumentSubscription) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case !s.started || s.stopped:
		return StatusUnsubscribed
	case s.loading:
		return StatusLoading
	case s.localState == nil:
		return StatusSynced
	case s.hasInflight:
		return StatusWriting
	default:
		return StatusEditing
	}
}

// IsLoading reports whether the initial load is still being displayed.
func (s *DocumentSubscription) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped && s.loading
}

// Err returns the resource's surfaced read error, if any.
func (s *DocumentSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Subscribe registers a state-change listener for the UI binding layer.
// The returned function unsubscribes.
func (s *DocumentSubscription) Subscribe(fn func()) func() {
	s.mu.Lock()
	id := uuid.New()
	s.subscribers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// Update applies a partial edit optimistically and schedules a debounced
// flush. It is a no-op when the resource is read-only or has no merged
// value yet.
func (s *DocumentSubscription) Update(d diff.Diff, opts EditOptions) {
	s.applyEdit(d, opts)
}

// Set replaces the local value wholesale and schedules a debounced flush
// that will create or replace the remote document.
func (s *DocumentSubscription) Set(v diff.Value, opts EditOptions) {
	s.mu.Lock()
	if s.stopped || s.def.ReadOnly {
		s.mu.Unlock()
		return
	}
	s.localState = diff.Clone(v).(diff.Value)
	s.pendingUndo = opts
	s.isSetOperation = true
	s.scheduleFlushLocked()
	s.mu.Unlock()

	s.reportSync()
	s.notify()
}

// Delete removes the remote document immediately, bypassing the debounce,
// and records an undo action restoring the pre-delete value.
func (s *DocumentSubscription) Delete(opts EditOptions) {
	s.mu.Lock()
	if s.stopped || s.def.ReadOnly {
		s.mu.Unlock()
		return
	}
	prior := s.currentLocked()
	if prior == nil {
		s.mu.Unlock()
		return
	}
	prior = diff.Clone(prior).(diff.Value)
	stopTimerLocked(&s.debounce)
	s.localState = nil
	s.pendingUndo = EditOptions{}
	s.isSetOperation = false
	s.inflight = nil
	s.hasInflight = false
	ctx := s.ctx
	s.mu.Unlock()

	if !opts.NonUndoable {
		path := s.def.Path
		s.sess.Undo.Push(
			func(ctx context.Context) error { return s.remote.SetDocument(ctx, path, prior) },
			func(ctx context.Context) error { return s.remote.DeleteDocument(ctx, path) },
			opts.undoOptions(),
		)
	}

	go func() {
		if ctx == nil {
			ctx = context.Background()
		}
		if err := s.remote.DeleteDocument(ctx, s.def.Path); err != nil {
			s.sess.Store.ReportError(err, store.ErrorContext{
				Kind: store.KindDocument, Path: s.def.Path, Phase: store.PhaseWrite,
			})
		}
	}()

	s.reportSync()
	s.notify()
}

// Flush writes the pending local edits out now instead of waiting for the
// debounce. When local and sync state already agree the local state is
// simply dropped.
func (s *DocumentSubscription) Flush() {
	s.mu.Lock()
	if s.stopped || s.localState == nil {
		s.mu.Unlock()
		return
	}
	stopTimerLocked(&s.debounce)

	out := diff.Compute(s.syncState, s.localState)
	if len(out) == 0 && (!s.isSetOperation || s.syncExists) {
		s.localState = nil
		s.pendingUndo = EditOptions{}
		s.isSetOperation = false
		s.mu.Unlock()
		s.reportSync()
		s.notify()
		return
	}

	s.inflight = diff.Clone(s.localState).(diff.Value)
	s.hasInflight = true
	opts := s.pendingUndo
	s.pendingUndo = EditOptions{}
	isSet := s.isSetOperation
	s.isSetOperation = false

	var undoDiff, redoDiff diff.Diff
	if !opts.NonUndoable {
		undoDiff = diff.Compute(s.localState, s.syncState)
		redoDiff = out
	}

	var full diff.Value
	var flat map[string]diff.Node
	if isSet {
		full = diff.Clone(s.localState).(diff.Value)
	} else {
		flat = diff.Flatten(out)
	}
	ctx := s.ctx
	s.mu.Unlock()

	if !opts.NonUndoable {
		s.sess.Undo.Push(s.reversal(undoDiff), s.reversal(redoDiff), opts.undoOptions())
	}
	s.notify()

	go s.dispatch(ctx, isSet, full, flat)
}

// reversal wraps a diff into an undo/redo procedure that re-applies it as
// a non-undoable optimistic edit, to be flushed like any other.
func (s *DocumentSubscription) reversal(d diff.Diff) undo.Procedure {
	return func(context.Context) error {
		if !s.applyEdit(d, EditOptions{NonUndoable: true}) {
			return fmt.Errorf("resource: %s: no value to apply reversal to", s.def.Path)
		}
		return nil
	}
}

// applyEdit is the shared optimistic edit path behind Update and undo
// reversals. It reports whether the edit was applied.
func (s *DocumentSubscription) applyEdit(d diff.Diff, opts EditOptions) bool {
	s.mu.Lock()
	if s.stopped || s.def.ReadOnly {
		s.mu.Unlock()
		return false
	}
	merged := s.currentLocked()
	if merged == nil {
		s.mu.Unlock()
		return false
	}
	next := diff.Clone(merged).(diff.Value)
	diff.ApplyMutable(next, d)
	s.localState = next
	s.pendingUndo = opts
	s.isSetOperation = false
	s.scheduleFlushLocked()
	s.mu.Unlock()

	s.reportSync()
	s.notify()
	return true
}

// dispatch performs exactly one remote write for a flush: a wholesale
// replace for set operations, a dotted-path partial merge otherwise. The
// partial merge fails on an absent document rather than recreating it.
func (s *DocumentSubscription) dispatch(ctx context.Context, isSet bool, full diff.Value, flat map[string]diff.Node) {
	if ctx == nil {
		ctx = context.Background()
	}
	var err error
	if isSet {
		err = s.remote.SetDocument(ctx, s.def.Path, full)
	} else {
		err = s.remote.UpdateDocument(ctx, s.def.Path, flat)
	}
	if err == nil {
		return
	}

	// Write errors are not retried here. The local edit survives so the
	// next flush sends the same changes again.
	s.mu.Lock()
	s.inflight = nil
	s.hasInflight = false
	s.mu.Unlock()

	s.log.Warn("write failed", log.Err(err))
	s.sess.Store.ReportError(err, store.ErrorContext{
		Kind: store.KindDocument, Path: s.def.Path, Phase: store.PhaseWrite,
	})
	s.notify()
}

// onSnapshot applies a server snapshot. Edits made after a write was
// dispatched but before its confirmation are rebased onto the fresh server
// value; edits the completed write already covers are dropped.
func (s *DocumentSubscription) onSnapshot(snap remote.DocumentSnapshot) {
	data := snap.Data
	if snap.Exists && s.def.Validator != nil {
		validated, err := s.def.Validator.Validate(data)
		if err != nil {
			s.handleReadError(fmt.Errorf("resource: %s: %w", s.def.Path, err))
			return
		}
		data = validated
	}
	if !snap.Exists && !snap.FromCache && !s.def.AllowMissing {
		s.handleReadError(fmt.Errorf("resource: %s: %w", s.def.Path, ErrDocumentNotFound))
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	digest := diff.Fingerprint(data)
	if s.snapshotArrived && !s.hasInflight && s.err == nil &&
		digest == s.syncDigest && snap.Exists == s.syncExists {
		// Redelivered snapshot with identical content.
		s.mu.Unlock()
		return
	}
	s.syncDigest = digest
	s.err = nil
	s.snapshotArrived = true
	if snap.Exists {
		s.syncState = data
		s.syncExists = true
	} else {
		s.syncState = nil
		s.syncExists = false
	}

	if s.hasInflight {
		sinceInflight := diff.Compute(s.inflight, s.localState)
		s.inflight = nil
		s.hasInflight = false
		if len(sinceInflight) == 0 {
			// The write covered everything local; the server now agrees.
			s.localState = nil
		} else {
			s.localState = diff.Apply(s.syncState, sinceInflight)
			s.scheduleFlushLocked()
		}
	}
	s.refreshLoadingLocked()
	s.mu.Unlock()

	s.reportSync()
	s.notify()
}

// handleReadError surfaces a read failure, or silently recycles the
// subscription when a retry policy is configured.
func (s *DocumentSubscription) handleReadError(err error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.def.Retry != nil {
		unsub := s.unsubscribe
		s.unsubscribe = nil
		stopTimerLocked(&s.retryTimer)
		s.retryTimer = time.AfterFunc(s.def.Retry.Interval, s.openSubscription)
		s.mu.Unlock()

		if unsub != nil {
			unsub()
		}
		s.log.Debug("read error, retrying", log.Err(err), log.Duration("interval", s.def.Retry.Interval))
		return
	}
	s.err = err
	s.mu.Unlock()

	s.sess.Store.ReportError(err, store.ErrorContext{
		Kind: store.KindDocument, Path: s.def.Path, Phase: store.PhaseRead,
	})
	s.notify()
}

// openSubscription subscribes to the remote document, guarding against a
// concurrent Stop.
func (s *DocumentSubscription) openSubscription() {
	s.mu.Lock()
	if s.stopped || s.unsubscribe != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	unsub := s.remote.SubscribeDocument(s.def.Path, s.onSnapshot, s.handleReadError)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		unsub()
		return
	}
	s.unsubscribe = unsub
	s.mu.Unlock()
}

func (s *DocumentSubscription) currentLocked() diff.Value {
	if s.localState != nil {
		return s.localState
	}
	return s.syncState
}

func (s *DocumentSubscription) refreshLoadingLocked() {
	s.loading = !(s.snapshotArrived && s.minElapsed)
}

func (s *DocumentSubscription) scheduleFlushLocked() {
	stopTimerLocked(&s.debounce)
	s.debounce = time.AfterFunc(s.def.Debounce, s.Flush)
}

func (s *DocumentSubscription) reportSync() {
	s.mu.Lock()
	active := s.started && !s.stopped
	synced := s.localState == nil
	s.mu.Unlock()
	if active {
		s.sess.Store.ReportSyncState(s.def.Path, synced)
	}
}

func (s *DocumentSubscription) notify() {
	s.mu.Lock()
	subs := make([]func(), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func stopTimerLocked(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
