package resource

import (
	"context"
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

// CollectionSubscription synchronizes a keyed set of documents with the
// same optimistic lifecycle as DocumentSubscription: both states are keyed
// mappings of entity id to entity, the outbound diff is per key, and one
// flush commits as a single atomic batch.
//
// Collections activate lazily: construction does not open the remote
// subscription unless the definition is marked eager; Load opens it exactly
// once and is idempotent afterwards.
type CollectionSubscription struct {
	def    Definition
	sess   *session.Session
	remote remote.Store
	log    log.Log

	mu sync.Mutex

	active  bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc

	syncState   diff.Value // id -> entity value
	localState  diff.Value // nil when synced
	inflight    diff.Value
	hasInflight bool

	pendingUndo EditOptions

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

// NewCollection creates a collection resource. Eager definitions activate
// immediately; everything else waits for Load.
func NewCollection(ctx context.Context, sess *session.Session, rem remote.Store, def Definition) *CollectionSubscription {
	def = def.withDefaults()
	c := &CollectionSubscription{
		def:         def,
		sess:        sess,
		remote:      rem,
		log:         sess.Log.With(log.String("resource", def.Path)),
		subscribers: make(map[uuid.UUID]func()),
	}
	if def.Eager {
		c.Load(ctx)
	}
	return c
}

// Load activates the collection: it opens the remote subscription and
// registers with the aggregator. Calling it again is a no-op.
func (c *CollectionSubscription) Load(ctx context.Context) {
	c.mu.Lock()
	if c.active || c.stopped {
		c.mu.Unlock()
		return
	}
	c.active = true
	c.loading = true
	c.ctx, c.cancel = context.WithCancel(ctx)

	if c.def.MinDisplayTime > 0 {
		c.minTimer = time.AfterFunc(c.def.MinDisplayTime, func() {
			c.mu.Lock()
			c.minElapsed = true
			c.refreshLoadingLocked()
			c.mu.Unlock()
			c.notify()
		})
	} else {
		c.minElapsed = true
	}
	c.mu.Unlock()

	c.reportSync()
	c.openSubscription()
	c.notify()
}

// IsActive reports whether Load has run.
func (c *CollectionSubscription) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active && !c.stopped
}

// Stop cancels the remote subscription and pending timers; idempotent.
func (c *CollectionSubscription) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	stopTimerLocked(&c.debounce)
	stopTimerLocked(&c.retryTimer)
	stopTimerLocked(&c.minTimer)
	unsub := c.unsubscribe
	c.unsubscribe = nil
	cancel := c.cancel
	wasActive := c.active
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	if wasActive {
		c.sess.Store.Drop(c.def.Path)
	}
	c.log.Debug("collection subscription stopped")
}

// Current returns the merged keyed mapping, empty until activation.
// Callers must treat it as read-only.
func (c *CollectionSubscription) Current() diff.Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := c.currentLocked()
	if merged == nil {
		return diff.Value{}
	}
	return merged
}

// Status reports the lifecycle state.
func (c *CollectionSubscription) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.active || c.stopped:
		return StatusUnsubscribed
	case c.loading:
		return StatusLoading
	case c.localState == nil:
		return StatusSynced
	case c.hasInflight:
		return StatusWriting
	default:
		return StatusEditing
	}
}

// IsLoading reports whether the initial load is still being displayed.
func (c *CollectionSubscription) IsLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active && !c.stopped && c.loading
}

// Err returns the surfaced read error, if any.
func (c *CollectionSubscription) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Subscribe registers a state-change listener; the returned function
// unsubscribes.
func (c *CollectionSubscription) Subscribe(fn func()) func() {
	c.mu.Lock()
	id := uuid.New()
	c.subscribers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subscribers, id)
		c.mu.Unlock()
	}
}

// Add inserts a new entity optimistically; it reaches the store as a
// wholesale document create on the next flush.
func (c *CollectionSubscription) Add(id string, data diff.Value, opts EditOptions) {
	c.applyEdit(diff.Diff{id: diff.Nested(diff.FromValue(data))}, opts)
}

// Remove deletes one entity; a no-op when the id is absent.
func (c *CollectionSubscription) Remove(id string, opts EditOptions) {
	c.mu.Lock()
	merged := c.currentLocked()
	if merged == nil {
		c.mu.Unlock()
		return
	}
	if _, ok := merged[id]; !ok {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.applyEdit(diff.Diff{id: diff.Delete()}, opts)
}

// Update applies a per-key diff: top-level keys are entity ids, their
// nested diffs apply to the corresponding entities.
func (c *CollectionSubscription) Update(d diff.Diff, opts EditOptions) {
	c.applyEdit(d, opts)
}

// Flush writes pending edits as one atomic batch instead of waiting for
// the debounce.
func (c *CollectionSubscription) Flush() {
	c.mu.Lock()
	if c.stopped || c.localState == nil {
		c.mu.Unlock()
		return
	}
	stopTimerLocked(&c.debounce)

	out := diff.Compute(c.syncState, c.localState)
	// Compute omits empty nested records, which would lose the creation of
	// an entity with no fields yet; reinstate those ids so the batch still
	// issues the wholesale create.
	for id, v := range c.localState {
		if _, known := c.syncState[id]; known {
			continue
		}
		if _, present := out[id]; present {
			continue
		}
		if entity, ok := v.(diff.Value); ok && len(entity) == 0 {
			out[id] = diff.Nested(diff.Diff{})
		}
	}
	if len(out) == 0 {
		c.localState = nil
		c.pendingUndo = EditOptions{}
		c.mu.Unlock()
		c.reportSync()
		c.notify()
		return
	}

	c.inflight = diff.Clone(c.localState).(diff.Value)
	c.hasInflight = true
	opts := c.pendingUndo
	c.pendingUndo = EditOptions{}

	var undoDiff, redoDiff diff.Diff
	if !opts.NonUndoable {
		undoDiff = diff.Compute(c.localState, c.syncState)
		redoDiff = out
	}

	// Translate the per-key diff into one atomic batch: deletions become
	// document deletes, ids unknown to the server become wholesale creates,
	// everything else becomes a flattened partial merge.
	batch := c.remote.NewBatch()
	for id, n := range out {
		docPath := c.def.Path + "/" + id
		_, known := c.syncState[id]
		switch {
		case n.Kind == diff.KindDelete:
			batch.Delete(docPath)
		case !known:
			if entity, ok := c.localState[id].(diff.Value); ok {
				batch.Set(docPath, diff.Clone(entity).(diff.Value))
			}
		case n.Kind == diff.KindNested:
			batch.Update(docPath, diff.Flatten(n.Fields))
		default:
			// A non-record entity can only be replaced wholesale.
			if entity, ok := c.localState[id].(diff.Value); ok {
				batch.Set(docPath, diff.Clone(entity).(diff.Value))
			}
		}
	}
	ctx := c.ctx
	c.mu.Unlock()

	if !opts.NonUndoable {
		c.sess.Undo.Push(c.reversal(undoDiff), c.reversal(redoDiff), opts.undoOptions())
	}
	c.notify()

	go c.dispatch(ctx, batch)
}

func (c *CollectionSubscription) reversal(d diff.Diff) undo.Procedure {
	return func(context.Context) error {
		if !c.applyEdit(d, EditOptions{NonUndoable: true}) {
			return fmt.Errorf("resource: %s: collection not active", c.def.Path)
		}
		return nil
	}
}

// applyEdit merges a keyed diff into the local state and schedules a
// debounced flush. Edits are no-ops while inactive or read-only.
func (c *CollectionSubscription) applyEdit(d diff.Diff, opts EditOptions) bool {
	c.mu.Lock()
	if c.stopped || c.def.ReadOnly || !c.active {
		c.mu.Unlock()
		return false
	}
	merged := c.currentLocked()
	if merged == nil {
		merged = diff.Value{}
	}
	next := diff.Clone(merged).(diff.Value)
	diff.ApplyMutable(next, d)
	c.localState = next
	c.pendingUndo = opts
	c.scheduleFlushLocked()
	c.mu.Unlock()

	c.reportSync()
	c.notify()
	return true
}

func (c *CollectionSubscription) dispatch(ctx context.Context, batch remote.Batch) {
	if ctx == nil {
		ctx = context.Background()
	}
	err := batch.Commit(ctx)
	if err == nil {
		return
	}

	c.mu.Lock()
	c.inflight = nil
	c.hasInflight = false
	c.mu.Unlock()

	c.log.Warn("batch write failed", log.Err(err))
	c.sess.Store.ReportError(err, store.ErrorContext{
		Kind: store.KindCollection, Path: c.def.Path, Phase: store.PhaseWrite,
	})
	c.notify()
}

// onSnapshot applies a keyed server snapshot with the same rebase rule as
// the document variant.
func (c *CollectionSubscription) onSnapshot(snap remote.CollectionSnapshot) {
	incoming := make(diff.Value, len(snap.Documents))
	for _, doc := range snap.Documents {
		data := doc.Data
		if c.def.Validator != nil {
			validated, err := c.def.Validator.Validate(data)
			if err != nil {
				c.handleReadError(fmt.Errorf("resource: %s/%s: %w", c.def.Path, doc.ID, err))
				return
			}
			data = validated
		}
		incoming[doc.ID] = data
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.err = nil
	c.snapshotArrived = true
	c.syncState = incoming

	if c.hasInflight {
		sinceInflight := diff.Compute(c.inflight, c.localState)
		c.inflight = nil
		c.hasInflight = false
		if len(sinceInflight) == 0 {
			c.localState = nil
		} else {
			c.localState = diff.Apply(c.syncState, sinceInflight)
			c.scheduleFlushLocked()
		}
	}
	c.refreshLoadingLocked()
	c.mu.Unlock()

	c.reportSync()
	c.notify()
}

func (c *CollectionSubscription) handleReadError(err error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.def.Retry != nil {
		unsub := c.unsubscribe
		c.unsubscribe = nil
		stopTimerLocked(&c.retryTimer)
		c.retryTimer = time.AfterFunc(c.def.Retry.Interval, c.openSubscription)
		c.mu.Unlock()

		if unsub != nil {
			unsub()
		}
		c.log.Debug("read error, retrying", log.Err(err), log.Duration("interval", c.def.Retry.Interval))
		return
	}
	c.err = err
	c.mu.Unlock()

	c.sess.Store.ReportError(err, store.ErrorContext{
		Kind: store.KindCollection, Path: c.def.Path, Phase: store.PhaseRead,
	})
	c.notify()
}

func (c *CollectionSubscription) openSubscription() {
	c.mu.Lock()
	if c.stopped || c.unsubscribe != nil {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	unsub := c.remote.SubscribeCollection(c.def.Path, c.onSnapshot, c.handleReadError)

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		unsub()
		return
	}
	c.unsubscribe = unsub
	c.mu.Unlock()
}

func (c *CollectionSubscription) currentLocked() diff.Value {
	if c.localState != nil {
		return c.localState
	}
	return c.syncState
}

func (c *CollectionSubscription) refreshLoadingLocked() {
	c.loading = !(c.snapshotArrived && c.minElapsed)
}

func (c *CollectionSubscription) scheduleFlushLocked() {
	stopTimerLocked(&c.debounce)
	c.debounce = time.AfterFunc(c.def.Debounce, c.Flush)
}

func (c *CollectionSubscription) reportSync() {
	c.mu.Lock()
	active := c.active && !c.stopped
	synced := c.localState == nil
	c.mu.Unlock()
	if active {
		c.sess.Store.ReportSyncState(c.def.Path, synced)
	}
}

func (c *CollectionSubscription) notify() {
	c.mu.Lock()
	subs := make([]func(), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}
