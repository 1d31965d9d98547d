package remote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/flowcircuits/firestate/internal/core/diff"
)

const (
	defaultShardCount = 16
	snapshotBuffer    = 64
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store used by tests and the demo binary.
// Documents are sharded by path hash; snapshot delivery is ordered per
// subscription via a dedicated pump goroutine.
type MemoryStore struct {
	shards []*shard

	subsMu  sync.Mutex
	docSubs map[string]map[uuid.UUID]*docSub
	colSubs map[string]map[uuid.UUID]*colSub
}

type shard struct {
	mu   sync.RWMutex
	docs map[string]diff.Value
}

type docSub struct {
	ch     chan DocumentSnapshot
	closed bool
}

type colSub struct {
	ch     chan CollectionSnapshot
	closed bool
}

// NewMemoryStore creates an empty store with the default shard count.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		shards:  make([]*shard, defaultShardCount),
		docSubs: make(map[string]map[uuid.UUID]*docSub),
		colSubs: make(map[string]map[uuid.UUID]*colSub),
	}
	for i := range s.shards {
		s.shards[i] = &shard{docs: make(map[string]diff.Value)}
	}
	return s
}

func (s *MemoryStore) shardFor(path string) *shard {
	return s.shards[xxhash.Sum64String(path)%uint64(len(s.shards))]
}

// SubscribeDocument registers a document listener and queues the current
// value as its first snapshot.
func (s *MemoryStore) SubscribeDocument(path string, onSnapshot func(DocumentSnapshot), onError func(error)) Unsubscribe {
	sub := &docSub{ch: make(chan DocumentSnapshot, snapshotBuffer)}
	id := uuid.New()

	s.subsMu.Lock()
	if s.docSubs[path] == nil {
		s.docSubs[path] = make(map[uuid.UUID]*docSub)
	}
	s.docSubs[path][id] = sub
	sub.ch <- s.documentSnapshot(path)
	s.subsMu.Unlock()

	go func() {
		for snap := range sub.ch {
			onSnapshot(snap)
		}
	}()

	_ = onError // the in-memory store has no delivery failures
	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if cur, ok := s.docSubs[path][id]; ok && !cur.closed {
			cur.closed = true
			close(cur.ch)
			delete(s.docSubs[path], id)
		}
	}
}

// SubscribeCollection registers a keyed-set listener and queues the current
// membership as its first snapshot.
func (s *MemoryStore) SubscribeCollection(path string, onSnapshot func(CollectionSnapshot), onError func(error)) Unsubscribe {
	sub := &colSub{ch: make(chan CollectionSnapshot, snapshotBuffer)}
	id := uuid.New()

	s.subsMu.Lock()
	if s.colSubs[path] == nil {
		s.colSubs[path] = make(map[uuid.UUID]*colSub)
	}
	s.colSubs[path][id] = sub
	sub.ch <- s.collectionSnapshot(path)
	s.subsMu.Unlock()

	go func() {
		for snap := range sub.ch {
			onSnapshot(snap)
		}
	}()

	_ = onError
	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		if cur, ok := s.colSubs[path][id]; ok && !cur.closed {
			cur.closed = true
			close(cur.ch)
			delete(s.colSubs[path], id)
		}
	}
}

// UpdateDocument merges flattened fields into an existing document.
func (s *MemoryStore) UpdateDocument(_ context.Context, path string, fields map[string]diff.Node) error {
	sh := s.shardFor(path)
	sh.mu.Lock()
	doc, ok := sh.docs[path]
	if !ok {
		sh.mu.Unlock()
		return fmt.Errorf("update %s: %w", path, ErrNotFound)
	}
	diff.ApplyMutable(doc, diff.Unflatten(fields))
	sh.mu.Unlock()

	s.notify(path)
	return nil
}

// SetDocument replaces a document wholesale, creating it if absent.
func (s *MemoryStore) SetDocument(_ context.Context, path string, value diff.Value) error {
	sh := s.shardFor(path)
	sh.mu.Lock()
	sh.docs[path] = diff.Clone(value).(diff.Value)
	sh.mu.Unlock()

	s.notify(path)
	return nil
}

// DeleteDocument removes a document if present.
func (s *MemoryStore) DeleteDocument(_ context.Context, path string) error {
	sh := s.shardFor(path)
	sh.mu.Lock()
	delete(sh.docs, path)
	sh.mu.Unlock()

	s.notify(path)
	return nil
}

// NewBatch starts an atomic multi-document write.
func (s *MemoryStore) NewBatch() Batch {
	return &memoryBatch{store: s}
}

type batchOp struct {
	kind   string // "update", "set", "delete"
	path   string
	fields map[string]diff.Node
	value  diff.Value
}

type memoryBatch struct {
	store *MemoryStore
	ops   []batchOp
}

func (b *memoryBatch) Update(path string, fields map[string]diff.Node) {
	b.ops = append(b.ops, batchOp{kind: "update", path: path, fields: fields})
}

func (b *memoryBatch) Set(path string, value diff.Value) {
	b.ops = append(b.ops, batchOp{kind: "set", path: path, value: value})
}

func (b *memoryBatch) Delete(path string) {
	b.ops = append(b.ops, batchOp{kind: "delete", path: path})
}

// Commit applies every queued operation or none. All shards are locked in
// index order for the duration, update targets are validated before any
// mutation happens.
func (b *memoryBatch) Commit(_ context.Context) error {
	for _, sh := range b.store.shards {
		sh.mu.Lock()
	}
	unlock := func() {
		for _, sh := range b.store.shards {
			sh.mu.Unlock()
		}
	}

	for _, op := range b.ops {
		if op.kind != "update" {
			continue
		}
		if _, ok := b.store.shardFor(op.path).docs[op.path]; !ok {
			unlock()
			return fmt.Errorf("batch update %s: %w", op.path, ErrNotFound)
		}
	}

	for _, op := range b.ops {
		sh := b.store.shardFor(op.path)
		switch op.kind {
		case "update":
			diff.ApplyMutable(sh.docs[op.path], diff.Unflatten(op.fields))
		case "set":
			sh.docs[op.path] = diff.Clone(op.value).(diff.Value)
		case "delete":
			delete(sh.docs, op.path)
		}
	}
	unlock()

	seen := make(map[string]bool, len(b.ops))
	for _, op := range b.ops {
		if !seen[op.path] {
			seen[op.path] = true
			b.store.notify(op.path)
		}
	}
	return nil
}

// Value returns a copy of a document's current data, for test assertions.
func (s *MemoryStore) Value(path string) (diff.Value, bool) {
	sh := s.shardFor(path)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	doc, ok := sh.docs[path]
	if !ok {
		return nil, false
	}
	return diff.Clone(doc).(diff.Value), true
}

func (s *MemoryStore) documentSnapshot(path string) DocumentSnapshot {
	sh := s.shardFor(path)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	doc, ok := sh.docs[path]
	if !ok {
		return DocumentSnapshot{Path: path, Exists: false}
	}
	return DocumentSnapshot{Path: path, Data: diff.Clone(doc).(diff.Value), Exists: true}
}

func (s *MemoryStore) collectionSnapshot(path string) CollectionSnapshot {
	prefix := path + "/"
	var docs []KeyedDocument
	for _, sh := range s.shards {
		sh.mu.RLock()
		for docPath, doc := range sh.docs {
			id, ok := strings.CutPrefix(docPath, prefix)
			if !ok || strings.Contains(id, "/") {
				continue
			}
			docs = append(docs, KeyedDocument{ID: id, Data: diff.Clone(doc).(diff.Value)})
		}
		sh.mu.RUnlock()
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return CollectionSnapshot{Path: path, Documents: docs}
}

// notify fans a fresh snapshot out to the document's subscribers and to the
// subscribers of its parent collection. Sends happen under subsMu so every
// subscription observes changes in commit order.
func (s *MemoryStore) notify(path string) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	if subs := s.docSubs[path]; len(subs) > 0 {
		snap := s.documentSnapshot(path)
		for _, sub := range subs {
			sub.ch <- snap
		}
	}
	if i := strings.LastIndex(path, "/"); i > 0 {
		parent := path[:i]
		if subs := s.colSubs[parent]; len(subs) > 0 {
			snap := s.collectionSnapshot(parent)
			for _, sub := range subs {
				sub.ch <- snap
			}
		}
	}
}
