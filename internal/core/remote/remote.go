// Package remote defines the contract the synchronization engine needs from
// a remote document store, plus two reference backends: an in-memory store
// and a websocket client adapter.
package remote

import (
	"context"
	"errors"

	"github.com/flowcircuits/firestate/internal/core/diff"
)

// ErrNotFound is returned by partial-merge writes against a document that
// does not exist. Failing instead of creating keeps a concurrent delete
// from being silently resurrected.
var ErrNotFound = errors.New("remote: document not found")

// Unsubscribe cancels a snapshot subscription. Safe to call more than once.
type Unsubscribe func()

// DocumentSnapshot is one delivery of a document's current server value.
type DocumentSnapshot struct {
	Path      string     `json:"path"`
	Data      diff.Value `json:"data,omitempty"`
	Exists    bool       `json:"exists"`
	FromCache bool       `json:"fromCache,omitempty"`
}

// KeyedDocument pairs a document id with its decoded value inside a
// collection snapshot.
type KeyedDocument struct {
	ID   string     `json:"id"`
	Data diff.Value `json:"data"`
}

// CollectionSnapshot is one delivery of a keyed set's current server value.
type CollectionSnapshot struct {
	Path      string          `json:"path"`
	Documents []KeyedDocument `json:"docs"`
	FromCache bool            `json:"fromCache,omitempty"`
}

// Store is the remote document store the engine writes through and
// subscribes to. Implementations must deliver snapshots for one
// subscription in order.
type Store interface {
	// SubscribeDocument opens a change feed for one document. The callback
	// receives the full current value first, then every subsequent change.
	SubscribeDocument(path string, onSnapshot func(DocumentSnapshot), onError func(error)) Unsubscribe

	// SubscribeCollection opens a change feed for a keyed set of documents.
	SubscribeCollection(path string, onSnapshot func(CollectionSnapshot), onError func(error)) Unsubscribe

	// UpdateDocument merges dotted-path addressed fields into an existing
	// document. It fails with ErrNotFound when the document is absent.
	UpdateDocument(ctx context.Context, path string, fields map[string]diff.Node) error

	// SetDocument replaces a document wholesale, creating it if absent.
	SetDocument(ctx context.Context, path string, value diff.Value) error

	// DeleteDocument removes a document. Deleting an absent document is not
	// an error.
	DeleteDocument(ctx context.Context, path string) error

	// NewBatch starts an atomic multi-document write.
	NewBatch() Batch
}

// Batch accumulates per-document operations that commit atomically:
// either every operation applies or none does.
type Batch interface {
	Update(path string, fields map[string]diff.Node)
	Set(path string, value diff.Value)
	Delete(path string)
	Commit(ctx context.Context) error
}
