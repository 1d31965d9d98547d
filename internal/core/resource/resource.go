// Package resource implements the per-resource synchronization lifecycle:
// optimistic local edits, debounced minimal-diff write-back, rebase on
// conflicting snapshots, and undo integration. Two variants exist, one for
// a single remote document and one for a keyed collection of documents.
package resource

import (
	"github.com/flowcircuits/firestate/internal/core/undo"
)

// Status is the externally visible sync state of a resource.
type Status uint8

const (
	// StatusUnsubscribed means the remote subscription is not open.
	StatusUnsubscribed Status = iota
	// StatusLoading means the subscription is open but the first snapshot,
	// or the minimum display time, is still outstanding.
	StatusLoading
	// StatusSynced means there are no unconfirmed local edits.
	StatusSynced
	// StatusEditing means local edits exist and no write is in flight.
	StatusEditing
	// StatusWriting means a write for the local edits has been dispatched.
	StatusWriting
)

func (s Status) String() string {
	switch s {
	case StatusUnsubscribed:
		return "unsubscribed"
	case StatusLoading:
		return "loading"
	case StatusSynced:
		return "synced"
	case StatusEditing:
		return "editing"
	case StatusWriting:
		return "writing"
	default:
		return "unknown"
	}
}

// EditOptions carry the undo metadata of one local edit. The options of the
// most recent edit before a flush win; earlier ones are overwritten.
type EditOptions struct {
	// NonUndoable suppresses the undo action for the flush carrying this
	// edit. Reversal procedures use it so undoing never re-records history.
	NonUndoable bool
	// GroupID coalesces consecutive flushes into one undo entry.
	GroupID string
	// Path is where the UI should navigate when the edit is traversed.
	Path string
	// Label names the edit in the history.
	Label string
}

func (o EditOptions) undoOptions() undo.Options {
	return undo.Options{GroupID: o.GroupID, Path: o.Path, Label: o.Label}
}
