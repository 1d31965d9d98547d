package diff

import (
	"reflect"
	"time"
)

// Value is a nested keyed record, the shape of a remote document's data.
type Value = map[string]any

// Kind enumerates the closed set of diff node kinds.
type Kind uint8

const (
	// KindValue replaces the field wholesale. Primitives and arrays land here.
	KindValue Kind = iota
	// KindNested recurses into a nested record, merging field by field.
	KindNested
	// KindDelete removes the field.
	KindDelete
	// KindServerTime resolves to the store's current time when the write commits.
	KindServerTime
)

// Node is a single entry in a diff: a leaf replacement, a nested diff,
// or one of the two sentinels.
type Node struct {
	Kind   Kind
	Leaf   any  // set when Kind == KindValue
	Fields Diff // set when Kind == KindNested
}

// Diff is a nested keyed mapping mirroring the shape of the target value.
// A present key means "change this field"; how is determined by the node kind.
type Diff map[string]Node

// Set returns a node replacing a field with the given leaf value.
func Set(v any) Node { return Node{Kind: KindValue, Leaf: v} }

// Nested returns a node carrying a nested diff.
func Nested(d Diff) Node { return Node{Kind: KindNested, Fields: d} }

// Delete returns the deletion sentinel node.
func Delete() Node { return Node{Kind: KindDelete} }

// ServerTimestamp returns the server-timestamp sentinel node.
func ServerTimestamp() Node { return Node{Kind: KindServerTime} }

// FromValue converts a plain record into a diff that sets every field,
// recursing into nested records.
func FromValue(v Value) Diff {
	d := make(Diff, len(v))
	for k, fv := range v {
		if nested, ok := fv.(Value); ok {
			d[k] = Nested(FromValue(nested))
		} else {
			d[k] = Set(fv)
		}
	}
	return d
}

// Compute returns the minimal diff that transforms from into to.
//
// Arrays are replaced wholesale when not deep-equal, nested records recurse
// and are included only when the nested diff is non-empty, and fields present
// in from but absent or nil in to become deletion sentinels. Timestamps
// compare by time.Time.Equal, never by identity.
func Compute(from, to Value) Diff {
	d := Diff{}
	for k, tv := range to {
		fv, inFrom := from[k]
		if tv == nil {
			if inFrom && fv != nil {
				d[k] = Delete()
			}
			continue
		}
		if nested, ok := tv.(Value); ok {
			fromNested, _ := fv.(Value)
			sub := Compute(fromNested, nested)
			if len(sub) > 0 {
				d[k] = Nested(sub)
			}
			continue
		}
		if !leafEqual(fv, tv) {
			d[k] = Set(tv)
		}
	}
	for k, fv := range from {
		if fv == nil {
			continue
		}
		if tv, ok := to[k]; !ok || tv == nil {
			// nil case already handled above; absent case lands here
			if _, ok := d[k]; !ok {
				d[k] = Delete()
			}
		}
	}
	return d
}

// ComputeNode is Compute extended to whole-document deletion: a nil to
// yields a single deletion node covering the entire value.
func ComputeNode(from, to Value) Node {
	if to == nil {
		return Delete()
	}
	return Nested(Compute(from, to))
}

// ComputeUndo returns the diff that, applied to the post-edit state,
// reproduces start exactly: Compute(Apply(start, d), start).
func ComputeUndo(start Value, d Diff) Diff {
	return Compute(Apply(start, d), start)
}

// Apply merges d into state immutably, returning a fresh value.
// The input state is never mutated.
func Apply(state Value, d Diff) Value {
	out, _ := Clone(state).(Value)
	if out == nil {
		out = Value{}
	}
	ApplyMutable(out, d)
	return out
}

// ApplyMutable merges d into state in place. Callers must own state
// exclusively; this is the hot path behind Apply and the optimistic
// edit path, which both operate on already-cloned values.
func ApplyMutable(state Value, d Diff) {
	for k, n := range d {
		switch n.Kind {
		case KindDelete:
			delete(state, k)
		case KindServerTime:
			state[k] = time.Now()
		case KindNested:
			nested, ok := state[k].(Value)
			if !ok {
				nested = Value{}
				state[k] = nested
			}
			ApplyMutable(nested, n.Fields)
		default:
			state[k] = n.Leaf
		}
	}
}

// Merge deep-merges two diffs, with second overriding first at every leaf.
// Nested records merge recursively; everything else is replaced. Neither
// input is mutated.
func Merge(first, second Diff) Diff {
	out := make(Diff, len(first)+len(second))
	for k, n := range first {
		out[k] = n
	}
	for k, n := range second {
		prev, ok := out[k]
		if ok && prev.Kind == KindNested && n.Kind == KindNested {
			out[k] = Nested(Merge(prev.Fields, n.Fields))
			continue
		}
		out[k] = n
	}
	return out
}

// Clone deep-copies a value: nested records and arrays are copied,
// leaves are shared.
func Clone(v any) any {
	switch tv := v.(type) {
	case Value:
		out := make(Value, len(tv))
		for k, fv := range tv {
			out[k] = Clone(fv)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, fv := range tv {
			out[i] = Clone(fv)
		}
		return out
	default:
		return v
	}
}

// leafEqual compares two leaf values, using semantic equality for
// timestamps and deep equality for everything else.
func leafEqual(a, b any) bool {
	at, aok := a.(time.Time)
	bt, bok := b.(time.Time)
	if aok || bok {
		return aok && bok && at.Equal(bt)
	}
	return reflect.DeepEqual(a, b)
}
