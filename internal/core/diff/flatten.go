package diff

import "strings"

// Flatten converts a nested diff into a single-level mapping keyed by
// dot-separated paths. Arrays, deletion sentinels, server-timestamp
// sentinels and timestamp leaves stop the descent and become leaves at
// their dotted path. The remote store's partial-merge write addresses
// fields this way.
func Flatten(d Diff) map[string]Node {
	flat := make(map[string]Node)
	flattenInto(flat, "", d)
	return flat
}

func flattenInto(flat map[string]Node, prefix string, d Diff) {
	for k, n := range d {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if n.Kind == KindNested {
			flattenInto(flat, path, n.Fields)
			continue
		}
		flat[path] = n
	}
}

// Unflatten rebuilds a nested diff from its dotted-path form. It is the
// inverse of Flatten for any diff Flatten can produce.
func Unflatten(flat map[string]Node) Diff {
	d := Diff{}
	for path, n := range flat {
		d = Merge(d, CreateAtPath(path, n))
	}
	return d
}

// ContainsPath reports whether the diff touches the given dot-separated
// path, at any depth.
func ContainsPath(d Diff, path string) bool {
	_, ok := ExtractValue(d, path)
	return ok
}

// ExtractValue walks the diff along a dot-separated path and returns the
// node found there, if any.
func ExtractValue(d Diff, path string) (Node, bool) {
	parts := strings.Split(path, ".")
	for i, part := range parts {
		n, ok := d[part]
		if !ok {
			return Node{}, false
		}
		if i == len(parts)-1 {
			return n, true
		}
		if n.Kind != KindNested {
			return Node{}, false
		}
		d = n.Fields
	}
	return Node{}, false
}

// CreateAtPath builds a diff containing a single node at the given
// dot-separated path, wrapping it in nested diffs as needed.
func CreateAtPath(path string, n Node) Diff {
	parts := strings.Split(path, ".")
	d := Diff{parts[len(parts)-1]: n}
	for i := len(parts) - 2; i >= 0; i-- {
		d = Diff{parts[i]: Nested(d)}
	}
	return d
}
