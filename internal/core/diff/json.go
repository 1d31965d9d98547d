package diff

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire form of a node. The kind tag keeps the sentinel cases unambiguous
// and lets timestamps survive a JSON round trip.
type nodeJSON struct {
	Kind      string          `json:"k"`
	Leaf      json.RawMessage `json:"v,omitempty"`
	Timestamp string          `json:"ts,omitempty"`
	Fields    Diff            `json:"f,omitempty"`
}

const (
	wireValue      = "v"
	wireNested     = "n"
	wireDelete     = "d"
	wireServerTime = "t"
)

// MarshalJSON encodes the node in its tagged wire form.
func (n Node) MarshalJSON() ([]byte, error) {
	switch n.Kind {
	case KindDelete:
		return json.Marshal(nodeJSON{Kind: wireDelete})
	case KindServerTime:
		return json.Marshal(nodeJSON{Kind: wireServerTime})
	case KindNested:
		return json.Marshal(nodeJSON{Kind: wireNested, Fields: n.Fields})
	default:
		if ts, ok := n.Leaf.(time.Time); ok {
			return json.Marshal(nodeJSON{Kind: wireValue, Timestamp: ts.Format(time.RFC3339Nano)})
		}
		leaf, err := json.Marshal(n.Leaf)
		if err != nil {
			return nil, err
		}
		return json.Marshal(nodeJSON{Kind: wireValue, Leaf: leaf})
	}
}

// UnmarshalJSON decodes the tagged wire form.
func (n *Node) UnmarshalJSON(data []byte) error {
	var w nodeJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case wireDelete:
		*n = Delete()
	case wireServerTime:
		*n = ServerTimestamp()
	case wireNested:
		fields := w.Fields
		if fields == nil {
			fields = Diff{}
		}
		*n = Nested(fields)
	case wireValue:
		if w.Timestamp != "" {
			ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
			if err != nil {
				return fmt.Errorf("diff: parse timestamp leaf: %w", err)
			}
			*n = Set(ts)
			return nil
		}
		var leaf any
		if err := json.Unmarshal(w.Leaf, &leaf); err != nil {
			return err
		}
		*n = Set(leaf)
	default:
		return fmt.Errorf("diff: unknown node kind %q", w.Kind)
	}
	return nil
}
