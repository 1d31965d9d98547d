package diff

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint hashes a value into a stable 64-bit digest. Two values with
// the same fingerprint are the same record for change-detection purposes;
// key order never affects the result.
func Fingerprint(v Value) uint64 {
	d := xxhash.New()
	writeValue(d, v)
	return d.Sum64()
}

func writeValue(d *xxhash.Digest, v any) {
	switch tv := v.(type) {
	case Value:
		_, _ = d.WriteString("{")
		keys := make([]string, 0, len(tv))
		for k := range tv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_, _ = d.WriteString(k)
			_, _ = d.WriteString("=")
			writeValue(d, tv[k])
		}
		_, _ = d.WriteString("}")
	case []any:
		_, _ = d.WriteString("[")
		for _, e := range tv {
			writeValue(d, e)
		}
		_, _ = d.WriteString("]")
	case time.Time:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(tv.UnixNano()))
		_, _ = d.WriteString("t")
		_, _ = d.Write(buf[:])
	case nil:
		_, _ = d.WriteString("~")
	default:
		_, _ = fmt.Fprintf(d, "%T:%v;", tv, tv)
	}
}
