package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// HashAttributes computes a deterministic fingerprint over normalized
// attributes. Volatile metadata (receive time, origin, delivery ids) is
// never part of the attribute map, so equal content always hashes equal
// regardless of which path delivered it.
func HashAttributes(attrs map[string]any) string {
	h := sha256.New()
	writeCanonical(h, attrs)
	return hex.EncodeToString(h.Sum(nil))
}

// writeCanonical serializes a value with sorted map keys so the hash is
// independent of map iteration order.
func writeCanonical(w interface{ Write(p []byte) (int, error) }, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w.Write([]byte{'{'})
		for i, k := range keys {
			if i > 0 {
				w.Write([]byte{','})
			}
			kb, _ := json.Marshal(k)
			w.Write(kb)
			w.Write([]byte{':'})
			writeCanonical(w, val[k])
		}
		w.Write([]byte{'}'})
	case []any:
		w.Write([]byte{'['})
		for i, item := range val {
			if i > 0 {
				w.Write([]byte{','})
			}
			writeCanonical(w, item)
		}
		w.Write([]byte{']'})
	default:
		b, err := json.Marshal(val)
		if err != nil {
			b = []byte(fmt.Sprintf("%q", fmt.Sprint(val)))
		}
		w.Write(b)
	}
}
