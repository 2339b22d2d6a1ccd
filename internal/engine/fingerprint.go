// Package engine runs tool queries: cache lookup, adapter fan-out under
// deadlines, result fusion, and confidence ranking.
package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Fingerprint computes the stable cache key for a tool invocation: the
// tool kind plus the canonical form of its input. Strings are lowercased,
// string sets are sorted, and map keys serialize in sorted order, so two
// equivalent requests always produce the same key.
func Fingerprint(toolKind string, input any) string {
	raw, err := json.Marshal(input)
	if err != nil {
		// Unmarshalable input cannot be cached; an unique key keeps the
		// caller on the uncached path.
		raw = []byte(toolKind)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		generic = string(raw)
	}
	canonical, _ := json.Marshal(normalize(generic))

	sum := sha256.Sum256(append([]byte(toolKind+"\x00"), canonical...))
	return hex.EncodeToString(sum[:])
}

// normalize lowercases strings, sorts homogeneous string slices, and
// recurses through maps and slices. encoding/json already serializes map
// keys in sorted order.
func normalize(v any) any {
	switch value := v.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(value))
	case []any:
		out := make([]any, len(value))
		allStrings := true
		for i, item := range value {
			out[i] = normalize(item)
			if _, ok := out[i].(string); !ok {
				allStrings = false
			}
		}
		if allStrings {
			sorted := make([]string, len(out))
			for i, item := range out {
				sorted[i] = item.(string)
			}
			sort.Strings(sorted)
			for i, s := range sorted {
				out[i] = s
			}
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(value))
		for key, item := range value {
			out[key] = normalize(item)
		}
		return out
	default:
		return v
	}
}
