package syncclient

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MutationTimestamps is satisfied by an Engine's in-memory mutation-timestamp
// map, narrowed to the single getter computeFingerprint needs.
type MutationTimestamps interface {
	GetMutationTimestamp(table, rowID string) int64
}

// canFingerprint reports whether every row in rows carries keyField, so
// computeFingerprint can be called safely. An empty set always qualifies.
func canFingerprint(rows []json.RawMessage, keyField string) bool {
	for _, raw := range rows {
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return false
		}
		if _, ok := fields[keyField]; !ok {
			return false
		}
	}
	return true
}

// computeFingerprint returns "<n>:<k1>@<ts1>,..." for rows, where tsᵢ is the
// engine's last recorded local mutation timestamp for (table, kᵢ). It is
// order-sensitive by design: callers that want a stable fingerprint across
// re-fetches must fetch in a stable order themselves.
func computeFingerprint(rows []json.RawMessage, mt MutationTimestamps, table, keyField string) string {
	if keyField == "" {
		keyField = "id"
	}
	parts := make([]string, 0, len(rows))
	for _, raw := range rows {
		var fields map[string]any
		_ = json.Unmarshal(raw, &fields)
		key := rowKeyValue(fields[keyField])
		ts := mt.GetMutationTimestamp(table, key)
		parts = append(parts, fmt.Sprintf("%s@%d", key, ts))
	}
	return fmt.Sprintf("%d:%s", len(rows), strings.Join(parts, ","))
}

// rowKeyValue coerces a decoded JSON key field to a string, treating a
// missing or nullish value as empty per §4.4's fingerprinting rule.
func rowKeyValue(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
