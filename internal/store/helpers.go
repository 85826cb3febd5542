package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// marshalDoc serializes a record for storage in a JSON document column.
func marshalDoc(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return b, nil
}

// unmarshalDoc deserializes a JSON document column into a record.
func unmarshalDoc(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

// cacheTTLFromSettings reads cache_ttl_seconds out of a blocklist settings
// document. Numbers arrive as different concrete types per backend (Firestore
// int64, JSON float64, operator-entered strings); non-positive or missing
// values fall back to the default.
func cacheTTLFromSettings(data map[string]any) time.Duration {
	v, ok := data["cache_ttl_seconds"]
	if !ok {
		return DefaultBlocklistCacheTTL
	}
	var seconds int
	switch n := v.(type) {
	case int:
		seconds = n
	case int64:
		seconds = int(n)
	case float64:
		seconds = int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			seconds = int(i)
		}
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			seconds = i
		}
	}
	if seconds <= 0 {
		return DefaultBlocklistCacheTTL
	}
	return time.Duration(seconds) * time.Second
}
