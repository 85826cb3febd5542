package flow

import "github.com/AOI-Deliberation/EventTalk/internal/models"

// deduplicateEvents collapses repeated event ids into one entry each,
// keeping the maximum timestamp of the group and first-occurrence order.
// It reports whether anything changed so callers can skip the write.
// Idempotent: running it over its own output is a no-op.
func deduplicateEvents(events []models.EventRef) ([]models.EventRef, bool) {
	if len(events) == 0 {
		return events, false
	}
	index := make(map[string]int, len(events))
	out := make([]models.EventRef, 0, len(events))
	changed := false
	for _, ev := range events {
		i, seen := index[ev.EventID]
		if !seen {
			index[ev.EventID] = len(out)
			out = append(out, ev)
			continue
		}
		changed = true
		if models.CompareTimestamps(ev.Timestamp, out[i].Timestamp) > 0 {
			out[i].Timestamp = ev.Timestamp
		}
	}
	return out, changed
}
