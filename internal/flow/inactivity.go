package flow

import (
	"strconv"
	"strings"
	"time"

	"github.com/AOI-Deliberation/EventTalk/internal/models"
)

// inactivityWindow is the threshold after which a user counts as inactive,
// and the minimum spacing between two inactivity menus.
const inactivityWindow = 24 * time.Hour

// userInactive reports whether the most recent event activity lies at least
// the inactivity window in the past. Users without any parseable activity
// are not inactive.
func userInactive(rec *models.UserTrackingRecord, now time.Time) bool {
	last, ok := rec.LastActivity()
	if !ok {
		return false
	}
	return now.Sub(last) >= inactivityWindow
}

// shouldPromptInactivity reports whether the event menu may be sent: never
// prompted before, or the previous prompt is at least the window old. An
// unreadable stored timestamp counts as never prompted.
func shouldPromptInactivity(lastPrompt string, now time.Time) bool {
	if lastPrompt == "" {
		return true
	}
	t, err := models.ParseTimestamp(lastPrompt)
	if err != nil {
		return true
	}
	return now.Sub(t) >= inactivityWindow
}

// parseSelection reads a menu ordinal. Only an unsigned digit run counts; a
// sign or any other character disqualifies the whole message.
func parseSelection(body string) (int, bool) {
	s := strings.TrimSpace(body)
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// handleInactivityChoice consumes the reply to a pending inactivity menu. A
// valid ordinal resumes that event. Unusable replies are re-prompted up to
// the threshold, after which the menu is abandoned: back to the previous
// event when one is current, otherwise to asking for an event id.
func handleInactivityChoice(rec *models.UserTrackingRecord, body, ts string) string {
	if sel, ok := parseSelection(body); ok && sel >= 1 && sel <= len(rec.Events) {
		chosen := rec.Events[sel-1].EventID
		rec.CurrentEventID = chosen
		rec.TouchEvent(chosen, ts)
		rec.ResumeFromInactivity()
		return continuingEventReply(chosen)
	}
	rec.InvalidAttempts++
	if rec.InvalidAttempts < models.InvalidAttemptThreshold {
		return msgInvalidSelection
	}
	if rec.CurrentEventID != "" {
		current := rec.CurrentEventID
		rec.TouchEvent(current, ts)
		rec.ResumeFromInactivity()
		return noSelectionReply(current)
	}
	rec.InvalidAttempts = 0
	rec.SetState(models.StateAwaitingEventID)
	return msgNoSelectionNoEvent
}
