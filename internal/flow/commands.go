package flow

import "strings"

// commandKind classifies the control phrases recognized ahead of content
// handling.
type commandKind int

const (
	commandNone commandKind = iota
	commandFinalize
	commandChangeName
	commandChangeEvent
)

// command is one parsed control phrase. arg carries the remainder in its
// original casing (a name or an event id), trimmed.
type command struct {
	kind commandKind
	arg  string
}

const (
	changeNamePrefix  = "change name "
	changeEventPhrase = "change event"
)

// parseCommand matches the trimmed message body against the control phrases,
// case-insensitively. Anything unmatched is content.
func parseCommand(body string) command {
	trimmed := strings.TrimSpace(body)
	lower := strings.ToLower(trimmed)
	switch {
	case lower == "finalize" || lower == "finish":
		return command{kind: commandFinalize}
	case strings.HasPrefix(lower, changeNamePrefix):
		return command{kind: commandChangeName, arg: strings.TrimSpace(trimmed[len(changeNamePrefix):])}
	case lower == changeEventPhrase:
		return command{kind: commandChangeEvent}
	case strings.HasPrefix(lower, changeEventPhrase+" "):
		return command{kind: commandChangeEvent, arg: strings.TrimSpace(trimmed[len(changeEventPhrase)+1:])}
	default:
		return command{kind: commandNone}
	}
}

// isAffirmative reports whether a confirmation-state reply counts as yes.
// Anything else is a no.
func isAffirmative(body string) bool {
	switch strings.ToLower(strings.TrimSpace(body)) {
	case "yes", "y":
		return true
	default:
		return false
	}
}
