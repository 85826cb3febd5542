// Package util provides small helpers shared across EventTalk components.
package util

import (
	"math/rand/v2"
	"strings"
)

// PickString returns a uniformly random element of options, or "" when the
// slice is empty. Uses math/rand/v2; callers pick canned replies, not secrets.
func PickString(options []string) string {
	if len(options) == 0 {
		return ""
	}
	return options[rand.IntN(len(options))]
}

// TruncateString shortens s to at most max runes, appending an ellipsis when
// anything was cut. Rune-aware so multi-byte text is never split mid-character.
func TruncateString(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max]) + "…"
}
