package tui

import "strings"

// humanError keeps the innermost message of a wrapped error for the feed.
// "move t-1: update task t-1 rejected (422): blocked" → "Blocked"
func humanError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	idx := strings.LastIndex(msg, ": ")
	if idx == -1 || idx+2 >= len(msg) {
		return msg
	}
	inner := msg[idx+2:]
	return strings.ToUpper(inner[:1]) + inner[1:]
}
