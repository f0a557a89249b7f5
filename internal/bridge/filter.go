package bridge

import "slices"

// FilterEvent is the minimal view of an inbound event the filter decides on.
type FilterEvent struct {
	SenderID    string
	SenderHuman bool
	ChatID      string
	ChatType    string
	IsMentioned bool
}

// Policy holds the configured processing rules for inbound messages.
// Empty allow-lists admit everyone.
type Policy struct {
	AllowedUsers   []string
	AllowedGroups  []string
	RequireMention bool
}

// Allow reports whether the event should be processed. Rules run in order and
// short-circuit on the first failure; the second return value names the rule
// that dropped the event, for logging.
func (p Policy) Allow(ev FilterEvent) (bool, string) {
	if !ev.SenderHuman {
		return false, "non-human sender"
	}
	switch ev.ChatType {
	case ChatPrivate:
		if len(p.AllowedUsers) > 0 && !slices.Contains(p.AllowedUsers, ev.SenderID) {
			return false, "sender not in allow-list"
		}
	case ChatGroup:
		if len(p.AllowedGroups) > 0 && !slices.Contains(p.AllowedGroups, ev.ChatID) {
			return false, "group not in allow-list"
		}
		if p.RequireMention && !ev.IsMentioned {
			return false, "group message without bot mention"
		}
	default:
		return false, "unsupported chat type"
	}
	return true, ""
}
