package bridge

import (
	"regexp"
	"strings"
)

// StripMentionKeys removes every mention marker substring (exact match, e.g.
// Feishu's "@_user_1" keys) from text and trims the result. Stripping is
// idempotent: text without markers comes back unchanged apart from trimming.
func StripMentionKeys(text string, keys []string) string {
	for _, key := range keys {
		if key == "" {
			continue
		}
		text = strings.ReplaceAll(text, key, "")
	}
	return strings.TrimSpace(text)
}

// StripAtNames removes "@Name" markers for each given display name, including
// the trailing separator WeChat appends after a mention (U+2005 or a regular
// space). Names are matched literally.
func StripAtNames(text string, names []string) string {
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		pattern := regexp.MustCompile("@" + regexp.QuoteMeta(name) + "[ \\s]*")
		text = pattern.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(text)
}
