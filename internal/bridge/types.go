// Package bridge defines the platform-agnostic message pipeline shared by the
// channel adapters: the normalized wire schema sent to the downstream gateway,
// the permission and mention filter, and the error taxonomy.
package bridge

import "strings"

// Channel identifies a messaging platform (e.g., "feishu", "wechat").
type Channel string

// String returns the channel as a plain string.
func (c Channel) String() string {
	return string(c)
}

// Chat type values used in NormalizedMessage.Chat.Type.
const (
	ChatPrivate = "private"
	ChatGroup   = "group"
)

// EntityInfo is the display metadata for a user or chat, resolved from the
// platform directory. Values are copied into messages at construction time;
// later cache updates never mutate an already-built message.
type EntityInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Avatar string `json:"avatar,omitempty"`
	Alias  string `json:"alias,omitempty"`
}

// ChatInfo is the chat context of a message: the target entity plus its kind.
type ChatInfo struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// NormalizedMessage is the unified payload forwarded to the gateway. The JSON
// field names are the gateway wire contract and must not change.
type NormalizedMessage struct {
	Type        string     `json:"type"`
	Channel     Channel    `json:"channel"`
	MessageID   string     `json:"messageId"`
	Timestamp   int64      `json:"timestamp"`
	From        EntityInfo `json:"from"`
	Chat        ChatInfo   `json:"chat"`
	Text        string     `json:"text"`
	RawText     string     `json:"rawText,omitempty"`
	Mentions    []string   `json:"mentions"`
	IsMentioned bool       `json:"isMentioned"`
	Raw         any        `json:"raw,omitempty"`
}

// NewMessage builds a NormalizedMessage with the fixed event type set.
func NewMessage(channel Channel) NormalizedMessage {
	return NormalizedMessage{
		Type:     "message",
		Channel:  channel,
		Mentions: []string{},
	}
}

// SplitList parses a comma-separated allow-list, dropping empty entries.
func SplitList(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		result = append(result, p)
	}
	return result
}
