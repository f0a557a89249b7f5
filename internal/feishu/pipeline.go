package feishu

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/imbridge/imbridge/internal/bridge"
)

type entityResolver interface {
	ResolveUser(ctx context.Context, openID string) bridge.EntityInfo
	ResolveChat(ctx context.Context, chatID string) bridge.ChatInfo
}

type identitySource interface {
	OpenID(ctx context.Context) string
}

type messageForwarder interface {
	Forward(ctx context.Context, msg bridge.NormalizedMessage)
}

// Pipeline turns an authenticated Feishu message event into a normalized
// message and forwards it to the gateway. It runs after the webhook response
// has already been written; nothing here may touch the HTTP request.
type Pipeline struct {
	policy    bridge.Policy
	directory entityResolver
	identity  identitySource
	forwarder messageForwarder
	logger    *slog.Logger
}

// NewPipeline wires the inbound processing pipeline.
func NewPipeline(policy bridge.Policy, directory entityResolver, identity identitySource, forwarder messageForwarder, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		policy:    policy,
		directory: directory,
		identity:  identity,
		forwarder: forwarder,
		logger:    log.With(slog.String("adapter", "feishu")),
	}
}

// HandleMessage filters, normalizes, and forwards one message event. raw is
// the decrypted event object carried through to the gateway payload.
func (p *Pipeline) HandleMessage(ctx context.Context, data *larkim.P2MessageReceiveV1Data, raw json.RawMessage) {
	if data == nil || data.Sender == nil || data.Message == nil {
		p.logger.Warn("message event missing sender or message")
		return
	}
	sender := data.Sender
	message := data.Message

	senderID := ""
	if sender.SenderId != nil {
		senderID = ptrStr(sender.SenderId.OpenId)
	}
	chatID := ptrStr(message.ChatId)
	chatType := normalizeChatType(ptrStr(message.ChatType))
	messageID := ptrStr(message.MessageId)

	mentions := mentionOpenIDs(message.Mentions)
	isMentioned := p.isBotMentioned(ctx, mentions)

	allowed, reason := p.policy.Allow(bridge.FilterEvent{
		SenderID:    senderID,
		SenderHuman: ptrStr(sender.SenderType) == "user",
		ChatID:      chatID,
		ChatType:    chatType,
		IsMentioned: isMentioned,
	})
	if !allowed {
		p.logger.Info("message dropped",
			slog.String("message_id", messageID),
			slog.String("reason", reason),
		)
		return
	}

	msgType := ptrStr(message.MessageType)
	if msgType != larkim.MsgTypeText {
		p.logger.Info("unsupported message type dropped",
			slog.String("message_id", messageID),
			slog.String("message_type", msgType),
		)
		return
	}

	rawText := extractText(message.Content)
	text := bridge.StripMentionKeys(rawText, mentionKeys(message.Mentions))

	from := p.directory.ResolveUser(ctx, senderID)
	var chat bridge.ChatInfo
	if chatType == bridge.ChatGroup {
		chat = p.directory.ResolveChat(ctx, chatID)
	} else {
		chat = bridge.ChatInfo{ID: senderID, Type: bridge.ChatPrivate}
	}

	msg := bridge.NewMessage(Type)
	msg.MessageID = messageID
	msg.Timestamp = parseCreateTime(message.CreateTime)
	msg.From = from
	msg.Chat = chat
	msg.Text = text
	msg.Mentions = mentions
	msg.IsMentioned = isMentioned
	if len(raw) > 0 {
		msg.Raw = raw
	}

	p.forwarder.Forward(ctx, msg)
}

// isBotMentioned checks the bot's open_id against the event mentions. When the
// identity probe has not succeeded yet, any mention counts as a bot mention.
func (p *Pipeline) isBotMentioned(ctx context.Context, mentions []string) bool {
	botID := p.identity.OpenID(ctx)
	if botID == "" {
		return len(mentions) > 0
	}
	for _, id := range mentions {
		if id == botID {
			return true
		}
	}
	return false
}

func normalizeChatType(raw string) string {
	switch raw {
	case "p2p":
		return bridge.ChatPrivate
	case "group", "topic":
		return bridge.ChatGroup
	default:
		return raw
	}
}

func extractText(content *string) string {
	if content == nil {
		return ""
	}
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(*content), &payload); err != nil {
		return ""
	}
	return payload.Text
}

// mentionOpenIDs returns the mentioned open_ids in event order.
func mentionOpenIDs(mentions []*larkim.MentionEvent) []string {
	result := make([]string, 0, len(mentions))
	for _, m := range mentions {
		if m == nil || m.Id == nil {
			continue
		}
		if id := ptrStr(m.Id.OpenId); id != "" {
			result = append(result, id)
		}
	}
	return result
}

func mentionKeys(mentions []*larkim.MentionEvent) []string {
	result := make([]string, 0, len(mentions))
	for _, m := range mentions {
		if m == nil {
			continue
		}
		if key := ptrStr(m.Key); key != "" {
			result = append(result, key)
		}
	}
	return result
}

func parseCreateTime(raw *string) int64 {
	value, err := strconv.ParseInt(ptrStr(raw), 10, 64)
	if err != nil {
		return 0
	}
	return value
}
