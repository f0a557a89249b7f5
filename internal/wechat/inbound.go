package wechat

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/eatmoreapple/openwechat"

	"github.com/imbridge/imbridge/internal/bridge"
)

type messageForwarder interface {
	Forward(ctx context.Context, msg bridge.NormalizedMessage)
}

// groupSenderPrefix is the "@sender:" marker the web protocol prepends to
// chatroom message bodies.
var groupSenderPrefix = regexp.MustCompile(`^@[0-9a-zA-Z_-]+:(<br/>|\n)?\s*`)

// Inbound normalizes session messages and forwards them to the gateway.
type Inbound struct {
	session   *Session
	policy    bridge.Policy
	forwarder messageForwarder
	botName   string
	logger    *slog.Logger
}

// NewInbound wires the inbound pipeline. botName overrides the logged-in
// display name used for @-mention stripping when set.
func NewInbound(session *Session, policy bridge.Policy, forwarder messageForwarder, botName string, log *slog.Logger) *Inbound {
	if log == nil {
		log = slog.Default()
	}
	return &Inbound{
		session:   session,
		policy:    policy,
		forwarder: forwarder,
		botName:   botName,
		logger:    log.With(slog.String("adapter", "wechat")),
	}
}

// Attach installs the pipeline as the session's message callback.
func (in *Inbound) Attach() {
	in.session.OnMessage(in.HandleMessage)
}

// HandleMessage filters, normalizes, and forwards one session message.
func (in *Inbound) HandleMessage(msg *openwechat.Message) {
	if msg == nil || msg.IsSendBySelf() {
		return
	}
	if !msg.IsText() {
		in.logger.Debug("non-text message dropped", slog.String("message_id", msg.MsgId))
		return
	}

	isGroup := msg.IsSendByGroup()
	sender, err := msg.Sender()
	if err != nil || sender == nil {
		in.logger.Warn("sender resolution failed", slog.String("message_id", msg.MsgId))
		return
	}

	from := sender
	var chat bridge.ChatInfo
	if isGroup {
		member, err := msg.SenderInGroup()
		if err != nil || member == nil {
			in.logger.Warn("group member resolution failed", slog.String("message_id", msg.MsgId))
			return
		}
		from = member
		chat = bridge.ChatInfo{ID: sender.UserName, Type: bridge.ChatGroup, Name: sender.NickName}
	} else {
		chat = bridge.ChatInfo{ID: sender.UserName, Type: bridge.ChatPrivate}
	}

	isMentioned := isGroup && msg.IsAt()

	allowed, reason := in.policy.Allow(bridge.FilterEvent{
		SenderID:    from.UserName,
		SenderHuman: true,
		ChatID:      chat.ID,
		ChatType:    chat.Type,
		IsMentioned: isMentioned,
	})
	if !allowed {
		in.logger.Info("message dropped",
			slog.String("message_id", msg.MsgId),
			slog.String("reason", reason),
		)
		return
	}

	rawText := msg.Content
	if isGroup {
		rawText = groupSenderPrefix.ReplaceAllString(rawText, "")
	}
	text := bridge.StripAtNames(rawText, in.mentionNames())

	out := bridge.NewMessage(Type)
	out.MessageID = msg.MsgId
	out.Timestamp = msg.CreateTime * 1000
	out.From = bridge.EntityInfo{
		ID:    from.UserName,
		Name:  from.NickName,
		Alias: from.RemarkName,
	}
	out.Chat = chat
	out.Text = text
	out.RawText = rawText
	if isMentioned {
		out.Mentions = []string{in.session.SelfID()}
	}
	out.IsMentioned = isMentioned

	in.forwarder.Forward(context.Background(), out)
}

// mentionNames lists the display names an @-mention of the bot may use.
func (in *Inbound) mentionNames() []string {
	names := make([]string, 0, 2)
	if in.botName != "" {
		names = append(names, in.botName)
	}
	if self := in.session.BotName(); self != "" && self != in.botName {
		names = append(names, self)
	}
	return names
}
