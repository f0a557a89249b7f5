package feishu

import (
	"context"
	"encoding/json"
	"testing"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/imbridge/imbridge/internal/bridge"
)

type stubResolver struct{}

func (stubResolver) ResolveUser(_ context.Context, openID string) bridge.EntityInfo {
	return bridge.EntityInfo{ID: openID, Name: "Resolved " + openID}
}

func (stubResolver) ResolveChat(_ context.Context, chatID string) bridge.ChatInfo {
	return bridge.ChatInfo{ID: chatID, Name: "Chat " + chatID, Type: bridge.ChatGroup}
}

type stubIdentity struct{ openID string }

func (s stubIdentity) OpenID(context.Context) string { return s.openID }

type captureForwarder struct{ msgs []bridge.NormalizedMessage }

func (c *captureForwarder) Forward(_ context.Context, msg bridge.NormalizedMessage) {
	c.msgs = append(c.msgs, msg)
}

func strPtr(s string) *string { return &s }

func messageEvent(senderType, senderID, chatID, chatType, msgType, content string, mentions ...*larkim.MentionEvent) *larkim.P2MessageReceiveV1Data {
	return &larkim.P2MessageReceiveV1Data{
		Sender: &larkim.EventSender{
			SenderType: strPtr(senderType),
			SenderId:   &larkim.UserId{OpenId: strPtr(senderID)},
		},
		Message: &larkim.EventMessage{
			MessageId:   strPtr("om_1"),
			ChatId:      strPtr(chatID),
			ChatType:    strPtr(chatType),
			MessageType: strPtr(msgType),
			Content:     strPtr(content),
			CreateTime:  strPtr("1700000000000"),
			Mentions:    mentions,
		},
	}
}

func botMention(key, openID string) *larkim.MentionEvent {
	return &larkim.MentionEvent{
		Key: strPtr(key),
		Id:  &larkim.UserId{OpenId: strPtr(openID)},
	}
}

func TestPipelinePrivateMessage(t *testing.T) {
	t.Parallel()

	fwd := &captureForwarder{}
	p := NewPipeline(bridge.Policy{RequireMention: true}, stubResolver{}, stubIdentity{"ou_bot"}, fwd, nil)

	data := messageEvent("user", "ou_sender", "oc_p2p", "p2p", "text", `{"text":"hello"}`)
	raw, _ := json.Marshal(data)
	p.HandleMessage(context.Background(), data, raw)

	if len(fwd.msgs) != 1 {
		t.Fatalf("expected one forwarded message, got %d", len(fwd.msgs))
	}
	msg := fwd.msgs[0]
	if msg.Type != "message" || msg.Channel != Type {
		t.Fatalf("unexpected envelope: %+v", msg)
	}
	if msg.MessageID != "om_1" || msg.Timestamp != 1700000000000 {
		t.Fatalf("unexpected identity fields: %+v", msg)
	}
	if msg.Text != "hello" {
		t.Fatalf("unexpected text: %q", msg.Text)
	}
	if msg.From.ID != "ou_sender" || msg.From.Name != "Resolved ou_sender" {
		t.Fatalf("unexpected sender: %+v", msg.From)
	}
	// Private chats use the sender as the chat identity, without a lookup.
	if msg.Chat.ID != "ou_sender" || msg.Chat.Type != bridge.ChatPrivate {
		t.Fatalf("unexpected chat: %+v", msg.Chat)
	}
	if msg.IsMentioned {
		t.Fatal("private message without mentions must not be marked mentioned")
	}
	if msg.Raw == nil {
		t.Fatal("expected raw event attached")
	}
}

func TestPipelineGroupMentionStripping(t *testing.T) {
	t.Parallel()

	fwd := &captureForwarder{}
	p := NewPipeline(bridge.Policy{RequireMention: true}, stubResolver{}, stubIdentity{"ou_bot"}, fwd, nil)

	data := messageEvent("user", "ou_sender", "oc_group", "group", "text",
		`{"text":"@_user_1 restart the worker"}`, botMention("@_user_1", "ou_bot"))
	p.HandleMessage(context.Background(), data, nil)

	if len(fwd.msgs) != 1 {
		t.Fatalf("expected one forwarded message, got %d", len(fwd.msgs))
	}
	msg := fwd.msgs[0]
	if msg.Text != "restart the worker" {
		t.Fatalf("mention key not stripped: %q", msg.Text)
	}
	if !msg.IsMentioned {
		t.Fatal("expected bot mention detected")
	}
	if len(msg.Mentions) != 1 || msg.Mentions[0] != "ou_bot" {
		t.Fatalf("unexpected mentions: %v", msg.Mentions)
	}
	if msg.Chat.ID != "oc_group" || msg.Chat.Type != bridge.ChatGroup || msg.Chat.Name != "Chat oc_group" {
		t.Fatalf("unexpected chat: %+v", msg.Chat)
	}
}

func TestPipelineDropsNonHumanSender(t *testing.T) {
	t.Parallel()

	fwd := &captureForwarder{}
	p := NewPipeline(bridge.Policy{}, stubResolver{}, stubIdentity{"ou_bot"}, fwd, nil)

	data := messageEvent("app", "ou_app", "oc_p2p", "p2p", "text", `{"text":"hi"}`)
	p.HandleMessage(context.Background(), data, nil)

	if len(fwd.msgs) != 0 {
		t.Fatalf("expected drop, got %d messages", len(fwd.msgs))
	}
}

func TestPipelineDropsNonTextMessage(t *testing.T) {
	t.Parallel()

	fwd := &captureForwarder{}
	p := NewPipeline(bridge.Policy{}, stubResolver{}, stubIdentity{"ou_bot"}, fwd, nil)

	data := messageEvent("user", "ou_sender", "oc_p2p", "p2p", "image", `{"image_key":"img_1"}`)
	p.HandleMessage(context.Background(), data, nil)

	if len(fwd.msgs) != 0 {
		t.Fatalf("expected drop, got %d messages", len(fwd.msgs))
	}
}

func TestPipelineDropsGroupMessageMentioningSomeoneElse(t *testing.T) {
	t.Parallel()

	fwd := &captureForwarder{}
	p := NewPipeline(bridge.Policy{RequireMention: true}, stubResolver{}, stubIdentity{"ou_bot"}, fwd, nil)

	data := messageEvent("user", "ou_sender", "oc_group", "group", "text",
		`{"text":"@_user_1 hi"}`, botMention("@_user_1", "ou_colleague"))
	p.HandleMessage(context.Background(), data, nil)

	if len(fwd.msgs) != 0 {
		t.Fatalf("expected drop, got %d messages", len(fwd.msgs))
	}
}

func TestPipelineUnknownIdentityTreatsAnyMentionAsBot(t *testing.T) {
	t.Parallel()

	fwd := &captureForwarder{}
	p := NewPipeline(bridge.Policy{RequireMention: true}, stubResolver{}, stubIdentity{""}, fwd, nil)

	data := messageEvent("user", "ou_sender", "oc_group", "group", "text",
		`{"text":"@_user_1 hi"}`, botMention("@_user_1", "ou_whoever"))
	p.HandleMessage(context.Background(), data, nil)

	if len(fwd.msgs) != 1 {
		t.Fatalf("expected fallback mention handling to forward, got %d", len(fwd.msgs))
	}
	if !fwd.msgs[0].IsMentioned {
		t.Fatal("expected message marked mentioned")
	}
}
