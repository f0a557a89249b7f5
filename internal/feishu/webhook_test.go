package feishu

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/imbridge/imbridge/internal/config"
)

type fakePipeline struct {
	called chan *larkim.P2MessageReceiveV1Data
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{called: make(chan *larkim.P2MessageReceiveV1Data, 4)}
}

func (f *fakePipeline) HandleMessage(_ context.Context, data *larkim.P2MessageReceiveV1Data, _ json.RawMessage) {
	f.called <- data
}

func postWebhook(t *testing.T, h *WebhookHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhook/feishu", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.Handle(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec
}

func TestWebhookChallengeEcho(t *testing.T) {
	t.Parallel()

	pipeline := newFakePipeline()
	h := NewWebhookHandler(config.FeishuConfig{VerificationToken: "verify"}, pipeline, nil)

	rec := postWebhook(t, h, `{"type":"url_verification","challenge":"ping-123","token":"verify"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["challenge"] != "ping-123" {
		t.Fatalf("unexpected challenge: %q", resp["challenge"])
	}
}

func TestWebhookTokenMismatch(t *testing.T) {
	t.Parallel()

	pipeline := newFakePipeline()
	h := NewWebhookHandler(config.FeishuConfig{VerificationToken: "verify"}, pipeline, nil)

	rec := postWebhook(t, h, `{"schema":"2.0","header":{"event_type":"im.message.receive_v1","token":"wrong"},"event":{}}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	select {
	case <-pipeline.called:
		t.Fatal("rejected event must not reach the pipeline")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebhookMessageEventAckAndProcess(t *testing.T) {
	t.Parallel()

	pipeline := newFakePipeline()
	h := NewWebhookHandler(config.FeishuConfig{VerificationToken: "verify"}, pipeline, nil)

	body := `{"schema":"2.0","header":{"event_type":"im.message.receive_v1","token":"verify"},` +
		`"event":{"sender":{"sender_type":"user","sender_id":{"open_id":"ou_1"}},` +
		`"message":{"message_id":"om_1","chat_id":"oc_1","chat_type":"p2p","message_type":"text","content":"{\"text\":\"hi\"}"}}}`
	rec := postWebhook(t, h, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var resp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["code"] != 0 {
		t.Fatalf("unexpected ack body: %s", rec.Body.String())
	}

	select {
	case data := <-pipeline.called:
		if data.Message == nil || data.Message.MessageId == nil || *data.Message.MessageId != "om_1" {
			t.Fatalf("unexpected event data: %+v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline was not invoked")
	}
}

func TestWebhookNonMessageEventAcked(t *testing.T) {
	t.Parallel()

	pipeline := newFakePipeline()
	h := NewWebhookHandler(config.FeishuConfig{VerificationToken: "verify"}, pipeline, nil)

	rec := postWebhook(t, h, `{"schema":"2.0","header":{"event_type":"im.chat.updated_v1","token":"verify"},"event":{}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	select {
	case <-pipeline.called:
		t.Fatal("non-message event must not reach the pipeline")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebhookEncryptedChallenge(t *testing.T) {
	t.Parallel()

	pipeline := newFakePipeline()
	h := NewWebhookHandler(config.FeishuConfig{VerificationToken: "verify", EncryptKey: "enc-key"}, pipeline, nil)

	inner := `{"type":"url_verification","challenge":"enc-ping","token":"verify"}`
	wrapper, err := json.Marshal(map[string]string{"encrypt": encryptEvent(t, "enc-key", []byte(inner))})
	if err != nil {
		t.Fatalf("marshal wrapper: %v", err)
	}
	rec := postWebhook(t, h, string(wrapper))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "enc-ping") {
		t.Fatalf("unexpected response: %s", rec.Body.String())
	}
}

func TestWebhookUndecryptableEvent(t *testing.T) {
	t.Parallel()

	pipeline := newFakePipeline()
	h := NewWebhookHandler(config.FeishuConfig{VerificationToken: "verify", EncryptKey: "enc-key"}, pipeline, nil)

	rec := postWebhook(t, h, `{"encrypt":"not-valid-base64!!"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}
