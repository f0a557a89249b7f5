package feishu

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

type fakeSender struct {
	req  *larkim.CreateMessageReq
	resp *larkim.CreateMessageResp
	err  error
}

func (f *fakeSender) Create(_ context.Context, req *larkim.CreateMessageReq, _ ...larkcore.RequestOptionFunc) (*larkim.CreateMessageResp, error) {
	f.req = req
	return f.resp, f.err
}

type staticTokens struct{ token string }

func (s staticTokens) Token(context.Context) (string, error) { return s.token, nil }

type structValidator struct{ v *validator.Validate }

func (s *structValidator) Validate(i any) error { return s.v.Struct(i) }

func sendResp(code int, messageID string) *larkim.CreateMessageResp {
	resp := &larkim.CreateMessageResp{CodeError: larkcore.CodeError{Code: code}}
	if messageID != "" {
		resp.Data = &larkim.CreateMessageRespData{MessageId: &messageID}
	}
	return resp
}

func postSend(t *testing.T, h *SendHandler, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	e.Validator = &structValidator{v: validator.New()}
	req := httptest.NewRequest(http.MethodPost, "/api/send", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if bearer != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.Handle(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec
}

func TestSendRequiresBearer(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{resp: sendResp(0, "om_1")}
	h := NewSendHandler("secret", sender, staticTokens{"tok"}, nil)

	for _, bearer := range []string{"", "wrong"} {
		rec := postSend(t, h, `{"to":"ou_1","content":"hi"}`, bearer)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("bearer %q: unexpected status %d", bearer, rec.Code)
		}
	}
	if sender.req != nil {
		t.Fatal("unauthorized request must not reach the platform")
	}
}

func TestSendValidation(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{resp: sendResp(0, "om_1")}
	h := NewSendHandler("", sender, staticTokens{"tok"}, nil)

	rec := postSend(t, h, `{"content":"hi"}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	rec = postSend(t, h, `{"to":"ou_1","type":"carousel","content":"hi"}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if sender.req != nil {
		t.Fatal("invalid request must not reach the platform")
	}
}

func TestSendTextMessage(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{resp: sendResp(0, "om_1")}
	h := NewSendHandler("secret", sender, staticTokens{"tok"}, nil)

	rec := postSend(t, h, `{"to":"ou_1","content":"hello there"}`, "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d, body %s", rec.Code, rec.Body.String())
	}
	if sender.req == nil || sender.req.Body == nil {
		t.Fatal("expected a platform call")
	}
	body := sender.req.Body
	if body.ReceiveId == nil || *body.ReceiveId != "ou_1" {
		t.Fatalf("unexpected receive id: %+v", body.ReceiveId)
	}
	if body.MsgType == nil || *body.MsgType != larkim.MsgTypeText {
		t.Fatalf("unexpected msg type: %+v", body.MsgType)
	}
	var content map[string]string
	if err := json.Unmarshal([]byte(*body.Content), &content); err != nil {
		t.Fatalf("content is not JSON: %v", err)
	}
	if content["text"] != "hello there" {
		t.Fatalf("unexpected content: %q", *body.Content)
	}
	if body.Uuid == nil || *body.Uuid == "" {
		t.Fatal("expected a dedup uuid")
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["success"] != true || resp["messageId"] != "om_1" {
		t.Fatalf("unexpected response: %v", resp)
	}
}

func TestSendObjectContentPassthrough(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{resp: sendResp(0, "om_2")}
	h := NewSendHandler("", sender, staticTokens{"tok"}, nil)

	rec := postSend(t, h, `{"to":"oc_1","type":"interactive","receiveIdType":"chat_id","content":{"config":{}}}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d, body %s", rec.Code, rec.Body.String())
	}
	if got := *sender.req.Body.Content; got != `{"config":{}}` {
		t.Fatalf("unexpected content: %q", got)
	}
}

func TestSendUpstreamRejection(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{resp: &larkim.CreateMessageResp{CodeError: larkcore.CodeError{Code: 230002, Msg: "receiver not found"}}}
	h := NewSendHandler("", sender, staticTokens{"tok"}, nil)

	rec := postSend(t, h, `{"to":"ou_missing","content":"hi"}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "receiver not found") {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}
