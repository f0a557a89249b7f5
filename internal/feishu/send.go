package feishu

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
)

type messageSender interface {
	Create(ctx context.Context, req *larkim.CreateMessageReq, options ...larkcore.RequestOptionFunc) (*larkim.CreateMessageResp, error)
}

var sendMsgTypes = map[string]struct{}{
	larkim.MsgTypeText:        {},
	larkim.MsgTypePost:        {},
	larkim.MsgTypeImage:       {},
	larkim.MsgTypeFile:        {},
	larkim.MsgTypeAudio:       {},
	larkim.MsgTypeMedia:       {},
	larkim.MsgTypeSticker:     {},
	larkim.MsgTypeInteractive: {},
	larkim.MsgTypeShareChat:   {},
	larkim.MsgTypeShareUser:   {},
}

type sendRequest struct {
	To            string          `json:"to" validate:"required"`
	Type          string          `json:"type"`
	Content       json.RawMessage `json:"content" validate:"required"`
	ReceiveIDType string          `json:"receiveIdType"`
}

// SendHandler exposes the outbound message API. Requests carry the gateway
// secret as a bearer token when one is configured.
type SendHandler struct {
	secret string
	sender messageSender
	tokens tokenSource
	logger *slog.Logger
}

// NewSendHandler builds the outbound API handler around the lark message
// service.
func NewSendHandler(secret string, sender messageSender, tokens tokenSource, log *slog.Logger) *SendHandler {
	if log == nil {
		log = slog.Default()
	}
	return &SendHandler{
		secret: secret,
		sender: sender,
		tokens: tokens,
		logger: log.With(slog.String("handler", "feishu_send")),
	}
}

// Register registers the outbound API route.
func (h *SendHandler) Register(e *echo.Echo) {
	e.POST("/api/send", h.Handle)
}

// Handle sends one message through Feishu on behalf of the gateway.
func (h *SendHandler) Handle(c echo.Context) error {
	if !h.authorized(c) {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	var req sendRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "to and content are required"})
	}

	msgType := strings.TrimSpace(req.Type)
	if msgType == "" {
		msgType = larkim.MsgTypeText
	}
	if _, ok := sendMsgTypes[msgType]; !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": fmt.Sprintf("unsupported message type: %s", msgType)})
	}

	receiveIDType := strings.TrimSpace(req.ReceiveIDType)
	if receiveIDType == "" {
		receiveIDType = larkim.ReceiveIdTypeOpenId
	}

	content, err := contentString(msgType, req.Content)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	ctx := c.Request().Context()
	token, err := h.tokens.Token(ctx)
	if err != nil {
		h.logger.Error("token refresh failed", slog.String("error", err.Error()))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "failed to obtain access token"})
	}

	body := larkim.NewCreateMessageReqBodyBuilder().
		ReceiveId(req.To).
		MsgType(msgType).
		Content(content).
		Uuid(uuid.NewString()).
		Build()
	createReq := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveIDType).
		Body(body).
		Build()
	// The SDK builder only fills the request's internal apiReq; mirror the
	// body onto the exported field so callers holding the req can read it.
	createReq.Body = body

	resp, err := h.sender.Create(ctx, createReq, larkcore.WithTenantAccessToken(token))
	if err != nil {
		h.logger.Error("message send failed", slog.String("error", err.Error()))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": err.Error()})
	}
	if !resp.Success() {
		h.logger.Warn("message send rejected",
			slog.Int("code", resp.Code),
			slog.String("msg", resp.Msg),
		)
		return c.JSON(http.StatusBadRequest, echo.Map{"error": resp.Msg, "code": resp.Code})
	}

	messageID := ""
	if resp.Data != nil && resp.Data.MessageId != nil {
		messageID = *resp.Data.MessageId
	}
	h.logger.Info("message sent",
		slog.String("to", req.To),
		slog.String("message_type", msgType),
		slog.String("message_id", messageID),
	)
	return c.JSON(http.StatusOK, echo.Map{"success": true, "messageId": messageID})
}

func (h *SendHandler) authorized(c echo.Context) bool {
	if h.secret == "" {
		return true
	}
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) == 1
}

// contentString renders the request content as the JSON string the lark API
// expects. Text requests accept either a bare string or a prebuilt object;
// everything else must already be the platform's content object.
func contentString(msgType string, raw json.RawMessage) (string, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return "", fmt.Errorf("content is required")
	}
	if strings.HasPrefix(trimmed, `"`) {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return "", fmt.Errorf("invalid content: %v", err)
		}
		if msgType != larkim.MsgTypeText {
			return text, nil
		}
		payload, err := json.Marshal(map[string]string{"text": text})
		if err != nil {
			return "", fmt.Errorf("failed to marshal text content: %v", err)
		}
		return string(payload), nil
	}
	return trimmed, nil
}
