package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/imbridge/imbridge/internal/bridge"
	"github.com/imbridge/imbridge/internal/config"
)

const webhookMaxBodyBytes int64 = 1 << 20 // 1 MiB

const eventMessageReceive = "im.message.receive_v1"

type messagePipeline interface {
	HandleMessage(ctx context.Context, data *larkim.P2MessageReceiveV1Data, raw json.RawMessage)
}

// eventEnvelope covers both the v1 (flat token/type) and v2 (header) callback
// schemas, plus the url_verification handshake.
type eventEnvelope struct {
	Schema    string          `json:"schema"`
	Type      string          `json:"type"`
	Token     string          `json:"token"`
	Challenge string          `json:"challenge"`
	Header    *eventHeader    `json:"header"`
	Event     json.RawMessage `json:"event"`
}

type eventHeader struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	Token     string `json:"token"`
}

// WebhookHandler receives Feishu event-subscription callbacks, authenticates
// them, and hands message events to the pipeline. The callback is acknowledged
// before the pipeline runs; Feishu retries on slow responses otherwise.
type WebhookHandler struct {
	verificationToken string
	encryptKey        string
	pipeline          messagePipeline
	logger            *slog.Logger
}

// NewWebhookHandler creates the public callback handler.
func NewWebhookHandler(cfg config.FeishuConfig, pipeline messagePipeline, log *slog.Logger) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		verificationToken: cfg.VerificationToken,
		encryptKey:        cfg.EncryptKey,
		pipeline:          pipeline,
		logger:            log.With(slog.String("handler", "feishu_webhook")),
	}
}

// Register registers the callback route.
func (h *WebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhook/feishu", h.Handle)
}

// Handle processes one event-subscription callback.
func (h *WebhookHandler) Handle(c echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, webhookMaxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(payload)) > webhookMaxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload too large: max %d bytes", webhookMaxBodyBytes))
	}

	payload, err = h.decryptIfNeeded(payload)
	if err != nil {
		h.logger.Error("event decryption failed", slog.String("error", err.Error()))
		return c.JSON(bridge.HTTPStatus(err), echo.Map{"error": "failed to decrypt event"})
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid event payload: %v", err))
	}

	if envelope.Type == "url_verification" {
		return c.JSON(http.StatusOK, echo.Map{"challenge": envelope.Challenge})
	}

	if !h.tokenValid(envelope) {
		h.logger.Warn("verification token mismatch")
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
	}

	if envelope.Header == nil || envelope.Header.EventType != eventMessageReceive {
		return c.JSON(http.StatusOK, echo.Map{"code": 0})
	}

	var data larkim.P2MessageReceiveV1Data
	if err := json.Unmarshal(envelope.Event, &data); err != nil {
		h.logger.Warn("malformed message event", slog.String("error", err.Error()))
		return c.JSON(http.StatusOK, echo.Map{"code": 0})
	}

	// Ack first, process after. The processing context is detached from the
	// request so the ack response does not cancel it.
	ctx := context.WithoutCancel(c.Request().Context())
	go h.pipeline.HandleMessage(ctx, &data, envelope.Event)

	return c.JSON(http.StatusOK, echo.Map{"code": 0})
}

// decryptIfNeeded unwraps the {"encrypt": "..."} envelope when an encrypt key
// is configured and the payload carries one.
func (h *WebhookHandler) decryptIfNeeded(payload []byte) ([]byte, error) {
	var wrapper struct {
		Encrypt string `json:"encrypt"`
	}
	if err := json.Unmarshal(payload, &wrapper); err != nil || wrapper.Encrypt == "" {
		return payload, nil
	}
	if strings.TrimSpace(h.encryptKey) == "" {
		return nil, fmt.Errorf("%w: received encrypted event but no encrypt key configured", bridge.ErrDecrypt)
	}
	plain, err := DecryptEvent(h.encryptKey, wrapper.Encrypt)
	if err != nil {
		return nil, err
	}
	return plain, nil
}

// tokenValid compares the callback token against the configured verification
// token. An empty configured token disables the check.
func (h *WebhookHandler) tokenValid(envelope eventEnvelope) bool {
	expected := strings.TrimSpace(h.verificationToken)
	if expected == "" {
		return true
	}
	token := strings.TrimSpace(envelope.Token)
	if envelope.Header != nil && strings.TrimSpace(envelope.Header.Token) != "" {
		token = strings.TrimSpace(envelope.Header.Token)
	}
	return token == expected
}
