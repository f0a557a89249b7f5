// Package gateway delivers normalized messages to the downstream gateway.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/imbridge/imbridge/internal/bridge"
)

// ForwardTimeout bounds a single delivery attempt.
const ForwardTimeout = 30 * time.Second

// Forwarder posts normalized messages to the gateway, best effort. Delivery is
// at-most-once: a failed forward is logged at error level and dropped, never
// retried or queued.
type Forwarder struct {
	baseURL string
	secret  string
	client  *http.Client
	logger  *slog.Logger
}

// NewForwarder creates a Forwarder for the given gateway base URL. secret, when
// non-empty, is sent as a bearer credential on every forward.
func NewForwarder(baseURL, secret string, log *slog.Logger) *Forwarder {
	if log == nil {
		log = slog.Default()
	}
	return &Forwarder{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		secret:  strings.TrimSpace(secret),
		client:  &http.Client{Timeout: ForwardTimeout},
		logger:  log.With(slog.String("component", "forwarder")),
	}
}

// Forward delivers msg to POST {base}/webhook/{channel}. It never reports
// failure to the caller: the event source already received its acknowledgment,
// so errors are logged and the message is dropped.
func (f *Forwarder) Forward(ctx context.Context, msg bridge.NormalizedMessage) {
	if err := f.post(ctx, msg); err != nil {
		f.logger.Error("forward to gateway failed",
			slog.String("channel", msg.Channel.String()),
			slog.String("message_id", msg.MessageID),
			slog.Any("error", fmt.Errorf("%w: %v", bridge.ErrDelivery, err)),
		)
	}
}

func (f *Forwarder) post(ctx context.Context, msg bridge.NormalizedMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	url := f.baseURL + "/webhook/" + msg.Channel.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.secret != "" {
		req.Header.Set("Authorization", "Bearer "+f.secret)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	f.logger.Info("message forwarded to gateway",
		slog.String("channel", msg.Channel.String()),
		slog.String("message_id", msg.MessageID),
		slog.Int("status", resp.StatusCode),
	)
	return nil
}
