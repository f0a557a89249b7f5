package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
)

// BotIdentity resolves and caches the bot's own open_id, used to decide
// whether a group message mentions the bot. Resolution failures are tolerated:
// the mention check falls back to treating any mention as a bot mention until
// a later lookup succeeds.
type BotIdentity struct {
	client *lark.Client
	tokens *TokenCache
	logger *slog.Logger

	mu     sync.Mutex
	openID string
}

// NewBotIdentity creates a lazy identity resolver backed by the bot info API.
func NewBotIdentity(client *lark.Client, tokens *TokenCache, log *slog.Logger) *BotIdentity {
	if log == nil {
		log = slog.Default()
	}
	return &BotIdentity{
		client: client,
		tokens: tokens,
		logger: log.With(slog.String("component", "bot_identity")),
	}
}

// OpenID returns the bot's open_id, fetching it on first use. It returns an
// empty string when the identity cannot be resolved yet.
func (b *BotIdentity) OpenID(ctx context.Context) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openID != "" {
		return b.openID
	}
	openID, err := b.fetch(ctx)
	if err != nil {
		b.logger.Warn("bot identity lookup failed", slog.Any("error", err))
		return ""
	}
	b.openID = openID
	b.logger.Info("bot identity resolved", slog.String("open_id", openID))
	return openID
}

func (b *BotIdentity) fetch(ctx context.Context) (string, error) {
	token, err := b.tokens.Token(ctx)
	if err != nil {
		return "", err
	}
	resp, err := b.client.Get(ctx, "/open-apis/bot/v3/info", nil,
		larkcore.AccessTokenTypeTenant, larkcore.WithTenantAccessToken(token))
	if err != nil {
		return "", fmt.Errorf("bot info: %w", err)
	}
	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Bot  struct {
			OpenID  string `json:"open_id"`
			AppName string `json:"app_name"`
		} `json:"bot"`
	}
	if err := json.Unmarshal(resp.RawBody, &body); err != nil {
		return "", fmt.Errorf("bot info: parse response: %w", err)
	}
	if body.Code != 0 {
		return "", fmt.Errorf("bot info: %s (code: %d)", body.Msg, body.Code)
	}
	openID := strings.TrimSpace(body.Bot.OpenID)
	if openID == "" {
		return "", fmt.Errorf("bot info: empty open_id")
	}
	return openID, nil
}
