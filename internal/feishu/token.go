package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/imbridge/imbridge/internal/bridge"
)

// refreshSkew is subtracted from the token expiry so a token is never handed
// out moments before the platform rejects it.
const refreshSkew = 60 * time.Second

const tenantTokenPath = "/open-apis/auth/v3/tenant_access_token/internal"

// TokenCache holds the tenant access token for the Feishu app and refreshes it
// synchronously on demand. Concurrent callers during a refresh share a single
// in-flight exchange call and observe the same result or the same failure.
//
// The lark SDK manages tokens internally, but the directory and send paths need
// explicit control over expiry and refresh dedup, so the exchange call is made
// directly and the cached token is injected into SDK requests via
// larkcore.WithTenantAccessToken.
type TokenCache struct {
	appID     string
	appSecret string
	baseURL   string
	client    *http.Client
	logger    *slog.Logger

	group singleflight.Group
	now   func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenCache creates an empty cache for the given app credentials.
func NewTokenCache(appID, appSecret, baseURL string, log *slog.Logger) *TokenCache {
	if log == nil {
		log = slog.Default()
	}
	return &TokenCache{
		appID:     appID,
		appSecret: appSecret,
		baseURL:   baseURL,
		client:    &http.Client{Timeout: 15 * time.Second},
		logger:    log.With(slog.String("component", "token_cache")),
		now:       time.Now,
	}
}

// Token returns a tenant access token, refreshing it when none is cached or
// the cached one is within refreshSkew of expiry.
func (t *TokenCache) Token(ctx context.Context) (string, error) {
	if tok, ok := t.cached(); ok {
		return tok, nil
	}
	value, err, _ := t.group.Do("tenant_access_token", func() (any, error) {
		// A racing caller may have refreshed while we waited on the group.
		if tok, ok := t.cached(); ok {
			return tok, nil
		}
		return t.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// Cached reports whether a usable token is currently held, without refreshing.
func (t *TokenCache) Cached() bool {
	_, ok := t.cached()
	return ok
}

func (t *TokenCache) cached() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.token != "" && t.now().Before(t.expiresAt.Add(-refreshSkew)) {
		return t.token, true
	}
	return "", false
}

func (t *TokenCache) refresh(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{
		"app_id":     t.appID,
		"app_secret": t.appSecret,
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshal token request: %v", bridge.ErrAuth, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+tenantTokenPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build token request: %v", bridge.ErrAuth, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token exchange: %v", bridge.ErrAuth, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read token response: %v", bridge.ErrAuth, err)
	}
	var payload struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int64  `json:"expire"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("%w: parse token response: %v", bridge.ErrAuth, err)
	}
	if payload.Code != 0 || payload.TenantAccessToken == "" {
		return "", fmt.Errorf("%w: token exchange: %s (code: %d)", bridge.ErrAuth, payload.Msg, payload.Code)
	}

	t.mu.Lock()
	t.token = payload.TenantAccessToken
	t.expiresAt = t.now().Add(time.Duration(payload.Expire) * time.Second)
	t.mu.Unlock()

	t.logger.Info("tenant access token refreshed", slog.Int64("expire_seconds", payload.Expire))
	return payload.TenantAccessToken, nil
}
