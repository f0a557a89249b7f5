// Package feishu implements the Feishu (Lark) channel adapter: webhook event
// authentication, the inbound normalization pipeline, the tenant token cache,
// the directory resolver, and the outbound send API.
package feishu

import (
	lark "github.com/larksuite/oapi-sdk-go/v3"

	"github.com/imbridge/imbridge/internal/bridge"
	"github.com/imbridge/imbridge/internal/config"
)

// Type is the channel identifier used in normalized messages and routes.
const Type = bridge.Channel("feishu")

// NewLarkClient builds the shared lark API client for the configured app.
// Requests carry tokens from the TokenCache rather than the SDK's own manager.
func NewLarkClient(cfg config.FeishuConfig) *lark.Client {
	return lark.NewClient(cfg.AppID, cfg.AppSecret, lark.WithOpenBaseUrl(lark.FeishuBaseUrl))
}
