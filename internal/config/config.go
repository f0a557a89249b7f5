// Package config loads the bridge configuration from the environment.
// A .env file in the working directory is honored when present.
package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/imbridge/imbridge/internal/bridge"
)

// Defaults for optional settings.
const (
	DefaultGatewayURL  = "http://127.0.0.1:18789"
	DefaultFeishuPort  = 3002
	DefaultWeChatPort  = 3001
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"
	DefaultWeChatName  = "Bridge Assistant"
	DefaultMentionGate = true
)

// Config is the full environment-sourced configuration. Each subcommand
// validates only the sections it runs with.
type Config struct {
	Log     LogConfig
	Server  ServerConfig
	Gateway GatewayConfig
	Filter  FilterConfig
	Feishu  FeishuConfig
	WeChat  WeChatConfig
}

// LogConfig controls slog verbosity and output format.
type LogConfig struct {
	Level  string
	Format string
}

// ServerConfig holds the HTTP listen port. Zero means the subcommand default.
type ServerConfig struct {
	Port int
}

// Addr returns the echo listen address for the given fallback port.
func (s ServerConfig) Addr(fallback int) string {
	port := s.Port
	if port == 0 {
		port = fallback
	}
	return fmt.Sprintf(":%d", port)
}

// GatewayConfig points at the downstream gateway.
type GatewayConfig struct {
	URL    string `validate:"required,url"`
	Secret string
}

// FilterConfig holds the inbound permission rules.
type FilterConfig struct {
	AllowedUsers   []string
	AllowedGroups  []string
	RequireMention bool
}

// Policy converts the filter configuration into a bridge.Policy.
func (f FilterConfig) Policy() bridge.Policy {
	return bridge.Policy{
		AllowedUsers:   f.AllowedUsers,
		AllowedGroups:  f.AllowedGroups,
		RequireMention: f.RequireMention,
	}
}

// FeishuConfig holds the Feishu app credentials and event-security settings.
type FeishuConfig struct {
	AppID             string `validate:"required"`
	AppSecret         string `validate:"required"`
	VerificationToken string
	EncryptKey        string
}

// WeChatConfig holds the WeChat session settings.
type WeChatConfig struct {
	BotName      string
	HotLoginFile string
}

// Load reads configuration from the environment. Missing variables fall back
// to defaults; required credentials are checked by ValidateFeishu or
// ValidateWeChat depending on the subcommand.
func Load() (Config, error) {
	// Best effort: absence of a .env file is not an error.
	_ = godotenv.Load()

	v := viper.New()
	v.SetDefault("gateway_url", DefaultGatewayURL)
	v.SetDefault("require_mention_in_group", DefaultMentionGate)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_format", DefaultLogFormat)
	v.SetDefault("wechat_bot_name", DefaultWeChatName)
	v.AutomaticEnv()

	cfg := Config{
		Log: LogConfig{
			Level:  v.GetString("log_level"),
			Format: v.GetString("log_format"),
		},
		Server: ServerConfig{
			Port: v.GetInt("port"),
		},
		Gateway: GatewayConfig{
			URL:    v.GetString("gateway_url"),
			Secret: v.GetString("gateway_secret"),
		},
		Filter: FilterConfig{
			AllowedUsers:   bridge.SplitList(v.GetString("allowed_users")),
			AllowedGroups:  bridge.SplitList(v.GetString("allowed_groups")),
			RequireMention: v.GetBool("require_mention_in_group"),
		},
		Feishu: FeishuConfig{
			AppID:             v.GetString("feishu_app_id"),
			AppSecret:         v.GetString("feishu_app_secret"),
			VerificationToken: v.GetString("feishu_verification_token"),
			EncryptKey:        v.GetString("feishu_encrypt_key"),
		},
		WeChat: WeChatConfig{
			BotName:      v.GetString("wechat_bot_name"),
			HotLoginFile: v.GetString("wechat_hot_login_file"),
		},
	}
	return cfg, nil
}

// ValidateFeishu checks the settings the feishu subcommand requires.
func (c Config) ValidateFeishu() error {
	validate := validator.New()
	if err := validate.Struct(c.Feishu); err != nil {
		return fmt.Errorf("feishu config: set FEISHU_APP_ID and FEISHU_APP_SECRET: %w", err)
	}
	if err := validate.Struct(c.Gateway); err != nil {
		return fmt.Errorf("gateway config: %w", err)
	}
	return nil
}

// ValidateWeChat checks the settings the wechat subcommand requires.
func (c Config) ValidateWeChat() error {
	validate := validator.New()
	if err := validate.Struct(c.Gateway); err != nil {
		return fmt.Errorf("gateway config: %w", err)
	}
	return nil
}
