package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/imbridge/imbridge/internal/config"
	"github.com/imbridge/imbridge/internal/feishu"
	"github.com/imbridge/imbridge/internal/gateway"
	"github.com/imbridge/imbridge/internal/logger"
	"github.com/imbridge/imbridge/internal/server"
)

func feishuCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feishu",
		Short: "Run the Feishu adapter",
		RunE:  runFeishu,
	}
}

func runFeishu(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateFeishu(); err != nil {
		return err
	}

	fx.New(
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideLarkClient,
			provideTokenCache,
			provideBotIdentity,
			provideDirectory,
			provideForwarder,
			provideFeishuPipeline,
			provideFeishuHandlers,
			provideFeishuServer,
		),
		fx.Invoke(
			prefetchToken,
			startServer,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	).Run()
	return nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideLarkClient(cfg config.Config) *lark.Client {
	return feishu.NewLarkClient(cfg.Feishu)
}

func provideTokenCache(cfg config.Config, log *slog.Logger) *feishu.TokenCache {
	return feishu.NewTokenCache(cfg.Feishu.AppID, cfg.Feishu.AppSecret, lark.FeishuBaseUrl, log)
}

func provideBotIdentity(client *lark.Client, tokens *feishu.TokenCache, log *slog.Logger) *feishu.BotIdentity {
	return feishu.NewBotIdentity(client, tokens, log)
}

func provideDirectory(client *lark.Client, tokens *feishu.TokenCache, log *slog.Logger) *feishu.Directory {
	return feishu.NewDirectory(client.Contact.User, client.Im.Chat, tokens, log)
}

func provideForwarder(cfg config.Config, log *slog.Logger) *gateway.Forwarder {
	return gateway.NewForwarder(cfg.Gateway.URL, cfg.Gateway.Secret, log)
}

func provideFeishuPipeline(cfg config.Config, directory *feishu.Directory, identity *feishu.BotIdentity, forwarder *gateway.Forwarder, log *slog.Logger) *feishu.Pipeline {
	return feishu.NewPipeline(cfg.Filter.Policy(), directory, identity, forwarder, log)
}

type feishuHandlers struct {
	webhook *feishu.WebhookHandler
	send    *feishu.SendHandler
	health  *feishu.HealthHandler
}

func provideFeishuHandlers(cfg config.Config, client *lark.Client, tokens *feishu.TokenCache, pipeline *feishu.Pipeline, log *slog.Logger) feishuHandlers {
	return feishuHandlers{
		webhook: feishu.NewWebhookHandler(cfg.Feishu, pipeline, log),
		send:    feishu.NewSendHandler(cfg.Gateway.Secret, client.Im.V1.Message, tokens, log),
		health:  feishu.NewHealthHandler(cfg.Feishu.AppID, tokens),
	}
}

func provideFeishuServer(cfg config.Config, handlers feishuHandlers, log *slog.Logger) *server.Server {
	addr := cfg.Server.Addr(config.DefaultFeishuPort)
	return server.New(addr, log, handlers.webhook, handlers.send, handlers.health)
}

// prefetchToken warms the credential cache at startup. Failure is logged and
// tolerated; the cache retries on first use.
func prefetchToken(lc fx.Lifecycle, tokens *feishu.TokenCache, log *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			warmCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if _, err := tokens.Token(warmCtx); err != nil {
				log.Warn("token prefetch failed", slog.String("error", err.Error()))
			}
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, srv *server.Server, shutdowner fx.Shutdowner, log *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
