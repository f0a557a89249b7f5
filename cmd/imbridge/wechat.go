package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/imbridge/imbridge/internal/config"
	"github.com/imbridge/imbridge/internal/gateway"
	"github.com/imbridge/imbridge/internal/server"
	"github.com/imbridge/imbridge/internal/wechat"
)

func wechatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wechat",
		Short: "Run the WeChat adapter",
		RunE:  runWeChat,
	}
}

func runWeChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateWeChat(); err != nil {
		return err
	}

	fx.New(
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideForwarder,
			provideSession,
			provideWeChatInbound,
			provideWeChatServer,
		),
		fx.Invoke(
			startSession,
			startServer,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	).Run()
	return nil
}

func provideSession(log *slog.Logger) *wechat.Session {
	return wechat.NewSession(log)
}

func provideWeChatInbound(cfg config.Config, session *wechat.Session, forwarder *gateway.Forwarder, log *slog.Logger) *wechat.Inbound {
	return wechat.NewInbound(session, cfg.Filter.Policy(), forwarder, cfg.WeChat.BotName, log)
}

func provideWeChatServer(cfg config.Config, session *wechat.Session, log *slog.Logger) *server.Server {
	api := wechat.NewAPIHandler(cfg.Gateway.Secret, session, log)
	addr := cfg.Server.Addr(config.DefaultWeChatPort)
	return server.New(addr, log, api)
}

// startSession installs the inbound pipeline and logs in. The QR scan blocks,
// so login runs in the background; the HTTP API answers 503 until it
// completes.
func startSession(lc fx.Lifecycle, cfg config.Config, session *wechat.Session, inbound *wechat.Inbound, shutdowner fx.Shutdowner, log *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			inbound.Attach()
			go func() {
				if err := session.Login(cfg.WeChat.HotLoginFile); err != nil {
					log.Error("wechat login failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
					return
				}
				if err := session.Block(); err != nil {
					log.Warn("wechat session ended", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return session.Logout()
		},
	})
}
