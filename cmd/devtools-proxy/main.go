package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"devtools-proxy-go/internal/client"
	"devtools-proxy-go/internal/config"
	"devtools-proxy-go/internal/handler"
	"devtools-proxy-go/internal/metrics"
	"devtools-proxy-go/internal/rewrite"
	"devtools-proxy-go/internal/server"
	"devtools-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("devtools-proxy"),
		kong.Description("Development proxy that injects an instrumentation script into HTML pages of a local app."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newInjector,
			client.NewUpstreamClient,
			service.NewProxyService,
			handler.NewWebSocketRelay,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			server.NewEcho,
			server.New,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	default:
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newInjector(cfg *config.Config) *rewrite.Injector {
	return rewrite.NewInjector(cfg.Inject.ScriptURL())
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, s *server.Server, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			port, err := s.Listen(ctx)
			if err != nil {
				return err
			}
			logger.Info("proxy ready", "url", fmt.Sprintf("http://localhost:%d", port))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return s.Shutdown(ctx)
		},
	})
}
