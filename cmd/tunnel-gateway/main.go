package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"tunnel-gateway/internal/codec"
	"tunnel-gateway/internal/config"
	"tunnel-gateway/internal/handler"
	"tunnel-gateway/internal/link"
	"tunnel-gateway/internal/metrics"
	"tunnel-gateway/internal/middleware"
	"tunnel-gateway/internal/relay"
	"tunnel-gateway/internal/transform"
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
		kong.Name("tunnel-gateway"),
		kong.Description("Gateway that relays requests to destinations encoded in opaque path tokens."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			codec.New,
			link.NewBuilder,
			metrics.New,
			newRouteLabeler,
			newFilters,
			newAdapters,
			relay.NewTransport,
			newEngine,
			newEcho,
			handler.NewRelayHandler,
			handler.NewNoScriptHandler,
			handler.NewHealthHandler,
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
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newRouteLabeler(cfg *config.Config) *metrics.RouteLabeler {
	return metrics.NewRouteLabeler(cfg.Gateway.Prefix,
		config.HealthPath, config.StatusPath, cfg.Gateway.NoScriptPath, cfg.Metrics.Path)
}

// newFilters registers the HTML injector when a fragment is configured.
func newFilters(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) ([]relay.ResponseFilter, error) {
	fragment, err := transform.LoadFragment(cfg)
	if err != nil {
		return nil, err
	}
	if len(fragment) == 0 {
		logger.Info("no injection fragment configured; HTML is relayed unchanged")
		return nil, nil
	}
	return []relay.ResponseFilter{transform.NewHTMLFilter(fragment, logger, m)}, nil
}

func newAdapters(cfg *config.Config, c *codec.Codec) []relay.RequestAdapter {
	return []relay.RequestAdapter{relay.NewRefererAdapter(cfg.Gateway.Prefix, c)}
}

func newEngine(cfg *config.Config, tr *relay.Transport, links *link.Builder, adapters []relay.RequestAdapter, filters []relay.ResponseFilter, logger *slog.Logger) *relay.Engine {
	return relay.NewEngine(cfg, tr, links, adapters, filters, logger)
}

func newEcho(cfg *config.Config, logger *slog.Logger, c *codec.Codec, m *metrics.Metrics, routes *metrics.RouteLabeler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout is disabled (0): relayed pages and WebSocket sessions stream
	// for as long as the destination keeps sending.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	// Everything runs before routing. The token rewriter must change the path
	// before the router sees it, and rejected tokens still go through
	// recovery, logging, metrics and rate limiting ahead of it.
	e.Pre(echomw.Recover())
	e.Pre(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Pre(middleware.RequestLogger(logger, cfg.Gateway.Prefix))
	e.Pre(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Pre(middleware.SecurityHeaders())
	e.Pre(middleware.MetricsMiddleware(m, routes))

	if cfg.Server.RateLimit.Enabled {
		e.Pre(middleware.RateLimiter(cfg.Server.RateLimit))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	e.Pre(middleware.TokenRewriter(cfg.Gateway.Prefix, c, logger, m))

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, tr *relay.Transport, cfg *config.Config, c *codec.Codec, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"prefix", cfg.Gateway.Prefix,
				"token_scheme", c.Scheme().String(),
				"accept_legacy", cfg.Codec.AcceptLegacyEnabled(),
				"accept_plaintext", cfg.Codec.AcceptPlaintextEnabled(),
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			defer tr.CloseIdleConnections()
			return e.Shutdown(ctx)
		},
	})
}
