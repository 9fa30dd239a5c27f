package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tunnel-gateway/internal/config"
	"tunnel-gateway/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, relay *RelayHandler, noScript *NoScriptHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET(config.HealthPath, health.Healthz)
	e.GET(config.StatusPath, health.Status)
	e.GET(cfg.Gateway.NoScriptPath, noScript.Redirect)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{
			Registry: m.Registry,
		})))
	}

	e.Any(cfg.Gateway.Prefix+"*", relay.Handle)

	if cfg.Gateway.StaticDir != "" {
		e.Static("/", cfg.Gateway.StaticDir)
	}
}
