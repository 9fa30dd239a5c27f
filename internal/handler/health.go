package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"tunnel-gateway/internal/codec"
	"tunnel-gateway/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	codec   *codec.Codec
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, c *codec.Codec, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, codec: c, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns gateway status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":       "ok",
		"version":      string(h.version),
		"prefix":       h.cfg.Gateway.Prefix,
		"token_scheme": h.codec.Scheme().String(),
	})
}
