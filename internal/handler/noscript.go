package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"tunnel-gateway/internal/link"
	"tunnel-gateway/internal/metrics"
)

// NoScriptHandler redirects clients that cannot run the navigation script
// to the gateway link for a plaintext destination.
type NoScriptHandler struct {
	links   *link.Builder
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewNoScriptHandler creates a NoScriptHandler. The metrics parameter is optional.
func NewNoScriptHandler(links *link.Builder, logger *slog.Logger, m *metrics.Metrics) *NoScriptHandler {
	return &NoScriptHandler{
		links:   links,
		logger:  logger.With("component", "no_script"),
		metrics: m,
	}
}

// Redirect answers GET <no-script-path>?url=<destination> with a 302 to the
// gateway link for the destination, or to "/" when url is missing.
func (h *NoScriptHandler) Redirect(c echo.Context) error {
	dest := c.QueryParam("url")
	if dest == "" {
		return c.Redirect(http.StatusFound, "/")
	}

	loc, err := h.links.Build(dest)
	if err != nil {
		if errors.Is(err, link.ErrUnsupportedScheme) {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "url must be an http or https URL",
			})
		}
		h.logger.Error("build gateway link", "err", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "could not build gateway link",
		})
	}

	if h.metrics != nil {
		h.metrics.RedirectsBuilt.Inc()
	}
	return c.Redirect(http.StatusFound, loc)
}
