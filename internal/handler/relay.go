package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"tunnel-gateway/internal/config"
	"tunnel-gateway/internal/model"
	"tunnel-gateway/internal/relay"
)

// Relayer relays a rewritten gateway request and streams the response.
type Relayer interface {
	Serve(w http.ResponseWriter, r *http.Request) error
}

// RelayHandler forwards prefix-routed requests to their destinations.
type RelayHandler struct {
	relay  Relayer
	prefix string
	logger *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(cfg *config.Config, r *relay.Engine, logger *slog.Logger) *RelayHandler {
	return newRelayHandler(r, cfg.Gateway.Prefix, logger)
}

func newRelayHandler(r Relayer, prefix string, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		relay:  r,
		prefix: prefix,
		logger: logger.With("component", "relay_handler"),
	}
}

// Handle relays the request. Failures before any response byte was written
// are mapped to JSON errors; later failures can only truncate the stream,
// which the relay logs.
func (h *RelayHandler) Handle(c echo.Context) error {
	if err := h.relay.Serve(c.Response(), c.Request()); err != nil {
		return h.mapError(c, err)
	}
	return nil
}

func (h *RelayHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("relay error",
		"err", sanitizeError(err, h.prefix, c.Request().URL),
	)

	if errors.Is(err, model.ErrBadTarget) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid destination token",
		})
	}

	if errors.Is(err, relay.ErrForbiddenAddress) {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "destination not allowed",
		})
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// sanitizeError removes the destination host from error messages. DNS and
// dial failures name it, and destinations must not reach the logs.
func sanitizeError(err error, prefix string, u *url.URL) string {
	msg := err.Error()
	if t, perr := model.ParseTarget(prefix, u); perr == nil {
		if host := t.URL.Hostname(); host != "" {
			msg = strings.ReplaceAll(msg, host, "[REDACTED]")
		}
	}
	return msg
}
