// Package middleware provides Echo middleware for the gateway: token
// rewriting, logging, metrics and security headers.
package middleware

import (
	"log/slog"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// Paths under prefix are logged as prefix + "<token>" so destination URLs
// never reach the logs.
func RequestLogger(logger *slog.Logger, prefix string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			logger.Info("request",
				"method", req.Method,
				"path", redactPath(req.URL.Path, prefix),
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}

func redactPath(path, prefix string) string {
	if prefix != "" && strings.HasPrefix(path, prefix) {
		return prefix + "<token>"
	}
	return path
}
