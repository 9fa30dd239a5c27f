package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"golang.org/x/net/http/httpguts"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// IsUpgrade reports whether r asks for a protocol upgrade such as WebSocket.
func IsUpgrade(h http.Header) bool {
	return httpguts.HeaderValuesContainsToken(h["Connection"], "upgrade") && h.Get("Upgrade") != ""
}

// SecurityHeaders returns an Echo middleware that adds security headers
// and strips hop-by-hop headers from requests. Upgrade requests keep their
// Connection and Upgrade headers so the relay can forward the handshake.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Request().Header
			upgrade := IsUpgrade(h)
			for _, name := range hopByHopHeaders {
				if upgrade && (name == "Connection" || name == "Upgrade") {
					continue
				}
				h.Del(name)
			}

			res := c.Response()
			res.Before(func() {
				res.Header().Set("X-Content-Type-Options", "nosniff")
				// Proxied pages frame each other through the gateway origin.
				res.Header().Set("X-Frame-Options", "SAMEORIGIN")
			})

			return next(c)
		}
	}
}
