package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"tunnel-gateway/internal/codec"
	"tunnel-gateway/internal/metrics"
)

// TokenDecoder resolves a path token to its destination URL.
type TokenDecoder interface {
	DecodeScheme(token string) (string, codec.Scheme, error)
}

// invalidTokenMessage is the only detail a client learns about a rejected token.
const invalidTokenMessage = "invalid destination token"

// TokenRewriter returns an Echo middleware that replaces the token in
// prefix-routed request paths with the destination URL it encodes. It must be
// registered with Echo.Pre so routing and the relay only ever see decoded
// destinations. Requests outside the prefix pass through untouched.
//
// The query string after the token is carried over byte for byte. A request
// whose token does not decode is answered with 400 and never relayed.
func TokenRewriter(prefix string, dec TokenDecoder, logger *slog.Logger, m *metrics.Metrics) echo.MiddlewareFunc {
	logger = logger.With("component", "token_rewriter")

	record := func(scheme, outcome string) {
		if m != nil {
			m.TokenDecodes.WithLabelValues(scheme, outcome).Inc()
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			tokenPart, ok := strings.CutPrefix(req.URL.EscapedPath(), prefix)
			if !ok {
				return next(c)
			}
			queryPart := req.URL.RawQuery

			token, err := url.PathUnescape(tokenPart)
			if err != nil {
				record("none", "invalid")
				logger.Debug("token rejected", "err", err)
				return rejectToken(c)
			}

			dest, scheme, err := dec.DecodeScheme(token)
			if err != nil {
				record("none", "invalid")
				logger.Debug("token rejected", "err", err)
				return rejectToken(c)
			}
			if !validDestination(dest) {
				record(scheme.String(), "bad_destination")
				logger.Debug("token rejected", "scheme", scheme.String(), "err", "destination is not an absolute http(s) URL")
				return rejectToken(c)
			}

			rewritten := prefix + dest
			if queryPart != "" {
				sep := "?"
				if strings.Contains(dest, "?") {
					sep = "&"
				}
				rewritten += sep + queryPart
			}
			u, err := url.ParseRequestURI(rewritten)
			if err != nil {
				record(scheme.String(), "bad_destination")
				logger.Debug("token rejected", "scheme", scheme.String(), "err", err)
				return rejectToken(c)
			}

			record(scheme.String(), "ok")
			req.URL.Path = u.Path
			req.URL.RawPath = u.RawPath
			req.URL.RawQuery = u.RawQuery
			req.RequestURI = rewritten

			return next(c)
		}
	}
}

func validDestination(dest string) bool {
	u, err := url.Parse(dest)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}

func rejectToken(c echo.Context) error {
	return c.JSON(http.StatusBadRequest, map[string]string{
		"error": invalidTokenMessage,
	})
}
