package relay

import (
	"net/http/httputil"
	"net/url"
	"strings"

	"tunnel-gateway/internal/model"
)

// RequestAdapter edits an outbound request before it is dispatched to the
// destination. Destination-specific rules plug in here.
type RequestAdapter interface {
	Adapt(pr *httputil.ProxyRequest, target *model.Target)
}

// Decoder resolves a token to its destination URL.
type Decoder interface {
	Decode(token string) (string, error)
}

// RefererAdapter rewrites Referer and Origin headers that name the gateway
// back to the destination they stand for. Destinations never see gateway
// URLs, and pages relayed from one site do not leak to another through the
// gateway's own Referer.
type RefererAdapter struct {
	prefix string
	dec    Decoder
}

// NewRefererAdapter creates a RefererAdapter for gateway links under prefix.
func NewRefererAdapter(prefix string, dec Decoder) *RefererAdapter {
	return &RefererAdapter{prefix: prefix, dec: dec}
}

// Adapt implements RequestAdapter.
func (a *RefererAdapter) Adapt(pr *httputil.ProxyRequest, target *model.Target) {
	gatewayHost := pr.In.Host

	if ref := pr.Out.Header.Get("Referer"); ref != "" {
		if dest, ok := a.resolve(ref, gatewayHost); ok {
			pr.Out.Header.Set("Referer", dest)
		} else if sameHost(ref, gatewayHost) {
			pr.Out.Header.Del("Referer")
		}
	}

	if origin := pr.Out.Header.Get("Origin"); origin != "" && origin != "null" && sameHost(origin, gatewayHost) {
		pr.Out.Header.Set("Origin", target.Origin())
	}
}

// resolve decodes a gateway link back to its destination.
func (a *RefererAdapter) resolve(raw, gatewayHost string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || !strings.EqualFold(u.Host, gatewayHost) {
		return "", false
	}
	tokenPart, ok := strings.CutPrefix(u.EscapedPath(), a.prefix)
	if !ok || tokenPart == "" {
		return "", false
	}
	token, err := url.PathUnescape(tokenPart)
	if err != nil {
		return "", false
	}
	dest, err := a.dec.Decode(token)
	if err != nil {
		return "", false
	}
	if u.RawQuery != "" {
		sep := "?"
		if strings.Contains(dest, "?") {
			sep = "&"
		}
		dest += sep + u.RawQuery
	}
	return dest, true
}

func sameHost(raw, host string) bool {
	u, err := url.Parse(raw)
	return err == nil && strings.EqualFold(u.Host, host)
}

var _ RequestAdapter = (*RefererAdapter)(nil)

// headerAdapter applies the configured User-Agent override and limits
// Accept-Encoding to codings the relay can decode.
type headerAdapter struct {
	userAgent string
}

func (a headerAdapter) Adapt(pr *httputil.ProxyRequest, _ *model.Target) {
	if a.userAgent != "" {
		pr.Out.Header.Set("User-Agent", a.userAgent)
	}
	if ae := pr.Out.Header.Get("Accept-Encoding"); ae != "" {
		if kept := acceptEncoding(ae); kept != "" {
			pr.Out.Header.Set("Accept-Encoding", kept)
		} else {
			pr.Out.Header.Del("Accept-Encoding")
		}
	}
}
