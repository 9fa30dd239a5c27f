// Package relay forwards rewritten gateway requests to their destinations and
// streams the responses back through the registered response filters.
//
// The request path is expected in its rewritten form, prefix followed by the
// absolute destination URL. Upgrade requests such as WebSocket handshakes are
// relayed on the same path and then spliced byte for byte.
package relay

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"

	"tunnel-gateway/internal/config"
	"tunnel-gateway/internal/model"
	"tunnel-gateway/internal/transform"
)

// ResponseFilter rewrites response bodies of the media types it lists.
type ResponseFilter interface {
	MediaTypes() []string
	Wrap(body io.Reader) io.Reader
}

// LinkBuilder turns a destination URL into a gateway link.
type LinkBuilder interface {
	Build(dest string) (string, error)
}

type ctxKey int

const (
	targetKey ctxKey = iota
	failureKey
)

// Engine relays requests to the destination carried in their path.
type Engine struct {
	prefix   string
	adapters []RequestAdapter
	filters  map[string]ResponseFilter
	links    LinkBuilder
	strip    []string
	logger   *slog.Logger
	proxy    *httputil.ReverseProxy
}

// NewEngine creates an Engine. Adapters run in order on every outbound
// request. A filter is chosen by the response media type; later filters
// replace earlier ones for the same type. links may be nil, in which case
// redirects are passed through unchanged.
func NewEngine(cfg *config.Config, transport http.RoundTripper, links LinkBuilder, adapters []RequestAdapter, filters []ResponseFilter, logger *slog.Logger) *Engine {
	e := &Engine{
		prefix:   cfg.Gateway.Prefix,
		adapters: append([]RequestAdapter{headerAdapter{userAgent: cfg.Relay.UserAgent}}, adapters...),
		filters:  make(map[string]ResponseFilter),
		links:    links,
		strip:    cfg.Relay.StripResponseHeaders,
		logger:   logger.With("component", "relay"),
	}
	for _, f := range filters {
		for _, mt := range f.MediaTypes() {
			e.filters[strings.ToLower(mt)] = f
		}
	}

	e.proxy = &httputil.ReverseProxy{
		Rewrite:        e.rewrite,
		Transport:      transport,
		FlushInterval:  -1,
		ModifyResponse: e.modifyResponse,
		ErrorHandler:   e.captureError,
		ErrorLog:       slog.NewLogLogger(e.logger.Handler(), slog.LevelWarn),
	}
	return e
}

// Serve relays r and streams the response to w. An error is returned only
// when nothing has been written yet; the caller then owns the error response.
func (e *Engine) Serve(w http.ResponseWriter, r *http.Request) error {
	target, err := model.ParseTarget(e.prefix, r.URL)
	if err != nil {
		return err
	}

	var failure error
	ctx := context.WithValue(r.Context(), targetKey, target)
	ctx = context.WithValue(ctx, failureKey, &failure)

	e.logger.Debug("relaying", "method", r.Method, "host", target.URL.Host)
	e.proxy.ServeHTTP(w, r.WithContext(ctx))
	return failure
}

func (e *Engine) rewrite(pr *httputil.ProxyRequest) {
	target := pr.In.Context().Value(targetKey).(*model.Target)

	u := *target.URL
	pr.Out.URL = &u
	pr.Out.Host = ""
	pr.Out.RequestURI = ""

	for _, a := range e.adapters {
		a.Adapt(pr, target)
	}
}

func (e *Engine) modifyResponse(resp *http.Response) error {
	for _, name := range e.strip {
		resp.Header.Del(name)
	}
	e.rewriteLocation(resp)

	if resp.StatusCode == http.StatusSwitchingProtocols {
		return nil
	}
	e.applyFilter(resp)
	return nil
}

// rewriteLocation points redirects back through the gateway.
func (e *Engine) rewriteLocation(resp *http.Response) {
	loc := resp.Header.Get("Location")
	if loc == "" || e.links == nil || resp.Request == nil {
		return
	}
	u, err := resp.Request.URL.Parse(loc)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return
	}
	u.Fragment = ""
	u.RawFragment = ""

	link, err := e.links.Build(u.String())
	if err != nil {
		e.logger.Debug("redirect not rewritten", "err", err)
		return
	}
	resp.Header.Set("Location", link)
}

func (e *Engine) applyFilter(resp *http.Response) {
	if resp.Body == nil || resp.Body == http.NoBody ||
		resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified ||
		(resp.Request != nil && resp.Request.Method == http.MethodHead) {
		return
	}

	f, ok := e.filters[transform.MediaType(resp.Header.Get("Content-Type"))]
	if !ok {
		return
	}

	body, err := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		e.logger.Debug("response not filtered", "err", err)
		return
	}

	resp.Body = &filteredBody{Reader: f.Wrap(body), Closer: body}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
}

// captureError hands relay failures back to Serve so the caller can map them
// to a response.
func (e *Engine) captureError(w http.ResponseWriter, r *http.Request, err error) {
	if p, ok := r.Context().Value(failureKey).(*error); ok {
		*p = err
		return
	}
	e.logger.Error("relay error", "err", err)
	w.WriteHeader(http.StatusBadGateway)
}

type filteredBody struct {
	io.Reader
	io.Closer
}
