package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"tunnel-gateway/internal/codec"
	"tunnel-gateway/internal/config"
	"tunnel-gateway/internal/link"
	"tunnel-gateway/internal/metrics"
	"tunnel-gateway/internal/middleware"
	"tunnel-gateway/internal/relay"
	"tunnel-gateway/internal/transform"
)

const testFragment = "<script>track()</script>"

func testConfig(staticDir string) *config.Config {
	return &config.Config{
		Gateway: config.GatewayConfig{
			Prefix:       "/proxy/",
			NoScriptPath: "/no-js",
			StaticDir:    staticDir,
		},
		Relay: config.RelayConfig{
			TimeoutSeconds:       10,
			IdleConnections:      10,
			AllowPrivateNetworks: true,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// newGatewayEcho assembles the request pipeline the way the binary does:
// token rewriting before routing, then the gateway routes.
func newGatewayEcho(t *testing.T, cfg *config.Config, rh *RelayHandler) (*echo.Echo, *codec.Codec) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	cdc := newTestCodec(t)
	links := link.NewBuilder(cfg, cdc)

	if rh == nil {
		tr := relay.NewTransport(cfg, logger, m)
		t.Cleanup(tr.CloseIdleConnections)
		engine := relay.NewEngine(cfg, tr, links,
			[]relay.RequestAdapter{relay.NewRefererAdapter(cfg.Gateway.Prefix, cdc)},
			[]relay.ResponseFilter{transform.NewHTMLFilter([]byte(testFragment), logger, m)},
			logger)
		rh = NewRelayHandler(cfg, engine, logger)
	}

	e := echo.New()
	e.Pre(middleware.TokenRewriter(cfg.Gateway.Prefix, cdc, logger, m))
	RegisterRoutes(e, cfg, rh, NewNoScriptHandler(links, logger, m), NewHealthHandler(cfg, cdc, "test"), m)
	return e, cdc
}

func encodedPath(t *testing.T, c *codec.Codec, dest string) string {
	t.Helper()
	token, err := c.Encode(dest)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return "/proxy/" + url.PathEscape(token)
}

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	static := t.TempDir()
	if err := os.WriteFile(filepath.Join(static, "index.html"), []byte("<h1>gateway</h1>"), 0o600); err != nil {
		t.Fatal(err)
	}

	e, cdc := newGatewayEcho(t, testConfig(static), nil)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /_gateway/status", http.MethodGet, "/_gateway/status", http.StatusOK},
		{"GET /metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"GET /no-js", http.MethodGet, "/no-js?url=https%3A%2F%2Fexample.com", http.StatusFound},
		{"GET relay", http.MethodGet, encodedPath(t, cdc, upstream.URL+"/api"), http.StatusOK},
		{"POST relay", http.MethodPost, encodedPath(t, cdc, upstream.URL+"/api"), http.StatusOK},
		{"GET plaintext relay", http.MethodGet, "/proxy/" + upstream.URL + "/api", http.StatusOK},
		{"GET invalid token", http.MethodGet, "/proxy/garbage!!", http.StatusBadRequest},
		{"GET static file", http.MethodGet, "/index.html", http.StatusOK},
		{"GET missing static file", http.MethodGet, "/missing.css", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_NoStaticDir(t *testing.T) {
	e, _ := newGatewayEcho(t, testConfig(""), nil)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/index.html", http.NoBody))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	cfg := testConfig("")
	cfg.Metrics.Enabled = false
	e, _ := newGatewayEcho(t, cfg, nil)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestGateway_RewritesBeforeRelay(t *testing.T) {
	f := &fakeRelay{}
	cfg := testConfig("")
	e, cdc := newGatewayEcho(t, cfg, newRelayHandler(f, cfg.Gateway.Prefix, slog.New(slog.NewTextHandler(io.Discard, nil))))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, encodedPath(t, cdc, "https://example.com/")+"?a=1&b=%2F", http.NoBody))

	if !f.called {
		t.Fatal("relay was not reached")
	}
	if f.gotPath != "/proxy/https://example.com/" {
		t.Errorf("relay path = %q, want %q", f.gotPath, "/proxy/https://example.com/")
	}
	if f.gotQuery != "a=1&b=%2F" {
		t.Errorf("relay query = %q, want %q", f.gotQuery, "a=1&b=%2F")
	}
}

func TestGateway_InvalidTokenNeverRelayed(t *testing.T) {
	f := &fakeRelay{}
	cfg := testConfig("")
	e, _ := newGatewayEcho(t, cfg, newRelayHandler(f, cfg.Gateway.Prefix, slog.New(slog.NewTextHandler(io.Discard, nil))))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proxy/garbage!!", http.NoBody))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if f.called {
		t.Error("relay was reached for an invalid token")
	}
	if strings.Contains(rec.Body.String(), "garbage") {
		t.Errorf("error body echoes the token: %q", rec.Body.String())
	}
}

func TestGateway_EndToEndInjection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>q=" + r.URL.RawQuery + "</body></html>"))
	}))
	defer upstream.Close()

	e, cdc := newGatewayEcho(t, testConfig(""), nil)
	gw := httptest.NewServer(e)
	defer gw.Close()

	client := &http.Client{Transport: &http.Transport{}}
	defer client.CloseIdleConnections()

	resp, err := client.Get(gw.URL + encodedPath(t, cdc, upstream.URL+"/page?x=1") + "?y=2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}

	if want := "<html><body>q=x=1&y=2" + testFragment + "</body></html>"; string(body) != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}

func TestGateway_NoScriptLinkIsRelayable(t *testing.T) {
	f := &fakeRelay{}
	cfg := testConfig("")
	e, _ := newGatewayEcho(t, cfg, newRelayHandler(f, cfg.Gateway.Prefix, slog.New(slog.NewTextHandler(io.Discard, nil))))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/no-js?url=https%3A%2F%2Fexample.com%2Fdocs", http.NoBody))
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusFound)
	}

	rec2 := httptest.NewRecorder()
	e.ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, rec.Header().Get(echo.HeaderLocation), http.NoBody))
	if f.gotPath != "/proxy/https://example.com/docs" {
		t.Errorf("relay path = %q, want %q", f.gotPath, "/proxy/https://example.com/docs")
	}
}
