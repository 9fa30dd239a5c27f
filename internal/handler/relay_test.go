package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"tunnel-gateway/internal/model"
	"tunnel-gateway/internal/relay"
)

// fakeRelay records the request it was handed and returns err.
type fakeRelay struct {
	err      error
	called   bool
	gotPath  string
	gotQuery string
}

func (f *fakeRelay) Serve(w http.ResponseWriter, r *http.Request) error {
	f.called = true
	f.gotPath = r.URL.EscapedPath()
	f.gotQuery = r.URL.RawQuery
	if f.err != nil {
		return f.err
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("relayed"))
	return nil
}

func TestRelayHandler_Handle(t *testing.T) {
	f := &fakeRelay{}
	h := newRelayHandler(f, "/proxy/", slog.New(slog.NewTextHandler(io.Discard, nil)))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/https://example.com/a?b=1", http.NoBody)
	rec := httptest.NewRecorder()
	if err := h.Handle(e.NewContext(req, rec)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK || rec.Body.String() != "relayed" {
		t.Errorf("response = %d %q, want %d %q", rec.Code, rec.Body.String(), http.StatusOK, "relayed")
	}
	if f.gotPath != "/proxy/https://example.com/a" || f.gotQuery != "b=1" {
		t.Errorf("relay saw %q ? %q", f.gotPath, f.gotQuery)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "net/http: timeout awaiting response headers" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestRelayHandler_MapError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"bad target", model.ErrBadTarget, http.StatusBadRequest, "invalid destination token"},
		{"private address", fmt.Errorf("upstream request: %w", &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("%w: 10.0.0.1", relay.ErrForbiddenAddress)}), http.StatusForbidden, "destination not allowed"},
		{"deadline", fmt.Errorf("upstream request: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "upstream request timed out"},
		{"header timeout", fmt.Errorf("upstream request: %w", timeoutErr{}), http.StatusGatewayTimeout, "upstream request timed out"},
		{"canceled", fmt.Errorf("upstream request: %w", context.Canceled), http.StatusBadGateway, "client disconnected"},
		{"dns", fmt.Errorf("upstream request: %w", &net.OpError{Op: "dial", Net: "tcp", Err: &net.DNSError{Err: "no such host", Name: "nowhere.invalid"}}), http.StatusBadGateway, "upstream host unreachable"},
		{"refused", fmt.Errorf("upstream request: %w", &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", errors.New("connection refused"))}), http.StatusBadGateway, "upstream connection failed"},
		{"other", errors.New("boom"), http.StatusBadGateway, "upstream request failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newRelayHandler(&fakeRelay{err: tt.err}, "/proxy/", slog.New(slog.NewTextHandler(io.Discard, nil)))

			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/proxy/https://example.com/", http.NoBody)
			rec := httptest.NewRecorder()
			if err := h.Handle(e.NewContext(req, rec)); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body["error"] != tt.wantMsg {
				t.Errorf("error = %q, want %q", body["error"], tt.wantMsg)
			}
		})
	}
}

func TestRelayHandler_LogsWithoutDestination(t *testing.T) {
	var buf bytes.Buffer
	dnsErr := fmt.Errorf("upstream request: %w", &net.DNSError{Err: "no such host", Name: "secret.example.com"})
	h := newRelayHandler(&fakeRelay{err: dnsErr}, "/proxy/", slog.New(slog.NewTextHandler(&buf, nil)))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/proxy/https://secret.example.com/inbox", http.NoBody)
	if err := h.Handle(e.NewContext(req, httptest.NewRecorder())); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if strings.Contains(buf.String(), "secret.example.com") {
		t.Errorf("destination leaked into log: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "[REDACTED]") {
		t.Errorf("log line = %q, want redacted host", buf.String())
	}
}

func TestSanitizeError(t *testing.T) {
	u, _ := url.ParseRequestURI("/proxy/https://example.com/x")
	err := errors.New("dial tcp: lookup example.com: no such host")
	if got := sanitizeError(err, "/proxy/", u); got != "dial tcp: lookup [REDACTED]: no such host" {
		t.Errorf("sanitizeError() = %q", got)
	}

	other, _ := url.ParseRequestURI("/static/app.js")
	if got := sanitizeError(err, "/proxy/", other); got != err.Error() {
		t.Errorf("sanitizeError() = %q, want unchanged", got)
	}
}
