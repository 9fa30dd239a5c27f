package metrics

import (
	"testing"
)

func TestNew_GathersMetrics(t *testing.T) {
	m := New()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	// Should include at least Go runtime and process collectors.
	if len(families) == 0 {
		t.Fatal("expected non-empty metric families from Gather()")
	}

	m.RequestsTotal.WithLabelValues("GET", "200", "relay").Inc()
	m.TokenDecodes.WithLabelValues("aead", "ok").Inc()
	m.Injections.Inc()

	families, err = m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	want := map[string]bool{
		"tunnel_gateway_http_requests_total":   false,
		"tunnel_gateway_token_decodes_total":   false,
		"tunnel_gateway_html_injections_total": false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected %s in gathered metrics", name)
		}
	}
}

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"GET", "GET"},
		{"POST", "POST"},
		{"PUT", "PUT"},
		{"DELETE", "DELETE"},
		{"PATCH", "PATCH"},
		{"HEAD", "HEAD"},
		{"OPTIONS", "OPTIONS"},
		{"FOOBAR", "other"},
		{"get", "other"},
		{"", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			if got := NormalizeMethod(tt.method); got != tt.want {
				t.Errorf("NormalizeMethod(%q) = %q, want %q", tt.method, got, tt.want)
			}
		})
	}
}

func TestRouteLabeler(t *testing.T) {
	l := NewRouteLabeler("/proxy/", "/healthz", "/_gateway/status", "/no-js", "/metrics")

	tests := []struct {
		path string
		want string
	}{
		{"/proxy/abc123", "relay"},
		{"/proxy/https://example.com/secret", "relay"},
		{"/healthz", "/healthz"},
		{"/_gateway/status", "/_gateway/status"},
		{"/no-js", "/no-js"},
		{"/metrics", "/metrics"},
		{"/", "other"},
		{"/index.html", "other"},
		{"/proxy", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := l.Label(tt.path); got != tt.want {
				t.Errorf("Label(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
