package transform

import (
	"io"
	"log/slog"
	"mime"
	"strings"

	"golang.org/x/text/transform"

	"tunnel-gateway/internal/metrics"
)

// HTMLFilter attaches an Injector to HTML response bodies.
type HTMLFilter struct {
	fragment []byte
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewHTMLFilter creates an HTMLFilter. The metrics parameter is optional.
func NewHTMLFilter(fragment []byte, logger *slog.Logger, m *metrics.Metrics) *HTMLFilter {
	return &HTMLFilter{
		fragment: fragment,
		logger:   logger.With("component", "html_filter"),
		metrics:  m,
	}
}

// MediaTypes lists the content types the filter handles.
func (f *HTMLFilter) MediaTypes() []string {
	return []string{"text/html"}
}

// Wrap returns a reader over body with the fragment injected. The returned
// reader pulls from body only as the caller reads.
func (f *HTMLFilter) Wrap(body io.Reader) io.Reader {
	inj := NewInjector(f.fragment)
	inj.onInject = func() {
		if f.metrics != nil {
			f.metrics.Injections.Inc()
		}
	}
	inj.onFailure = func(err error) {
		f.logger.Warn("response transform failed; passing through", "err", err)
		if f.metrics != nil {
			f.metrics.TransformFailures.Inc()
		}
	}
	return transform.NewReader(body, inj)
}

// MediaType returns the lower-cased media type of a Content-Type value without
// parameters, tolerating malformed parameter lists.
func MediaType(contentType string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		return mt
	}
	mt, _, _ := strings.Cut(contentType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}
