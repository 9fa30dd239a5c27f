package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"syscall"
	"time"

	"tunnel-gateway/internal/config"
	"tunnel-gateway/internal/metrics"
)

// ErrForbiddenAddress is returned when a destination resolves to a loopback,
// private or link-local address and private networks are not allowed.
var ErrForbiddenAddress = errors.New("destination address is not publicly routable")

// Transport sends relayed requests to destinations and records upstream metrics.
type Transport struct {
	base    *http.Transport
	logger  *slog.Logger
	metrics *metrics.Metrics
}

var _ http.RoundTripper = (*Transport)(nil)

// NewTransport creates a Transport with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewTransport(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if !cfg.Relay.AllowPrivateNetworks {
		dialer.Control = refusePrivate
	}

	base := &http.Transport{
		DialContext:         dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        cfg.Relay.IdleConnections,
		MaxIdleConnsPerHost: cfg.Relay.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		// The body is streamed for as long as the destination keeps sending,
		// so only the wait for response headers is bounded.
		ResponseHeaderTimeout: time.Duration(cfg.Relay.TimeoutSeconds) * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	return &Transport{
		base:    base,
		logger:  logger.With("component", "relay_transport"),
		metrics: m,
	}
}

// RoundTrip executes one upstream exchange. The caller owns the response body.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.URL.Host,
	)

	start := time.Now()
	resp, err := t.base.RoundTrip(req) //nolint:bodyclose // body ownership transfers to the reverse proxy
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if t.metrics != nil {
			t.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if t.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		t.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		t.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return resp, nil
}

// CloseIdleConnections closes pooled upstream connections.
func (t *Transport) CloseIdleConnections() {
	t.base.CloseIdleConnections()
}

// refusePrivate is a net.Dialer Control hook. It runs after name resolution,
// so it sees the address actually dialed.
func refusePrivate(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrForbiddenAddress, address)
	}
	if !publicAddr(ap.Addr()) {
		return fmt.Errorf("%w: %s", ErrForbiddenAddress, ap.Addr())
	}
	return nil
}

func publicAddr(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsValid() &&
		!a.IsLoopback() &&
		!a.IsPrivate() &&
		!a.IsLinkLocalUnicast() &&
		!a.IsLinkLocalMulticast() &&
		!a.IsInterfaceLocalMulticast() &&
		!a.IsMulticast() &&
		!a.IsUnspecified()
}
