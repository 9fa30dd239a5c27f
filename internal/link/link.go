// Package link builds gateway URLs for plaintext destinations.
package link

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"tunnel-gateway/internal/codec"
	"tunnel-gateway/internal/config"
)

// ErrUnsupportedScheme is returned for destinations that are not http(s).
var ErrUnsupportedScheme = errors.New("destination must be an http or https URL")

// Builder turns destination URLs into Prefix + Token links using the codec's
// current scheme, so its links always decode in the request rewriter.
type Builder struct {
	prefix string
	codec  *codec.Codec
}

// NewBuilder creates a Builder for the configured prefix.
func NewBuilder(cfg *config.Config, c *codec.Codec) *Builder {
	return &Builder{prefix: cfg.Gateway.Prefix, codec: c}
}

// Build returns the gateway path for dest. A destination typed without a
// scheme ("example.com/x") is taken as http.
func (b *Builder) Build(dest string) (string, error) {
	dest, err := Normalize(dest)
	if err != nil {
		return "", err
	}
	token, err := b.codec.Encode(dest)
	if err != nil {
		return "", fmt.Errorf("encode destination: %w", err)
	}
	return b.prefix + url.PathEscape(token), nil
}

// Normalize trims dest and supplies a missing scheme. It rejects anything
// that is not an absolute http(s) URL with a host.
func Normalize(dest string) (string, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return "", fmt.Errorf("%w: empty", ErrUnsupportedScheme)
	}
	if !codec.HasHTTPScheme(dest) {
		if strings.Contains(dest, "://") {
			return "", ErrUnsupportedScheme
		}
		dest = "http://" + strings.TrimPrefix(dest, "//")
	}
	u, err := url.Parse(dest)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, dest)
	}
	return dest, nil
}
