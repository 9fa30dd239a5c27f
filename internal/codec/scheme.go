package codec

import (
	"net/url"
	"strings"
)

// Scheme identifies how a token was encoded.
type Scheme int

const (
	// SchemePlaintext is an unencrypted http(s) URL carried as the token.
	SchemePlaintext Scheme = iota
	// SchemeAEAD is the current scheme: AES-256-CBC with an HMAC-SHA256 tag.
	SchemeAEAD
	// SchemeLegacyCaesar shifts every code point by one. Decode only.
	SchemeLegacyCaesar
)

// String returns the scheme name used in logs and metric labels.
func (s Scheme) String() string {
	switch s {
	case SchemePlaintext:
		return "plaintext"
	case SchemeAEAD:
		return "aead"
	case SchemeLegacyCaesar:
		return "legacy_caesar"
	default:
		return "unknown"
	}
}

// attempt is one entry of the ordered decode list. A nil match means the
// attempt is always tried.
type attempt struct {
	scheme Scheme
	match  func(token string) bool
	decode func(token string) (string, error)
}

// HasHTTPScheme reports whether s starts with http:// or https://, ignoring case.
func HasHTTPScheme(s string) bool {
	return hasPrefixFold(s, "http://") || hasPrefixFold(s, "https://")
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// isPlaintext selects the passthrough scheme from the token's shape.
func isPlaintext(token string) bool {
	if HasHTTPScheme(token) {
		return true
	}
	u, err := url.PathUnescape(token)
	return err == nil && HasHTTPScheme(u)
}

func decodePlaintext(token string) (string, error) {
	if HasHTTPScheme(token) {
		return token, nil
	}
	u, err := url.PathUnescape(token)
	if err != nil {
		return "", err
	}
	return u, nil
}
