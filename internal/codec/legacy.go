package codec

import (
	"errors"
	"net/url"
	"strings"
)

var errLegacyNotURL = errors.New("legacy decode did not yield an http(s) URL")

// shiftRunes moves every code point of s by delta.
func shiftRunes(s string, delta rune) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		b.WriteRune(r + delta)
	}
	return b.String()
}

// decodeLegacy reverses the retired one-step Caesar shift. The result is
// only accepted when it is itself an http(s) URL, which keeps random
// garbage from being "decoded" into something the relay would dial.
func decodeLegacy(token string) (string, error) {
	if u := shiftRunes(token, -1); HasHTTPScheme(u) {
		return u, nil
	}
	if strings.Contains(token, "%") {
		if unescaped, err := url.PathUnescape(token); err == nil {
			if u := shiftRunes(unescaped, -1); HasHTTPScheme(u) {
				return u, nil
			}
		}
	}
	return "", errLegacyNotURL
}

// LegacyEncode produces a token in the retired Caesar scheme, percent-escaped
// the way old links were published. The gateway never emits these; it exists
// for compatibility tests and link migration tooling.
func LegacyEncode(u string) string {
	return url.PathEscape(shiftRunes(u, 1))
}
