// Package model defines types shared between the relay stages.
package model

import (
	"errors"
	"net/url"
	"strings"
)

// ErrBadTarget is returned when a relay path does not carry an absolute
// http(s) destination.
var ErrBadTarget = errors.New("relay path does not carry an http(s) destination")

// Target is the destination of one relayed request, as left in the request
// path by the token rewriter.
type Target struct {
	URL *url.URL
}

// ParseTarget extracts the destination from a rewritten request URL of the
// form prefix + destination. The query is taken from u unchanged.
func ParseTarget(prefix string, u *url.URL) (*Target, error) {
	rest, ok := strings.CutPrefix(u.EscapedPath(), prefix)
	if !ok {
		return nil, ErrBadTarget
	}
	dest, err := url.Parse(rest)
	if err != nil {
		return nil, errors.Join(ErrBadTarget, err)
	}
	switch strings.ToLower(dest.Scheme) {
	case "http", "https":
	default:
		return nil, ErrBadTarget
	}
	if dest.Host == "" {
		return nil, ErrBadTarget
	}
	dest.Scheme = strings.ToLower(dest.Scheme)
	dest.RawQuery = u.RawQuery
	dest.ForceQuery = u.ForceQuery
	dest.Fragment = ""
	dest.RawFragment = ""
	return &Target{URL: dest}, nil
}

// Origin returns scheme://host of the destination.
func (t *Target) Origin() string {
	return t.URL.Scheme + "://" + t.URL.Host
}

// String returns the full destination URL.
func (t *Target) String() string {
	return t.URL.String()
}
