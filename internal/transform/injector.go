// Package transform rewrites HTML response bodies in flight.
//
// The Injector inserts a fixed fragment in front of the first closing body
// tag. It runs as a golang.org/x/text/transform stage, so bodies are never
// buffered whole: only a suffix that could still become the marker is held
// back between reads.
package transform

import (
	"bytes"
	"fmt"

	"golang.org/x/text/transform"
)

// Marker is the literal the fragment is inserted in front of.
const Marker = "</body>"

type injectState int

const (
	stateScanning injectState = iota
	stateInjecting
	stateDone
	stateFailed
)

// Injector is a transform.Transformer that writes fragment immediately before
// the first occurrence of marker. It is stateful and serves one response.
type Injector struct {
	fragment []byte
	marker   []byte

	state injectState
	pos   int // fragment bytes already written

	onInject  func()
	onFailure func(error)

	// beforeInject runs right before the fragment is emitted. Tests use it to
	// simulate faults.
	beforeInject func()
}

var _ transform.Transformer = (*Injector)(nil)

// NewInjector returns an Injector for fragment in front of Marker.
func NewInjector(fragment []byte) *Injector {
	return &Injector{
		fragment:  fragment,
		marker:    []byte(Marker),
		onInject:  func() {},
		onFailure: func(error) {},
	}
}

// Reset implements transform.Transformer.
func (t *Injector) Reset() {
	t.state = stateScanning
	t.pos = 0
}

// injected reports whether the fragment has been fully written.
func (t *Injector) injected() bool {
	return t.state == stateDone
}

// Transform implements transform.Transformer. A panic while transforming is
// recovered and the remaining input passes through untouched.
func (t *Injector) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	defer func() {
		if r := recover(); r != nil {
			t.state = stateFailed
			t.onFailure(fmt.Errorf("inject: %v", r))
			nDst, nSrc, err = passthrough(dst, src, nDst, nSrc)
		}
	}()

	for {
		switch t.state {
		case stateDone, stateFailed:
			return passthrough(dst, src, nDst, nSrc)

		case stateInjecting:
			n := copy(dst[nDst:], t.fragment[t.pos:])
			nDst += n
			t.pos += n
			if t.pos < len(t.fragment) {
				return nDst, nSrc, transform.ErrShortDst
			}
			t.state = stateDone
			t.onInject()

		default:
			rest := src[nSrc:]
			i := bytes.Index(rest, t.marker)

			emit := i
			if i < 0 {
				emit = len(rest)
				if !atEOF {
					emit -= partialMarker(rest, t.marker)
				}
			}

			n := copy(dst[nDst:], rest[:emit])
			nDst += n
			nSrc += n
			if n < emit {
				return nDst, nSrc, transform.ErrShortDst
			}

			if i < 0 {
				if nSrc < len(src) {
					return nDst, nSrc, transform.ErrShortSrc
				}
				return nDst, nSrc, nil
			}

			if t.beforeInject != nil {
				t.beforeInject()
			}
			t.state = stateInjecting
		}
	}
}

// passthrough copies as much of src[nSrc:] into dst[nDst:] as fits.
func passthrough(dst, src []byte, nDst, nSrc int) (int, int, error) {
	n := copy(dst[nDst:], src[nSrc:])
	nDst += n
	nSrc += n
	if nSrc < len(src) {
		return nDst, nSrc, transform.ErrShortDst
	}
	return nDst, nSrc, nil
}

// partialMarker returns the length of the longest suffix of b that is a
// proper prefix of marker. Those bytes must be carried into the next call.
func partialMarker(b, marker []byte) int {
	n := min(len(marker)-1, len(b))
	for ; n > 0; n-- {
		if bytes.Equal(b[len(b)-n:], marker[:n]) {
			return n
		}
	}
	return 0
}
