package relay

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// errUnsupportedEncoding marks a Content-Encoding the relay cannot decode.
// Such responses are relayed without filtering.
var errUnsupportedEncoding = errors.New("unsupported content encoding")

// supportedEncodings are the codings offered to destinations. Filters need
// the plain body, so nothing else is advertised.
var supportedEncodings = map[string]bool{
	"gzip":     true,
	"x-gzip":   true,
	"deflate":  true,
	"br":       true,
	"zstd":     true,
	"identity": true,
}

// acceptEncoding reduces a client Accept-Encoding value to the codings the
// relay can decode, keeping their order and quality values.
func acceptEncoding(v string) string {
	var kept []string
	for part := range strings.SplitSeq(v, ",") {
		part = strings.TrimSpace(part)
		name, _, _ := strings.Cut(part, ";")
		if supportedEncodings[strings.ToLower(strings.TrimSpace(name))] {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ", ")
}

// maxReplay bounds the raw bytes kept while a decoder has not produced any
// output yet.
const maxReplay = 64 << 10

// decodedBody opens its decoder on first Read, so a response is handed to
// the client before the destination has sent any body bytes.
//
// Until the decoder yields its first byte, the raw bytes it consumed are
// recorded. If it fails in that window the body was not encoded as labeled,
// and the recorded bytes plus the rest of the raw body are served as is.
type decodedBody struct {
	raw      io.ReadCloser
	open     func(io.Reader) (io.ReadCloser, error)
	rec      *replayRecorder
	dec      io.ReadCloser
	src      io.Reader
	verified bool
}

func (b *decodedBody) Read(p []byte) (int, error) {
	if b.src == nil {
		b.rec = &replayRecorder{r: b.raw}
		dec, err := b.open(b.rec)
		switch {
		case err == nil:
			b.dec, b.src = dec, dec
		case errors.Is(err, io.EOF) && b.rec.buf.Len() == 0:
			// Empty body.
			b.src, b.verified = eofReader{}, true
		default:
			b.fallback(err)
		}
	}

	n, err := b.src.Read(p)
	if b.verified || b.dec == nil {
		return n, err
	}
	if n > 0 || errors.Is(err, io.EOF) {
		b.verified = true
		b.rec.stop()
		return n, err
	}
	if err != nil {
		_ = b.dec.Close()
		b.dec = nil
		b.fallback(err)
		return b.src.Read(p)
	}
	return n, err
}

// fallback switches to serving the raw body, starting with what the decoder
// already consumed.
func (b *decodedBody) fallback(cause error) {
	b.verified = true
	if b.rec.overflow {
		b.src = errReader{cause}
		return
	}
	b.src = io.MultiReader(bytes.NewReader(b.rec.buf.Bytes()), b.raw)
	b.rec.stop()
}

func (b *decodedBody) Close() error {
	var errs []error
	if b.dec != nil {
		errs = append(errs, b.dec.Close())
	}
	errs = append(errs, b.raw.Close())
	return errors.Join(errs...)
}

// replayRecorder copies what is read through it until stopped or until
// maxReplay bytes have gone by.
type replayRecorder struct {
	r        io.Reader
	buf      bytes.Buffer
	stopped  bool
	overflow bool
}

func (r *replayRecorder) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if !r.stopped && n > 0 {
		if r.buf.Len()+n > maxReplay {
			r.overflow = true
			r.stop()
		} else {
			r.buf.Write(p[:n])
		}
	}
	return n, err
}

func (r *replayRecorder) stop() {
	r.stopped = true
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// decoders maps a Content-Encoding to the constructor of its decoder.
var decoders = map[string]func(io.Reader) (io.ReadCloser, error){
	"gzip": func(r io.Reader) (io.ReadCloser, error) {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return zr, nil
	},
	"deflate": func(r io.Reader) (io.ReadCloser, error) {
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		return zr, nil
	},
	"br": func(r io.Reader) (io.ReadCloser, error) {
		return io.NopCloser(brotli.NewReader(r)), nil
	},
	"zstd": func(r io.Reader) (io.ReadCloser, error) {
		zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return zr.IOReadCloser(), nil
	},
}

// decodeBody returns a reader of the plain body for the given
// Content-Encoding. An empty or identity coding returns body itself.
func decodeBody(encoding string, body io.ReadCloser) (io.ReadCloser, error) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	switch encoding {
	case "", "identity":
		return body, nil
	case "x-gzip":
		encoding = "gzip"
	}
	open, ok := decoders[encoding]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errUnsupportedEncoding, encoding)
	}
	return &decodedBody{raw: body, open: open}, nil
}
