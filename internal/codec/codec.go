// Package codec turns destination URLs into opaque, path-safe tokens and back.
//
// New tokens are always produced with the current scheme (SchemeAEAD). Decoding
// walks an ordered list of accepted schemes so links published under older
// schemes keep working.
//
// An AEAD token is IV || ciphertext || tag, encoded with the unpadded URL
// base64 alphabet. The ciphertext is AES-256-CBC with PKCS7 padding and the
// tag is a truncated HMAC-SHA256 over IV || ciphertext. Both the cipher key and
// the MAC key are derived from the configured key with HKDF-SHA256, so the
// configured key is never used directly. Tokens built as bare IV || ciphertext
// under the configured key, without a tag, are rejected.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/hkdf"

	"tunnel-gateway/internal/config"
)

// KeySize is the required length of the symmetric key material.
const KeySize = 32

const (
	ivSize  = aes.BlockSize
	tagSize = 16
)

// HKDF info strings for domain separation between the two subkeys.
// Changing either invalidates every published token.
var (
	hkdfInfoEncryption = []byte("tunnel-gateway.token.enc.v1")
	hkdfInfoMAC        = []byte("tunnel-gateway.token.mac.v1")
)

var (
	// ErrConfiguration is returned when the key material is missing or malformed.
	ErrConfiguration = errors.New("codec: invalid key configuration")
	// ErrInvalidToken is returned when a token cannot be decoded by any accepted scheme.
	ErrInvalidToken = errors.New("invalid token")
)

var errEmptyURL = errors.New("codec: empty destination url")

// Options selects which optional schemes are accepted on decode.
type Options struct {
	AcceptPlaintext bool
	AcceptLegacy    bool
}

// Codec encodes and decodes tokens. It holds only immutable key material and
// is safe for concurrent use.
type Codec struct {
	block    cipher.Block
	macKey   []byte
	attempts []attempt
}

// New builds a Codec from the loaded configuration.
func New(cfg *config.Config) (*Codec, error) {
	key, err := ParseKey(cfg.Codec.Key)
	if err != nil {
		return nil, err
	}
	return NewWithKey(key, Options{
		AcceptPlaintext: cfg.Codec.AcceptPlaintextEnabled(),
		AcceptLegacy:    cfg.Codec.AcceptLegacyEnabled(),
	})
}

// NewWithKey builds a Codec from raw key bytes.
func NewWithKey(key []byte, opts Options) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrConfiguration, KeySize, len(key))
	}

	encKey, err := deriveKey(key, hkdfInfoEncryption)
	if err != nil {
		return nil, err
	}
	macKey, err := deriveKey(key, hkdfInfoMAC)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	c := &Codec{block: block, macKey: macKey}

	// Newest accepted first. Plaintext is selected by shape, so it can sit
	// in front without shadowing encrypted tokens.
	if opts.AcceptPlaintext {
		c.attempts = append(c.attempts, attempt{scheme: SchemePlaintext, match: isPlaintext, decode: decodePlaintext})
	}
	c.attempts = append(c.attempts, attempt{scheme: SchemeAEAD, decode: c.decodeAEAD})
	if opts.AcceptLegacy {
		c.attempts = append(c.attempts, attempt{scheme: SchemeLegacyCaesar, decode: decodeLegacy})
	}
	return c, nil
}

// keyFormats names the accepted encodings in key errors. Raw key bytes are
// not accepted.
var keyFormats = fmt.Sprintf("give %d random bytes as %d hex characters or as base64, e.g. `openssl rand -hex %d`",
	KeySize, 2*KeySize, KeySize)

// ParseKey decodes key material given as 64 hex characters or base64 (standard
// or URL alphabet, padded or not).
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: key is not set", ErrConfiguration)
	}
	if len(s) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(s); err == nil {
			if len(key) != KeySize {
				return nil, fmt.Errorf("%w: key decodes as base64 to %d bytes, want %d; %s",
					ErrConfiguration, len(key), KeySize, keyFormats)
			}
			return key, nil
		}
	}
	return nil, fmt.Errorf("%w: key is neither hex nor base64; %s", ErrConfiguration, keyFormats)
}

func deriveKey(secret, info []byte) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, fmt.Errorf("%w: derive subkey: %v", ErrConfiguration, err)
	}
	return key, nil
}

// Scheme returns the scheme used by Encode.
func (c *Codec) Scheme() Scheme {
	return SchemeAEAD
}

// Encode returns a fresh token for u. Every call uses a new random IV, so two
// tokens for the same URL are never equal.
func (c *Codec) Encode(u string) (string, error) {
	if u == "" {
		return "", errEmptyURL
	}

	plain := pkcs7Pad([]byte(u), aes.BlockSize)
	out := make([]byte, ivSize+len(plain), ivSize+len(plain)+tagSize)

	iv := out[:ivSize]
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("codec: generate iv: %w", err)
	}
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out[ivSize:], plain)
	out = append(out, c.tag(out)...)

	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decode returns the destination URL carried by token.
func (c *Codec) Decode(token string) (string, error) {
	u, _, err := c.DecodeScheme(token)
	return u, err
}

// DecodeScheme is Decode that also reports which scheme accepted the token.
// All failures wrap ErrInvalidToken.
func (c *Codec) DecodeScheme(token string) (string, Scheme, error) {
	if token == "" {
		return "", SchemeAEAD, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	var firstErr error
	for _, a := range c.attempts {
		if a.match != nil && !a.match(token) {
			continue
		}
		u, err := a.decode(token)
		if err == nil {
			return u, a.scheme, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = errors.New("no scheme matched")
	}
	return "", SchemeAEAD, fmt.Errorf("%w: %v", ErrInvalidToken, firstErr)
}

var pathSafeToStd = strings.NewReplacer("-", "+", "_", "/")

func (c *Codec) decodeAEAD(token string) (string, error) {
	s := pathSafeToStd.Replace(strings.TrimRight(token, "="))
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	raw, err := base64.StdEncoding.Strict().DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("base64: %w", err)
	}
	if len(raw) < ivSize {
		return "", fmt.Errorf("token too short: %d bytes", len(raw))
	}
	if len(raw) < ivSize+aes.BlockSize+tagSize || (len(raw)-ivSize-tagSize)%aes.BlockSize != 0 {
		return "", fmt.Errorf("malformed ciphertext length: %d bytes", len(raw))
	}

	body, tag := raw[:len(raw)-tagSize], raw[len(raw)-tagSize:]
	if !hmac.Equal(tag, c.tag(body)) {
		return "", errors.New("authentication failed")
	}

	iv, ct := body[:ivSize], body[ivSize:]
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plain, ct)

	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plain) {
		return "", errors.New("plaintext is not valid UTF-8")
	}
	return string(plain), nil
}

// tag is the truncated HMAC-SHA256 of IV || ciphertext.
func (c *Codec) tag(data []byte) []byte {
	m := hmac.New(sha256.New, c.macKey)
	m.Write(data)
	return m.Sum(nil)[:tagSize]
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, errors.New("invalid padding")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errors.New("invalid padding")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, errors.New("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
