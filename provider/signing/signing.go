// Package signing authenticates upstream requests by signing their bodies
// with a secp256k1 key instead of sending a bearer secret.
package signing

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Header names set on signed requests.
const (
	HeaderSignature = "X-Signature"
	HeaderPublicKey = "X-Public-Key"
	HeaderTimestamp = "X-Timestamp"
)

// ErrBadSignature is returned by Verify when a signature does not match.
var ErrBadSignature = errors.New("signing: signature mismatch")

// Transport is an http.RoundTripper that signs each request body.
// Any Authorization header is removed so the key never leaves the process.
type Transport struct {
	base    http.RoundTripper
	key     *secp256k1.PrivateKey
	pubHex  string
	nowFunc func() time.Time
}

// ParsePrivateKey decodes a hex-encoded 32-byte secp256k1 private key.
func ParsePrivateKey(hexKey string) (*secp256k1.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"), "0X")

	keyBytes, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("signing: invalid private key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("signing: private key must be 32 bytes, got %d", len(keyBytes))
	}

	key := secp256k1.PrivKeyFromBytes(keyBytes)
	if key.Key.IsZero() {
		return nil, fmt.Errorf("signing: private key is zero")
	}
	return key, nil
}

// NewTransport wraps base (http.DefaultTransport when nil) with signing.
func NewTransport(base http.RoundTripper, hexKey string) (*Transport, error) {
	key, err := ParsePrivateKey(hexKey)
	if err != nil {
		return nil, err
	}
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		base:    base,
		key:     key,
		pubHex:  hex.EncodeToString(key.PubKey().SerializeCompressed()),
		nowFunc: time.Now,
	}, nil
}

// PublicKey returns the hex-encoded compressed public key.
func (t *Transport) PublicKey() string { return t.pubHex }

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("signing: read request body: %w", err)
		}
	}

	ts := strconv.FormatInt(t.nowFunc().UnixNano(), 10)
	digest := Digest(req.Method, req.URL.Path, body, ts)
	sig := ecdsa.Sign(t.key, digest[:])

	clone := req.Clone(req.Context())
	clone.Header.Del("Authorization")
	clone.Header.Set(HeaderSignature, base64.StdEncoding.EncodeToString(sig.Serialize()))
	clone.Header.Set(HeaderPublicKey, t.pubHex)
	clone.Header.Set(HeaderTimestamp, ts)

	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	return t.base.RoundTrip(clone)
}

// Digest is the message hash that gets signed: SHA-256 over the method,
// path, hex body hash and timestamp, newline separated.
func Digest(method, path string, body []byte, ts string) [32]byte {
	bodyHash := sha256.Sum256(body)
	msg := method + "\n" + path + "\n" + hex.EncodeToString(bodyHash[:]) + "\n" + ts
	return sha256.Sum256([]byte(msg))
}

// Verify checks headers produced by Transport against the request parts.
func Verify(method, path string, body []byte, h http.Header) error {
	pubBytes, err := hex.DecodeString(h.Get(HeaderPublicKey))
	if err != nil {
		return fmt.Errorf("signing: public key: %w", err)
	}
	pub, err := secp256k1.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("signing: public key: %w", err)
	}
	sigBytes, err := base64.StdEncoding.DecodeString(h.Get(HeaderSignature))
	if err != nil {
		return fmt.Errorf("signing: signature: %w", err)
	}
	sig, err := ecdsa.ParseDERSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("signing: signature: %w", err)
	}

	digest := Digest(method, path, body, h.Get(HeaderTimestamp))
	if !sig.Verify(digest[:], pub) {
		return ErrBadSignature
	}
	return nil
}
