package tokengate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
)

// MaxKeyInputLength bounds untrusted input before it is hashed.
const MaxKeyInputLength = 512

// Rate-limit key prefixes.
const (
	CredentialKeyPrefix = "ratelimit:apikey:"
	AddressKeyPrefix    = "ratelimit:ip:"
)

// HashCredential returns the hex SHA-256 of a raw API key, as stored on
// the caller record.
func HashCredential(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CredentialKey derives the rate-limit key for a raw API key.
func CredentialKey(raw string) (string, error) {
	return limiterKey(CredentialKeyPrefix, raw)
}

// AddressKey derives the rate-limit key for a source address.
func AddressKey(addr string) (string, error) {
	return limiterKey(AddressKeyPrefix, addr)
}

// limiterKey hashes raw into a 128-bit key. Oversized input is rejected
// before hashing.
func limiterKey(prefix, raw string) (string, error) {
	if len(raw) > MaxKeyInputLength {
		return "", fmt.Errorf("%w: key input exceeds %d bytes", ErrInvalidRequest, MaxKeyInputLength)
	}
	sum := sha256.Sum256([]byte(raw))
	return prefix + hex.EncodeToString(sum[:16]), nil
}

// ClientAddress picks the client address from an X-Forwarded-For value,
// falling back to the connection's remote address.
func ClientAddress(forwardedFor, remoteAddr string) string {
	if forwardedFor != "" {
		first, _, _ := strings.Cut(forwardedFor, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
