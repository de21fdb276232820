// Package fingerprint derives a deterministic device fingerprint from
// request metadata. Identical inputs always produce the identical
// fingerprint; the engine keeps no state and performs no I/O.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strings"
)

// Metadata is the request surface the fingerprint is computed over.
// Header-derived fields are normalized (trimmed, lowercased) before hashing
// so proxy casing differences do not change the device identity.
type Metadata struct {
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
	ClientIP       string
	ForwardedFor   []string
}

// Fingerprint is a 32-byte digest identifying a requesting device.
type Fingerprint [32]byte

// String returns the lowercase hex form used for storage and comparison.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// IsZero reports whether no fingerprint was computed.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// Compute hashes the normalized metadata. Fields are written with length
// prefixes so adjacent values can never collide by concatenation.
func Compute(m Metadata) Fingerprint {
	h := sha256.New()

	writeField(h, normalize(m.UserAgent))
	writeField(h, normalize(m.AcceptLanguage))
	writeField(h, normalize(m.AcceptEncoding))
	writeField(h, strings.TrimSpace(m.ClientIP))
	for _, hop := range m.ForwardedFor {
		writeField(h, strings.TrimSpace(hop))
	}

	var f Fingerprint
	h.Sum(f[:0])
	return f
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func writeField(h interface{ Write([]byte) (int, error) }, v string) {
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(v)))
	_, _ = h.Write(size[:])
	_, _ = h.Write([]byte(v))
}
