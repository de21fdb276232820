// Package internal holds the opaque-token wire helpers shared by the
// authcore root package and the refresh store.
package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"

	"github.com/oklog/ulid/v2"
)

const (
	recordIDSize      = 16 // binary ULID
	refreshSecretSize = 32
	refreshTokenSize  = recordIDSize + refreshSecretSize
	csrfTokenSize     = 32
)

// NewRecordID returns a fresh ULID string for a refresh record.
func NewRecordID() string {
	return ulid.Make().String()
}

// NewRefreshSecret returns 32 bytes of CSPRNG material.
func NewRefreshSecret() ([refreshSecretSize]byte, error) {
	var secret [refreshSecretSize]byte
	_, err := rand.Read(secret[:])
	return secret, err
}

// HashSecret is the digest persisted in place of the raw secret. Stored
// records never contain recoverable token material.
func HashSecret(secret []byte) [32]byte {
	return sha256.Sum256(secret)
}

// EncodeRefreshToken packs a record ID and its secret into the opaque
// base64url value handed to clients.
func EncodeRefreshToken(recordID string, secret [refreshSecretSize]byte) (string, error) {
	id, err := ulid.Parse(recordID)
	if err != nil {
		return "", err
	}

	var raw [refreshTokenSize]byte
	copy(raw[:recordIDSize], id[:])
	copy(raw[recordIDSize:], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// DecodeRefreshToken splits an opaque refresh token back into record ID and
// secret. Any structural failure is reported as a single error so callers
// cannot distinguish malformed tokens from unknown ones.
func DecodeRefreshToken(token string) (string, [refreshSecretSize]byte, error) {
	var secret [refreshSecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, errors.New("invalid refresh token encoding")
	}
	if len(raw) != refreshTokenSize {
		return "", secret, errors.New("invalid refresh token size")
	}

	var id ulid.ULID
	copy(id[:], raw[:recordIDSize])
	copy(secret[:], raw[recordIDSize:])

	return id.String(), secret, nil
}

// NewCSRFToken returns a base64url CSRF token for the double-submit check.
func NewCSRFToken() (string, error) {
	var raw [csrfTokenSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}
