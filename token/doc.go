// Package token is the stateless credential codec: it signs access-token
// claims and verifies presented tokens using configured keys.
//
// # Failure classes
//
// Decode reports exactly one of [ErrMalformed], [ErrSignatureInvalid], or
// [ErrExpired]. Expiry is evaluated only after the signature verifies, so a
// forged token can never probe expiry behavior.
//
// # Architecture boundaries
//
// This package owns encoding and verification only. Refresh-credential
// persistence, rotation, and risk evaluation are handled by the Service and
// the refresh store.
//
// # What this package must NOT do
//
//   - Perform I/O of any kind.
//   - Import any other authcore package.
package token
