// Package authcore is an embeddable session-authentication engine with
// signed access tokens, rotating opaque refresh credentials, device
// fingerprint trust, and risk-scored logins.
//
// The package is designed for concurrent server workloads: Service
// methods are safe to call from multiple goroutines after initialization
// through [Builder.Build].
//
// # Architecture boundaries
//
// authcore is the public surface. It exposes [Service], [Builder],
// [Config], [SecurityContext], and the [PrincipalProvider] integration
// point. The codec, hasher, fingerprint and risk engines, refresh store
// backends, and transport policy live in subpackages; wire-format and
// random-material helpers live under internal/ and are never exported.
//
// # What this package must NOT do
//
//   - Persist or log plaintext passwords or raw refresh secrets; stores
//     only ever see digests.
//   - Read refresh credentials from anywhere but the refresh cookie.
//   - Return backend detail to clients: adapters see stable codes only.
//
// # Performance contract
//
// VerifyAccess is the hot path: signature plus expiry, no storage round
// trips. Login, Rotate, and Revoke are allowed store round-trips; Rotate
// performs its consume-and-replace through one atomic store primitive.
package authcore
