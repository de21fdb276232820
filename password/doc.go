// Package password implements credential hashing and verification with
// Argon2id.
//
// # Output format
//
// Digests are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Default parameters target roughly 100ms per operation on commodity server
// hardware. If a stored digest was produced with weaker parameters,
// [Hasher.NeedsRehash] returns true so the caller can re-hash on the next
// successful verification.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords: callers supply plaintext and receive digests.
//   - Import any other authcore package.
//   - Log plaintext or digest material.
package password
