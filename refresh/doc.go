// Package refresh persists refresh credentials and performs their
// single-shot atomic rotation.
//
// # Record model
//
// A record holds only the SHA-256 of the client-held secret; raw token
// material is never stored. Records belong to a family: one family per
// login, inherited across rotations, so replay of a superseded credential
// can revoke the whole device lineage without touching sibling sessions.
//
// # Rotation protocol
//
// Consume is a compare-and-swap: it atomically claims the record whose ID
// and token hash match, marks it superseded, and returns it. Two concurrent
// Consume calls on one credential can never both succeed. A consumed or
// revoked record is kept as a short-lived tombstone so a replayed token is
// distinguishable from an unknown one.
//
// Two backends implement [Store]: Redis (Lua scripts, primary) and
// PostgreSQL (single-statement UPDATE … RETURNING).
package refresh
