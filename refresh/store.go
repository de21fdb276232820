package refresh

import (
	"context"
	"errors"
	"time"
)

// Presented-credential failure classes. A credential is valid only if an
// exact, still-active stored record exists; possession alone proves nothing.
var (
	ErrNotFound    = errors.New("refresh credential not found")
	ErrExpired     = errors.New("refresh credential expired")
	ErrRevoked     = errors.New("refresh credential revoked")
	ErrReplayed    = errors.New("refresh credential replayed")
	ErrUnavailable = errors.New("refresh store unavailable")
)

// ReplayError reports a superseded credential being presented again and
// identifies the lineage to revoke. errors.Is(err, ErrReplayed) matches it.
type ReplayError struct {
	PrincipalID string
	FamilyID    string
}

func (e *ReplayError) Error() string { return ErrReplayed.Error() }

func (e *ReplayError) Is(target error) bool { return target == ErrReplayed }

// Record is one persisted refresh credential.
type Record struct {
	ID          string
	PrincipalID string
	FamilyID    string
	TokenHash   [32]byte
	Fingerprint string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	// ReplacedBy links to the successor record once the credential has
	// been consumed by rotation.
	ReplacedBy string
}

// Active reports whether the record is presentable at the given instant.
func (r *Record) Active(now time.Time) bool {
	return r.ReplacedBy == "" && now.Before(r.ExpiresAt)
}

// Store is the persistence contract for refresh credentials. All
// implementations must make Consume atomic: under N concurrent calls with
// one credential exactly one succeeds.
type Store interface {
	// Create persists a new active record.
	Create(ctx context.Context, rec Record) error

	// Consume atomically claims the active record matching id and hash,
	// marking it superseded by replacementID. Failure classes: ErrNotFound,
	// ErrExpired, ErrRevoked, or a *ReplayError for superseded records.
	Consume(ctx context.Context, recordID string, tokenHash [32]byte, replacementID string, now time.Time) (*Record, error)

	// FindActive is the read-only lookup used by logout and introspection.
	FindActive(ctx context.Context, recordID string, tokenHash [32]byte, now time.Time) (*Record, error)

	// RevokeOne revokes a single record. Idempotent.
	RevokeOne(ctx context.Context, recordID string) error

	// RevokeFamily revokes every active record in one login lineage.
	RevokeFamily(ctx context.Context, principalID, familyID string) error

	// RevokeAll revokes every active record of a principal. Idempotent.
	RevokeAll(ctx context.Context, principalID string) error

	// ActiveForPrincipal lists the principal's live records.
	ActiveForPrincipal(ctx context.Context, principalID string, now time.Time) ([]Record, error)
}
