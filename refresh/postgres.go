package refresh

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the DDL the Postgres backend expects. Deployments own the
// migration tooling; the store only runs DML.
const Schema = `
CREATE TABLE IF NOT EXISTS refresh_credentials (
	id           TEXT PRIMARY KEY,
	principal_id TEXT NOT NULL,
	family_id    TEXT NOT NULL,
	token_hash   TEXT NOT NULL,
	fingerprint  TEXT NOT NULL DEFAULT '',
	issued_at    TIMESTAMPTZ NOT NULL,
	expires_at   TIMESTAMPTZ NOT NULL,
	revoked_at   TIMESTAMPTZ,
	replaced_by  TEXT
);
CREATE INDEX IF NOT EXISTS refresh_credentials_principal_idx ON refresh_credentials (principal_id);
CREATE INDEX IF NOT EXISTS refresh_credentials_family_idx ON refresh_credentials (family_id);
`

// PostgresStore implements [Store] on PostgreSQL. The CAS in Consume is a
// single UPDATE … RETURNING, so exactly one concurrent claimant wins at the
// row level without advisory locks.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Create(ctx context.Context, rec Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refresh_credentials (
			id, principal_id, family_id, token_hash, fingerprint,
			issued_at, expires_at, revoked_at, replaced_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, NULL)
	`, rec.ID, rec.PrincipalID, rec.FamilyID, hex.EncodeToString(rec.TokenHash[:]),
		rec.Fingerprint, rec.IssuedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Consume(ctx context.Context, recordID string, tokenHash [32]byte, replacementID string, now time.Time) (*Record, error) {
	var rec Record
	rec.ID = recordID
	rec.TokenHash = tokenHash
	rec.ReplacedBy = replacementID

	err := s.pool.QueryRow(ctx, `
		UPDATE refresh_credentials
		SET replaced_by = $3
		WHERE id = $1
		  AND token_hash = $2
		  AND revoked_at IS NULL
		  AND replaced_by IS NULL
		  AND expires_at > $4
		RETURNING principal_id, family_id, fingerprint, issued_at, expires_at
	`, recordID, hex.EncodeToString(tokenHash[:]), replacementID, now).Scan(
		&rec.PrincipalID, &rec.FamilyID, &rec.Fingerprint, &rec.IssuedAt, &rec.ExpiresAt,
	)
	if err == nil {
		return &rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// The claim failed; a read-only probe classifies why.
	return nil, s.classify(ctx, recordID, tokenHash, now)
}

func (s *PostgresStore) classify(ctx context.Context, recordID string, tokenHash [32]byte, now time.Time) error {
	var (
		storedHash  string
		principalID string
		familyID    string
		expiresAt   time.Time
		revokedAt   *time.Time
		replacedBy  *string
	)

	err := s.pool.QueryRow(ctx, `
		SELECT token_hash, principal_id, family_id, expires_at, revoked_at, replaced_by
		FROM refresh_credentials
		WHERE id = $1
	`, recordID).Scan(&storedHash, &principalID, &familyID, &expiresAt, &revokedAt, &replacedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch {
	case revokedAt != nil:
		return ErrRevoked
	case replacedBy != nil:
		return &ReplayError{PrincipalID: principalID, FamilyID: familyID}
	case !now.Before(expiresAt):
		return ErrExpired
	case storedHash != hex.EncodeToString(tokenHash[:]):
		return ErrNotFound
	default:
		// Row was active when probed, so a concurrent claimant won the CAS
		// between our UPDATE and this SELECT.
		return &ReplayError{PrincipalID: principalID, FamilyID: familyID}
	}
}

func (s *PostgresStore) FindActive(ctx context.Context, recordID string, tokenHash [32]byte, now time.Time) (*Record, error) {
	var (
		rec        Record
		storedHash string
		revokedAt  *time.Time
		replacedBy *string
	)
	rec.ID = recordID

	err := s.pool.QueryRow(ctx, `
		SELECT principal_id, family_id, token_hash, fingerprint, issued_at, expires_at, revoked_at, replaced_by
		FROM refresh_credentials
		WHERE id = $1
	`, recordID).Scan(
		&rec.PrincipalID, &rec.FamilyID, &storedHash, &rec.Fingerprint,
		&rec.IssuedAt, &rec.ExpiresAt, &revokedAt, &replacedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	switch {
	case revokedAt != nil:
		return nil, ErrRevoked
	case replacedBy != nil:
		return nil, &ReplayError{PrincipalID: rec.PrincipalID, FamilyID: rec.FamilyID}
	case !now.Before(rec.ExpiresAt):
		return nil, ErrExpired
	case storedHash != hex.EncodeToString(tokenHash[:]):
		return nil, ErrNotFound
	}

	rec.TokenHash = tokenHash
	return &rec, nil
}

func (s *PostgresStore) RevokeOne(ctx context.Context, recordID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE refresh_credentials
		SET revoked_at = now()
		WHERE id = $1 AND revoked_at IS NULL
	`, recordID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) RevokeFamily(ctx context.Context, principalID, familyID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE refresh_credentials
		SET revoked_at = now()
		WHERE principal_id = $1 AND family_id = $2 AND revoked_at IS NULL
	`, principalID, familyID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) RevokeAll(ctx context.Context, principalID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE refresh_credentials
		SET revoked_at = now()
		WHERE principal_id = $1 AND revoked_at IS NULL
	`, principalID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) ActiveForPrincipal(ctx context.Context, principalID string, now time.Time) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, family_id, fingerprint, issued_at, expires_at
		FROM refresh_credentials
		WHERE principal_id = $1
		  AND revoked_at IS NULL
		  AND replaced_by IS NULL
		  AND expires_at > $2
		ORDER BY issued_at DESC
	`, principalID, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec := Record{PrincipalID: principalID}
		if err := rows.Scan(&rec.ID, &rec.FamilyID, &rec.Fingerprint, &rec.IssuedAt, &rec.ExpiresAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return records, nil
}
