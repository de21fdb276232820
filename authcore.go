package authcore

import (
	"context"
	"time"

	"github.com/lumosocial/authcore/fingerprint"
	"github.com/lumosocial/authcore/risk"
)

// Principal is the account record the engine authenticates. Callers own
// its storage; the engine reads and updates it through [PrincipalProvider].
type Principal struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Verified     bool
	Locked       bool
	Role         string

	// TrustedFingerprints holds device fingerprints seen on previous
	// low-risk logins, newest last.
	TrustedFingerprints []string

	LastLoginAt   time.Time
	LastLatitude  float64
	LastLongitude float64
	HasLastGeo    bool
}

// Trusts reports whether fp is in the principal's trusted set.
func (p *Principal) Trusts(fp string) bool {
	for _, t := range p.TrustedFingerprints {
		if t == fp {
			return true
		}
	}
	return false
}

// PrincipalProvider is the interface callers implement to connect the
// engine to their account database. Lookup failures for unknown accounts
// must return [ErrPrincipalNotFound]; Create must return
// [ErrDuplicatePrincipal] when the username or email is taken.
type PrincipalProvider interface {
	GetByIdentifier(ctx context.Context, identifier string) (Principal, error)
	GetByID(ctx context.Context, id string) (Principal, error)
	Create(ctx context.Context, p Principal) (Principal, error)
	UpdatePasswordHash(ctx context.Context, id, newHash string) error

	// TrustFingerprint appends fp to the principal's trusted set,
	// dropping the oldest entry when maxEntries is exceeded.
	TrustFingerprint(ctx context.Context, id, fp string, maxEntries int) error

	// RecordLogin updates last-login bookkeeping used by risk scoring.
	RecordLogin(ctx context.Context, id string, at time.Time, lat, lon float64, hasGeo bool) error
}

// RequestMetadata is the transport-neutral view of one inbound request.
// Adapters normalize their protocol into this shape; the core never reads
// a raw request.
type RequestMetadata struct {
	// AccessToken is the bearer token from the authorization header.
	// Preferred over AccessCookie when both are present.
	AccessToken  string
	AccessCookie string

	// RefreshCookie is the only accepted refresh credential transport.
	RefreshCookie string

	CSRFHeader string
	CSRFCookie string

	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
	ClientIP       string
	ForwardedFor   []string

	Latitude  float64
	Longitude float64
	HasGeo    bool
}

func (m RequestMetadata) fingerprintMetadata() fingerprint.Metadata {
	return fingerprint.Metadata{
		UserAgent:      m.UserAgent,
		AcceptLanguage: m.AcceptLanguage,
		AcceptEncoding: m.AcceptEncoding,
		ClientIP:       m.ClientIP,
		ForwardedFor:   m.ForwardedFor,
	}
}

// accessToken picks the header token over the cookie fallback.
func (m RequestMetadata) accessToken() string {
	if m.AccessToken != "" {
		return m.AccessToken
	}
	return m.AccessCookie
}

// Credentials is the single result type for every credential-minting
// operation: login, issue, and rotation all return this shape.
type Credentials struct {
	PrincipalID string
	FamilyID    string

	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time

	CSRFToken string

	RiskScore  int
	RiskAction risk.Action
}

// Verification is returned by [Service.VerifyAccess]. It carries only what
// the signed claims prove; no storage is consulted.
type Verification struct {
	PrincipalID string
	Role        string
	ScopeMask   uint64
	FamilyID    string
	RiskScore   int
	ExpiresAt   time.Time
}
