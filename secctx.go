package authcore

import (
	"context"
	"errors"

	"github.com/lumosocial/authcore/fingerprint"
	"github.com/lumosocial/authcore/permission"
)

// SecurityContext is the per-request bundle of authentication facts both
// protocol adapters consume. It is built once per request and discarded.
type SecurityContext struct {
	Principal     *Principal
	Authenticated bool

	Role      string
	ScopeMask uint64

	RiskScore     int
	DeviceTrusted bool

	// CSRFToken is the value adapters set as the non-httpOnly CSRF
	// cookie. Carried over from the request when no rotation happened,
	// freshly issued otherwise.
	CSRFToken string

	// FailureReason holds the stable code explaining an unauthenticated
	// context. Empty when Authenticated.
	FailureReason string

	// RotatedCredentials is set when an expired access credential was
	// transparently rotated during the build. Adapters must re-set the
	// credential cookies from it.
	RotatedCredentials *Credentials
}

// BuildContext derives the security context for one request. It never
// returns an error: every failure yields an unauthenticated context with
// a reason, so public operations proceed unaffected.
//
// The access credential is read from the authorization header first, the
// access cookie second. When it is expired or absent, the refresh
// credential is read from its cookie only, never from a header or body,
// and rotated; success authenticates the request and hands replacement
// credentials to the adapter.
func (s *Service) BuildContext(ctx context.Context, meta RequestMetadata) *SecurityContext {
	if s == nil {
		return &SecurityContext{FailureReason: CodeInternalError}
	}

	tokenStr := meta.accessToken()
	if tokenStr == "" {
		if meta.RefreshCookie != "" {
			return s.buildFromRotation(ctx, meta)
		}
		s.metrics.contextBuild("anonymous")
		return &SecurityContext{FailureReason: CodeUnauthenticated}
	}

	v, err := s.VerifyAccess(ctx, tokenStr)
	switch {
	case err == nil:
		return s.buildFromVerification(ctx, meta, v)
	case errors.Is(err, ErrTokenExpired):
		if meta.RefreshCookie != "" {
			return s.buildFromRotation(ctx, meta)
		}
		s.metrics.contextBuild("expired")
		return &SecurityContext{FailureReason: CodeTokenExpired}
	default:
		s.metrics.contextBuild("invalid")
		return &SecurityContext{FailureReason: CodeTokenInvalid}
	}
}

func (s *Service) buildFromVerification(ctx context.Context, meta RequestMetadata, v *Verification) *SecurityContext {
	p, err := s.provider.GetByID(ctx, v.PrincipalID)
	if err != nil {
		// Provider failure fails closed: a signed token alone does not
		// authenticate when the account cannot be loaded.
		s.metrics.contextBuild("failed")
		return &SecurityContext{FailureReason: CodeInternalError}
	}
	if p.Locked {
		s.metrics.contextBuild("failed")
		return &SecurityContext{FailureReason: CodeAccountLocked}
	}

	fp := fingerprint.Compute(meta.fingerprintMetadata())
	s.metrics.contextBuild("authenticated")
	return &SecurityContext{
		Principal:     &p,
		Authenticated: true,
		Role:          v.Role,
		ScopeMask:     v.ScopeMask,
		RiskScore:     v.RiskScore,
		DeviceTrusted: p.Trusts(fp.String()),
		CSRFToken:     meta.CSRFCookie,
	}
}

func (s *Service) buildFromRotation(ctx context.Context, meta RequestMetadata) *SecurityContext {
	creds, err := s.Rotate(ctx, meta.RefreshCookie, meta)
	if err != nil {
		s.metrics.contextBuild("failed")
		return &SecurityContext{FailureReason: CodeOf(err)}
	}

	p, err := s.provider.GetByID(ctx, creds.PrincipalID)
	if err != nil {
		s.metrics.contextBuild("failed")
		return &SecurityContext{FailureReason: CodeInternalError}
	}

	var mask permission.Mask64
	if m, ok := s.roleManager.MaskFor(p.Role); ok {
		mask = m
	}

	fp := fingerprint.Compute(meta.fingerprintMetadata())
	s.metrics.contextBuild("rotated")
	return &SecurityContext{
		Principal:          &p,
		Authenticated:      true,
		Role:               p.Role,
		ScopeMask:          mask.Raw(),
		RiskScore:          creds.RiskScore,
		DeviceTrusted:      p.Trusts(fp.String()),
		CSRFToken:          creds.CSRFToken,
		RotatedCredentials: creds,
	}
}

// RequireAuthenticated fails with ErrUnauthenticated for anonymous
// contexts. Denials emit an audit event and nothing else.
func (s *Service) RequireAuthenticated(ctx context.Context, sc *SecurityContext) error {
	if sc != nil && sc.Authenticated {
		return nil
	}
	s.emitAccessDenied(ctx, sc, CodeUnauthenticated, "")
	return ErrUnauthenticated
}

// RequireRole fails unless the context's role is one of roles.
func (s *Service) RequireRole(ctx context.Context, sc *SecurityContext, roles ...string) error {
	if err := s.RequireAuthenticated(ctx, sc); err != nil {
		return err
	}
	for _, r := range roles {
		if sc.Role == r {
			return nil
		}
	}
	s.emitAccessDenied(ctx, sc, CodeInsufficientRole, sc.Role)
	return ErrInsufficientRole
}

// RequireScope fails unless the context's mask carries every named scope.
func (s *Service) RequireScope(ctx context.Context, sc *SecurityContext, scopes ...string) error {
	if err := s.RequireAuthenticated(ctx, sc); err != nil {
		return err
	}
	need, err := s.registry.MaskOf(scopes...)
	if err != nil {
		s.emitAccessDenied(ctx, sc, CodeInsufficientScope, "unknown_scope")
		return ErrInsufficientScope
	}
	if !permission.Mask64(sc.ScopeMask).Has(need) {
		s.emitAccessDenied(ctx, sc, CodeInsufficientScope, "")
		return ErrInsufficientScope
	}
	return nil
}

// ValidateCSRF runs the double-submit check for state-changing
// operations: the request header must match the CSRF cookie.
func (s *Service) ValidateCSRF(meta RequestMetadata) bool {
	return s.policy.ValidateCSRF(meta.CSRFHeader, meta.CSRFCookie)
}

func (s *Service) emitAccessDenied(ctx context.Context, sc *SecurityContext, code, detail string) {
	event := newAuditEvent(auditEventAccessDenied, false)
	if sc != nil && sc.Principal != nil {
		event.PrincipalID = sc.Principal.ID
	}
	event.Error = code
	if detail != "" {
		event.Metadata = map[string]string{"detail": detail}
	}
	s.audit.Emit(ctx, event)
}
