package authcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"github.com/lumosocial/authcore/fingerprint"
	"github.com/lumosocial/authcore/internal/rate"
)

// Register creates a principal with a freshly hashed password. The
// plaintext never reaches the provider. A taken username or email
// surfaces as ErrDuplicatePrincipal, which adapters report as a plain
// validation failure.
func (s *Service) Register(ctx context.Context, username, email, plaintext, role string) (Principal, error) {
	if s == nil {
		return Principal{}, ErrNotReady
	}
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || email == "" || !strings.Contains(email, "@") {
		return Principal{}, fmt.Errorf("%w: username and email required", ErrValidation)
	}
	if err := validatePassword(plaintext); err != nil {
		return Principal{}, err
	}
	if !s.roleManager.Known(role) {
		return Principal{}, fmt.Errorf("%w: unknown role", ErrValidation)
	}

	hash, err := s.hasher.Hash(plaintext)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: password hash: %v", ErrInternal, err)
	}

	created, err := s.provider.Create(ctx, Principal{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Role:         role,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicatePrincipal) {
			return Principal{}, ErrDuplicatePrincipal
		}
		return Principal{}, fmt.Errorf("%w: principal create: %v", ErrInternal, err)
	}

	event := newAuditEvent(auditEventRegister, true)
	event.PrincipalID = created.ID
	s.audit.Emit(ctx, event)

	return created, nil
}

// Login authenticates identifier+password and mints a credential pair.
// An unknown identifier and a wrong password produce the same error and
// comparable latency: the unknown path still runs a full verification
// against a throwaway digest.
func (s *Service) Login(ctx context.Context, identifier, plaintext string, meta RequestMetadata) (*Credentials, error) {
	if s == nil {
		return nil, ErrNotReady
	}

	if err := s.limiter.CheckLogin(ctx, identifier, meta.ClientIP); err != nil {
		if errors.Is(err, rate.ErrLimited) {
			s.metrics.limited("login")
			s.emitLoginFailure(ctx, "", meta, ErrRateLimited, "rate_limited")
			return nil, ErrRateLimited
		}
		return nil, fmt.Errorf("%w: login limiter: %v", ErrInternal, err)
	}

	if locked, err := s.lockedOut(ctx, identifier); err != nil {
		return nil, err
	} else if locked {
		s.metrics.login("locked")
		s.emitLoginFailure(ctx, "", meta, ErrAccountLocked, "lockout_threshold")
		return nil, ErrAccountLocked
	}

	if plaintext == "" {
		return nil, s.failLogin(ctx, identifier, "", meta, "empty_password")
	}

	p, err := s.provider.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			// Burn the same hashing cost as the known-principal path.
			_, _ = s.hasher.Verify(plaintext, s.dummyHash)
			return nil, s.failLogin(ctx, identifier, "", meta, "principal_not_found")
		}
		return nil, fmt.Errorf("%w: principal lookup: %v", ErrInternal, err)
	}

	ok, err := s.hasher.Verify(plaintext, p.PasswordHash)
	if err != nil || !ok {
		return nil, s.failLogin(ctx, identifier, p.ID, meta, "password_mismatch")
	}
	if p.Locked {
		s.metrics.login("locked")
		s.emitLoginFailure(ctx, p.ID, meta, ErrAccountLocked, "account_locked")
		return nil, ErrAccountLocked
	}

	s.maybeRehash(ctx, &p, plaintext)
	plaintext = ""

	creds, err := s.Issue(ctx, p, meta)
	if err != nil {
		if errors.Is(err, ErrRiskDenied) {
			s.metrics.login("risk_denied")
		} else {
			s.metrics.login("error")
		}
		return nil, err
	}

	fp := fingerprint.Compute(meta.fingerprintMetadata())
	s.trustDevice(ctx, p, fp.String(), creds.RiskAction)
	s.finishLogin(ctx, identifier, p, meta, creds)
	return creds, nil
}

// Logout revokes the presented refresh credential. Idempotent: missing
// or garbage tokens succeed, the client clears its cookies either way.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if s == nil {
		return ErrNotReady
	}
	if refreshToken == "" {
		return nil
	}
	if err := s.RevokeCredential(ctx, refreshToken); err != nil {
		return err
	}
	event := newAuditEvent(auditEventLogout, true)
	s.audit.Emit(ctx, event)
	return nil
}

// ChangePassword verifies the current password, installs a new hash and
// revokes every live session of the principal. Clients re-authenticate
// with the new password.
func (s *Service) ChangePassword(ctx context.Context, principalID, current, next string) error {
	if s == nil {
		return ErrNotReady
	}
	if err := validatePassword(next); err != nil {
		return err
	}

	p, err := s.provider.GetByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return ErrInvalidCredentials
		}
		return fmt.Errorf("%w: principal lookup: %v", ErrInternal, err)
	}
	if p.Locked {
		return ErrAccountLocked
	}

	ok, err := s.hasher.Verify(current, p.PasswordHash)
	if err != nil || !ok {
		s.emitLoginFailure(ctx, p.ID, RequestMetadata{}, ErrInvalidCredentials, "password_change_mismatch")
		return ErrInvalidCredentials
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return fmt.Errorf("%w: password hash: %v", ErrInternal, err)
	}
	if err := s.provider.UpdatePasswordHash(ctx, p.ID, hash); err != nil {
		return fmt.Errorf("%w: password update: %v", ErrInternal, err)
	}

	// A password change ends every existing session.
	if err := s.Revoke(ctx, p.ID); err != nil {
		return err
	}

	event := newAuditEvent(auditEventPasswordChange, true)
	event.PrincipalID = p.ID
	s.audit.Emit(ctx, event)
	return nil
}

func (s *Service) lockedOut(ctx context.Context, identifier string) (bool, error) {
	threshold := s.config.Security.LockoutThreshold
	if threshold <= 0 {
		return false, nil
	}
	failures, err := s.limiter.LoginFailures(ctx, identifier)
	if err != nil {
		return false, fmt.Errorf("%w: lockout check: %v", ErrInternal, err)
	}
	return failures >= threshold, nil
}

// failLogin records the failure in the limiter and returns the single
// shared error for every credential defect.
func (s *Service) failLogin(ctx context.Context, identifier, principalID string, meta RequestMetadata, reason string) error {
	if err := s.limiter.RecordLoginFailure(ctx, identifier, meta.ClientIP); err != nil {
		s.logger.WarnContext(ctx, "login failure recording failed",
			slog.String("identifier_hint", reason))
	}
	s.metrics.login("failure")
	s.emitLoginFailure(ctx, principalID, meta, ErrInvalidCredentials, reason)
	return ErrInvalidCredentials
}

func (s *Service) maybeRehash(ctx context.Context, p *Principal, plaintext string) {
	if !s.config.Password.UpgradeOnLogin {
		return
	}
	needs, err := s.hasher.NeedsRehash(p.PasswordHash)
	if err != nil || !needs {
		return
	}
	upgraded, err := s.hasher.Hash(plaintext)
	if err != nil {
		s.logger.WarnContext(ctx, "password rehash generation failed",
			slog.String("principal_id", p.ID))
		return
	}
	// Best effort: a failed upgrade must not block the login.
	if err := s.provider.UpdatePasswordHash(ctx, p.ID, upgraded); err != nil {
		s.logger.WarnContext(ctx, "password rehash update failed",
			slog.String("principal_id", p.ID))
		return
	}
	p.PasswordHash = upgraded
}

func (s *Service) finishLogin(ctx context.Context, identifier string, p Principal, meta RequestMetadata, creds *Credentials) {
	if err := s.limiter.ResetLogin(ctx, identifier, meta.ClientIP); err != nil {
		s.logger.WarnContext(ctx, "login limiter reset failed",
			slog.String("principal_id", p.ID))
	}
	if err := s.provider.RecordLogin(ctx, p.ID, s.now(), meta.Latitude, meta.Longitude, meta.HasGeo); err != nil {
		s.logger.WarnContext(ctx, "login bookkeeping failed",
			slog.String("principal_id", p.ID))
	}

	s.metrics.login("success")
	event := newAuditEvent(auditEventLoginSuccess, true)
	event.PrincipalID = p.ID
	event.FamilyID = creds.FamilyID
	event.IP = meta.ClientIP
	event.RiskScore = creds.RiskScore
	s.audit.Emit(ctx, event)
}

func (s *Service) emitLoginFailure(ctx context.Context, principalID string, meta RequestMetadata, err error, reason string) {
	event := newAuditEvent(auditEventLoginFailure, false)
	event.PrincipalID = principalID
	event.IP = meta.ClientIP
	event.Error = CodeOf(err)
	event.Metadata = map[string]string{"reason": reason}
	s.audit.Emit(ctx, event)
}

// validatePassword enforces the registration password policy: 10 to 128
// characters with at least one letter and one digit.
func validatePassword(plaintext string) error {
	if len(plaintext) < 10 || len(plaintext) > 128 {
		return fmt.Errorf("%w: password must be 10-128 characters", ErrValidation)
	}
	var hasLetter, hasDigit bool
	for _, r := range plaintext {
		switch {
		case unicode.IsLetter(r):
			hasLetter = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasLetter || !hasDigit {
		return fmt.Errorf("%w: password must mix letters and digits", ErrValidation)
	}
	return nil
}
