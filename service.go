package authcore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lumosocial/authcore/fingerprint"
	"github.com/lumosocial/authcore/internal"
	"github.com/lumosocial/authcore/internal/rate"
	"github.com/lumosocial/authcore/password"
	"github.com/lumosocial/authcore/permission"
	"github.com/lumosocial/authcore/policy"
	"github.com/lumosocial/authcore/refresh"
	"github.com/lumosocial/authcore/risk"
	"github.com/lumosocial/authcore/token"
)

// Service orchestrates the credential codec, password hasher, fingerprint
// and risk engines, and the refresh store into the issue / verify /
// rotate / revoke lifecycle. Each refresh credential moves
// Issued → Active → one of {Rotated, Revoked, Expired}; the terminal
// states have no outgoing transitions.
type Service struct {
	config      Config
	codec       *token.Codec
	hasher      *password.Hasher
	store       refresh.Store
	provider    PrincipalProvider
	riskEngine  *risk.Engine
	limiter     *rate.Limiter
	registry    *permission.Registry
	roleManager *permission.RoleManager
	policy      *policy.Policy
	audit       *auditDispatcher
	metrics     *Metrics
	logger      *slog.Logger
	clock       func() time.Time

	// dummyHash absorbs verification cost for unknown identifiers so the
	// not-found path is not measurably faster than a wrong password.
	dummyHash string
}

// Close flushes the audit dispatcher.
func (s *Service) Close() {
	if s == nil {
		return
	}
	if s.audit != nil {
		s.audit.Close()
	}
}

// AuditDropped reports how many audit events the dispatcher shed.
func (s *Service) AuditDropped() uint64 {
	if s == nil {
		return 0
	}
	return s.audit.Dropped()
}

// Policy exposes the transport security policy shared by both adapters.
func (s *Service) Policy() *policy.Policy { return s.policy }

// AccessTTL returns the configured access-credential lifetime.
func (s *Service) AccessTTL() time.Duration { return s.config.Token.AccessTTL }

func (s *Service) now() time.Time { return s.clock() }

// Issue mints a fresh credential pair for an already-authenticated
// principal, starting a new rotation family. Login is the normal entry
// point; Issue exists for flows that authenticate out of band.
func (s *Service) Issue(ctx context.Context, p Principal, meta RequestMetadata) (*Credentials, error) {
	if s == nil {
		return nil, ErrNotReady
	}

	fp := fingerprint.Compute(meta.fingerprintMetadata())
	score, action, err := s.scoreAttempt(ctx, &p, meta, fp)
	if err != nil {
		return nil, err
	}
	if action == risk.ActionDeny {
		s.emitRiskDenied(ctx, p.ID, meta, score)
		return nil, ErrRiskDenied
	}

	if s.config.Refresh.SingleActiveSession {
		if err := s.store.RevokeAll(ctx, p.ID); err != nil {
			return nil, fmt.Errorf("%w: revoke on login: %v", ErrInternal, err)
		}
	}

	return s.mint(ctx, p, uuid.NewString(), fp.String(), score, action)
}

// VerifyAccess checks an access token by signature and expiry alone; no
// storage is consulted. An expired token reports ErrTokenExpired so
// callers know to attempt rotation; every other defect is ErrTokenInvalid.
func (s *Service) VerifyAccess(ctx context.Context, tokenStr string) (*Verification, error) {
	if s == nil {
		return nil, ErrNotReady
	}

	claims, err := s.codec.Decode(tokenStr)
	if err != nil {
		if errors.Is(err, token.ErrExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	v := &Verification{
		PrincipalID: claims.PrincipalID,
		Role:        claims.Role,
		ScopeMask:   decodeMask(claims.ScopeMask),
		FamilyID:    claims.FamilyID,
		RiskScore:   claims.RiskScore,
	}
	if claims.ExpiresAt != nil {
		v.ExpiresAt = claims.ExpiresAt.Time
	}
	return v, nil
}

// Rotate atomically consumes the presented refresh credential and issues
// a replacement pair within the same family. Any failure ends the
// session: the caller must clear client-held credentials. Reuse of a
// superseded credential revokes its whole family.
func (s *Service) Rotate(ctx context.Context, refreshToken string, meta RequestMetadata) (*Credentials, error) {
	if s == nil {
		return nil, ErrNotReady
	}

	recordID, secret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		s.metrics.rotation("invalid")
		s.emitRotateFailure(ctx, "", "", meta, ErrTokenInvalid, "decode_failed")
		return nil, ErrTokenInvalid
	}

	if err := s.limiter.CheckRefresh(ctx, recordID); err != nil {
		if errors.Is(err, rate.ErrLimited) {
			s.metrics.limited("rotate")
			s.emitRotateFailure(ctx, "", "", meta, ErrRateLimited, "rate_limited")
			return nil, ErrRateLimited
		}
		// Fail closed when the limiter backend is unreachable.
		return nil, fmt.Errorf("%w: refresh limiter: %v", ErrInternal, err)
	}

	replacementID := internal.NewRecordID()
	now := s.now()

	rec, err := s.store.Consume(ctx, recordID, internal.HashSecret(secret[:]), replacementID, now)
	if err != nil {
		return nil, s.classifyConsume(ctx, err, meta)
	}

	p, err := s.provider.GetByID(ctx, rec.PrincipalID)
	if err != nil {
		// The credential is already consumed; the session is over either way.
		s.metrics.rotation("error")
		s.emitRotateFailure(ctx, rec.PrincipalID, rec.FamilyID, meta, err, "principal_lookup_failed")
		return nil, fmt.Errorf("%w: principal lookup: %v", ErrInternal, err)
	}
	if p.Locked {
		_ = s.store.RevokeFamily(ctx, rec.PrincipalID, rec.FamilyID)
		s.metrics.rotation("locked")
		s.emitRotateFailure(ctx, p.ID, rec.FamilyID, meta, ErrAccountLocked, "account_locked")
		return nil, ErrAccountLocked
	}

	fp := fingerprint.Compute(meta.fingerprintMetadata())
	score, action, err := s.scoreAttempt(ctx, &p, meta, fp)
	if err != nil {
		return nil, err
	}
	if action == risk.ActionDeny {
		_ = s.store.RevokeFamily(ctx, p.ID, rec.FamilyID)
		s.metrics.rotation("risk_denied")
		s.emitRiskDenied(ctx, p.ID, meta, score)
		return nil, ErrRiskDenied
	}

	creds, err := s.mintWithID(ctx, p, rec.FamilyID, replacementID, fp.String(), score, action)
	if err != nil {
		s.metrics.rotation("error")
		return nil, err
	}

	s.trustDevice(ctx, p, fp.String(), action)

	s.metrics.rotation("success")
	event := newAuditEvent(auditEventRotateSuccess, true)
	event.PrincipalID = p.ID
	event.FamilyID = rec.FamilyID
	event.IP = meta.ClientIP
	event.Fingerprint = fp.String()
	event.RiskScore = score
	s.audit.Emit(ctx, event)

	return creds, nil
}

// Revoke invalidates every refresh credential of a principal. Idempotent:
// revoking an already-clean principal succeeds.
func (s *Service) Revoke(ctx context.Context, principalID string) error {
	if s == nil {
		return ErrNotReady
	}
	if err := s.store.RevokeAll(ctx, principalID); err != nil {
		return fmt.Errorf("%w: revoke all: %v", ErrInternal, err)
	}
	s.metrics.revoked()
	event := newAuditEvent(auditEventRevoke, true)
	event.PrincipalID = principalID
	s.audit.Emit(ctx, event)
	return nil
}

// RevokeCredential invalidates the single refresh credential presented,
// leaving the principal's other devices logged in. Unknown credentials
// succeed silently so logout stays idempotent.
func (s *Service) RevokeCredential(ctx context.Context, refreshToken string) error {
	if s == nil {
		return ErrNotReady
	}
	recordID, _, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		return nil
	}
	if err := s.store.RevokeOne(ctx, recordID); err != nil {
		if errors.Is(err, refresh.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%w: revoke one: %v", ErrInternal, err)
	}
	s.metrics.revoked()
	return nil
}

// ActiveCredentials lists the live refresh records of a principal for a
// manage-devices surface. Token material is never included; records
// carry only hashes.
func (s *Service) ActiveCredentials(ctx context.Context, principalID string) ([]refresh.Record, error) {
	if s == nil {
		return nil, ErrNotReady
	}
	recs, err := s.store.ActiveForPrincipal(ctx, principalID, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: list credentials: %v", ErrInternal, err)
	}
	return recs, nil
}

func (s *Service) classifyConsume(ctx context.Context, err error, meta RequestMetadata) error {
	var replay *refresh.ReplayError
	switch {
	case errors.As(err, &replay):
		// One credential presented twice means either a replayed theft or
		// a desynced client. Both end the family.
		if revokeErr := s.store.RevokeFamily(ctx, replay.PrincipalID, replay.FamilyID); revokeErr != nil {
			s.logger.ErrorContext(ctx, "family revocation after replay failed",
				slog.String("principal_id", replay.PrincipalID),
				slog.String("family_id", replay.FamilyID))
		}
		s.metrics.replay()
		s.metrics.rotation("replay")
		event := newAuditEvent(auditEventReplayDetected, false)
		event.PrincipalID = replay.PrincipalID
		event.FamilyID = replay.FamilyID
		event.IP = meta.ClientIP
		event.Error = CodeReplayDetected
		s.audit.Emit(ctx, event)
		return ErrReplayDetected
	case errors.Is(err, refresh.ErrExpired):
		s.metrics.rotation("expired")
		s.emitRotateFailure(ctx, "", "", meta, ErrTokenExpired, "expired")
		return ErrTokenExpired
	case errors.Is(err, refresh.ErrRevoked):
		s.metrics.rotation("revoked")
		s.emitRotateFailure(ctx, "", "", meta, ErrTokenRevoked, "revoked")
		return ErrTokenRevoked
	case errors.Is(err, refresh.ErrNotFound):
		s.metrics.rotation("not_found")
		s.emitRotateFailure(ctx, "", "", meta, ErrTokenInvalid, "not_found")
		return ErrTokenInvalid
	default:
		s.metrics.rotation("error")
		s.emitRotateFailure(ctx, "", "", meta, err, "store_failure")
		// Store timeouts fail closed, never as authenticated.
		return fmt.Errorf("%w: consume: %v", ErrInternal, err)
	}
}

// scoreAttempt runs the risk engine against the principal's history.
// Backend failures fail closed.
func (s *Service) scoreAttempt(ctx context.Context, p *Principal, meta RequestMetadata, fp fingerprint.Fingerprint) (int, risk.Action, error) {
	sig := risk.Signals{
		Fingerprint:        fp.String(),
		FingerprintTrusted: p.Trusts(fp.String()),
		ClientIP:           meta.ClientIP,
		Latitude:           meta.Latitude,
		Longitude:          meta.Longitude,
		HasGeo:             meta.HasGeo,
	}
	hist := risk.History{
		LastLatitude:  p.LastLatitude,
		LastLongitude: p.LastLongitude,
		HasLastGeo:    p.HasLastGeo,
		LastLoginAt:   p.LastLoginAt,
	}
	score, err := s.riskEngine.Score(ctx, p.ID, sig, hist)
	if err != nil {
		return 0, risk.ActionDeny, fmt.Errorf("%w: risk scoring: %v", ErrInternal, err)
	}
	s.metrics.risk(score)
	return score, s.riskEngine.Action(score), nil
}

// mint creates a refresh record with a fresh ID and the matching token pair.
func (s *Service) mint(ctx context.Context, p Principal, familyID, fp string, score int, action risk.Action) (*Credentials, error) {
	return s.mintWithID(ctx, p, familyID, internal.NewRecordID(), fp, score, action)
}

// mintWithID persists the refresh record under recordID and encodes both
// credentials. The record write is awaited before any token is returned.
func (s *Service) mintWithID(ctx context.Context, p Principal, familyID, recordID, fp string, score int, action risk.Action) (*Credentials, error) {
	secret, err := internal.NewRefreshSecret()
	if err != nil {
		return nil, fmt.Errorf("%w: secret generation: %v", ErrInternal, err)
	}

	now := s.now()
	refreshExpiry := now.Add(s.config.Refresh.TTL)

	rec := refresh.Record{
		ID:          recordID,
		PrincipalID: p.ID,
		FamilyID:    familyID,
		TokenHash:   internal.HashSecret(secret[:]),
		Fingerprint: fp,
		IssuedAt:    now,
		ExpiresAt:   refreshExpiry,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: record create: %v", ErrInternal, err)
	}

	refreshToken, err := internal.EncodeRefreshToken(recordID, secret)
	if err != nil {
		return nil, fmt.Errorf("%w: refresh encode: %v", ErrInternal, err)
	}

	var mask permission.Mask64
	if m, ok := s.roleManager.MaskFor(p.Role); ok {
		mask = m
	}
	accessToken, err := s.codec.Encode(token.Claims{
		PrincipalID: p.ID,
		Role:        p.Role,
		ScopeMask:   encodeMask(uint64(mask)),
		FamilyID:    familyID,
		RiskScore:   score,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: access encode: %v", ErrInternal, err)
	}

	csrf, err := internal.NewCSRFToken()
	if err != nil {
		return nil, fmt.Errorf("%w: csrf generation: %v", ErrInternal, err)
	}

	return &Credentials{
		PrincipalID:      p.ID,
		FamilyID:         familyID,
		AccessToken:      accessToken,
		AccessExpiresAt:  now.Add(s.config.Token.AccessTTL),
		RefreshToken:     refreshToken,
		RefreshExpiresAt: refreshExpiry,
		CSRFToken:        csrf,
		RiskScore:        score,
		RiskAction:       action,
	}, nil
}

// trustDevice records the fingerprint after a low-risk success. Best
// effort: a provider failure must not fail the authentication.
func (s *Service) trustDevice(ctx context.Context, p Principal, fp string, action risk.Action) {
	if action != risk.ActionAllow || p.Trusts(fp) {
		return
	}
	if err := s.provider.TrustFingerprint(ctx, p.ID, fp, s.config.Security.MaxTrustedFingerprints); err != nil {
		s.logger.WarnContext(ctx, "trusted fingerprint update failed",
			slog.String("principal_id", p.ID))
	}
}

func (s *Service) emitRotateFailure(ctx context.Context, principalID, familyID string, meta RequestMetadata, err error, reason string) {
	event := newAuditEvent(auditEventRotateFailure, false)
	event.PrincipalID = principalID
	event.FamilyID = familyID
	event.IP = meta.ClientIP
	if err != nil {
		event.Error = CodeOf(err)
	}
	event.Metadata = map[string]string{"reason": reason}
	s.audit.Emit(ctx, event)
}

func (s *Service) emitRiskDenied(ctx context.Context, principalID string, meta RequestMetadata, score int) {
	event := newAuditEvent(auditEventLoginRiskDenied, false)
	event.PrincipalID = principalID
	event.IP = meta.ClientIP
	event.RiskScore = score
	event.Error = CodeInvalidCredentials
	s.audit.Emit(ctx, event)
}

func encodeMask(mask uint64) []byte {
	if mask == 0 {
		return nil
	}
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, mask)
	return out
}

func decodeMask(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
