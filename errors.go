package authcore

import (
	"errors"

	"github.com/lumosocial/authcore/internal/rate"
	"github.com/lumosocial/authcore/refresh"
	"github.com/lumosocial/authcore/risk"
	"github.com/lumosocial/authcore/token"
)

var (
	// ErrValidation marks malformed or policy-violating input.
	ErrValidation = errors.New("validation failure")
	// ErrInvalidCredentials covers both a wrong password and an unknown
	// principal. The two cases are deliberately indistinguishable.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked marks a principal whose account is locked.
	ErrAccountLocked = errors.New("account locked")
	// ErrTokenExpired marks an access credential past its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid marks a credential that is malformed, forged, or unknown.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrTokenRevoked marks a refresh credential revoked by logout.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrReplayDetected marks reuse of a superseded refresh credential.
	ErrReplayDetected = errors.New("replay detected")
	// ErrRateLimited marks a request rejected by a rate-limit window.
	ErrRateLimited = errors.New("rate limited")
	// ErrRiskDenied marks an attempt rejected by the risk engine.
	ErrRiskDenied = errors.New("risk threshold exceeded")
	// ErrUnauthenticated marks access to a guarded operation without a
	// valid security context.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInsufficientRole marks a role check failure.
	ErrInsufficientRole = errors.New("insufficient role")
	// ErrInsufficientScope marks a scope check failure.
	ErrInsufficientScope = errors.New("insufficient scope")
	// ErrDuplicatePrincipal is returned by providers when an identifier is
	// already taken.
	ErrDuplicatePrincipal = errors.New("principal already exists")
	// ErrPrincipalNotFound is returned by providers for unknown lookups.
	ErrPrincipalNotFound = errors.New("principal not found")
	// ErrInternal covers backend failures. Clients never see detail.
	ErrInternal = errors.New("internal error")
	// ErrNotReady marks use of a service before Build completed.
	ErrNotReady = errors.New("service not initialized")
)

// Stable error codes shared by both protocol adapters. Clients key retry
// and messaging behavior off these; they never change meaning.
const (
	CodeValidationFailure  = "VALIDATION_FAILURE"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeAccountLocked      = "ACCOUNT_LOCKED"
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeTokenInvalid       = "TOKEN_INVALID"
	CodeTokenRevoked       = "TOKEN_REVOKED"
	CodeReplayDetected     = "REPLAY_DETECTED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeUnauthenticated    = "UNAUTHENTICATED"
	CodeInsufficientRole   = "INSUFFICIENT_ROLE"
	CodeInsufficientScope  = "INSUFFICIENT_SCOPE"
	CodeInternalError      = "INTERNAL_ERROR"
)

// CodeOf classifies err into a stable adapter code. Unrecognized errors
// collapse into INTERNAL_ERROR so backend detail never reaches a client.
func CodeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation), errors.Is(err, ErrDuplicatePrincipal):
		// Duplicate identifiers report as validation so registration does
		// not confirm account existence.
		return CodeValidationFailure
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrPrincipalNotFound),
		errors.Is(err, ErrRiskDenied):
		return CodeInvalidCredentials
	case errors.Is(err, ErrAccountLocked):
		return CodeAccountLocked
	case errors.Is(err, ErrTokenExpired), errors.Is(err, token.ErrExpired),
		errors.Is(err, refresh.ErrExpired):
		return CodeTokenExpired
	case errors.Is(err, ErrReplayDetected), errors.Is(err, refresh.ErrReplayed):
		return CodeReplayDetected
	case errors.Is(err, ErrTokenRevoked), errors.Is(err, refresh.ErrRevoked):
		return CodeTokenRevoked
	case errors.Is(err, ErrTokenInvalid), errors.Is(err, token.ErrMalformed),
		errors.Is(err, token.ErrSignatureInvalid), errors.Is(err, refresh.ErrNotFound):
		return CodeTokenInvalid
	case errors.Is(err, ErrRateLimited), errors.Is(err, rate.ErrLimited):
		return CodeRateLimited
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrInsufficientRole):
		return CodeInsufficientRole
	case errors.Is(err, ErrInsufficientScope):
		return CodeInsufficientScope
	case errors.Is(err, risk.ErrBackendUnavailable), errors.Is(err, rate.ErrUnavailable),
		errors.Is(err, refresh.ErrUnavailable):
		return CodeInternalError
	default:
		return CodeInternalError
	}
}

// messageOf returns the fixed client-facing message for a code.
// Server-side logs carry the real cause; these never do.
func messageOf(code string) string {
	switch code {
	case CodeValidationFailure:
		return "request failed validation"
	case CodeInvalidCredentials:
		return "invalid credentials"
	case CodeAccountLocked:
		return "account is locked"
	case CodeTokenExpired:
		return "credential expired"
	case CodeTokenInvalid:
		return "credential invalid"
	case CodeTokenRevoked:
		return "credential revoked"
	case CodeReplayDetected:
		return "credential reuse detected"
	case CodeRateLimited:
		return "too many attempts"
	case CodeUnauthenticated:
		return "authentication required"
	case CodeInsufficientRole:
		return "role not permitted"
	case CodeInsufficientScope:
		return "scope not permitted"
	default:
		return "internal error"
	}
}

// OpError is the failure half of the adapter contract.
type OpError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OpResult is the uniform {success, error} shape both adapters return
// from login, refresh, and logout.
type OpResult struct {
	Success bool     `json:"success"`
	Error   *OpError `json:"error,omitempty"`
}

// ResultOK is the shared success result.
func ResultOK() OpResult { return OpResult{Success: true} }

// ResultFromError builds a failure OpResult carrying only the stable code
// and its fixed message.
func ResultFromError(err error) OpResult {
	code := CodeOf(err)
	if code == "" {
		return ResultOK()
	}
	return OpResult{Success: false, Error: &OpError{Code: code, Message: messageOf(code)}}
}
