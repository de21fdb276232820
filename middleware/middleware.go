// Package middleware adapts the engine to net/http. It is a thin
// consumer of the security context builder: every request gets one
// context, guards read it, and the login / refresh / logout handlers
// speak the shared {success, error:{code,message}} contract.
//
// # Architecture boundaries
//
// This package normalizes HTTP requests into [authcore.RequestMetadata]
// and writes cookies per the engine's transport policy. It never decodes
// or mints credentials itself.
package middleware

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/lumosocial/authcore"
)

type contextKey struct{}

// Adapter binds the engine to HTTP handlers.
type Adapter struct {
	service *authcore.Service
}

// New returns an Adapter over service.
func New(service *authcore.Service) *Adapter {
	return &Adapter{service: service}
}

// MetadataFromRequest normalizes one HTTP request into the
// transport-neutral metadata shape. The refresh credential is read from
// its cookie only.
func (a *Adapter) MetadataFromRequest(r *http.Request) authcore.RequestMetadata {
	pol := a.service.Policy()

	meta := authcore.RequestMetadata{
		UserAgent:      r.UserAgent(),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AcceptEncoding: r.Header.Get("Accept-Encoding"),
		ClientIP:       clientIP(r),
		CSRFHeader:     r.Header.Get(pol.CSRFHeaderName()),
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, hop := range strings.Split(xff, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				meta.ForwardedFor = append(meta.ForwardedFor, hop)
			}
		}
	}

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		meta.AccessToken = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if c, err := r.Cookie(pol.AccessCookieName()); err == nil {
		meta.AccessCookie = c.Value
	}
	if c, err := r.Cookie(pol.RefreshCookieName()); err == nil {
		meta.RefreshCookie = c.Value
	}
	if c, err := r.Cookie(pol.CSRFCookieName()); err == nil {
		meta.CSRFCookie = c.Value
	}

	return meta
}

// Authenticate builds the security context for every request and stashes
// it in the request context. When the build transparently rotated an
// expired session, the replacement cookies are written before the next
// handler runs. Unauthenticated requests pass through: guards decide.
func (a *Adapter) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta := a.MetadataFromRequest(r)
		sc := a.service.BuildContext(r.Context(), meta)

		if sc.RotatedCredentials != nil {
			a.setSessionCookies(w, sc.RotatedCredentials)
		}

		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), contextKey{}, sc)))
	})
}

// FromContext returns the security context stored by Authenticate, or an
// unauthenticated context when the middleware did not run.
func FromContext(ctx context.Context) *authcore.SecurityContext {
	if sc, ok := ctx.Value(contextKey{}).(*authcore.SecurityContext); ok {
		return sc
	}
	return &authcore.SecurityContext{FailureReason: authcore.CodeUnauthenticated}
}

// RequireAuthenticated rejects anonymous requests with 401.
func (a *Adapter) RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.service.RequireAuthenticated(r.Context(), FromContext(r.Context())); err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole rejects requests whose principal has none of roles.
func (a *Adapter) RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := a.service.RequireRole(r.Context(), FromContext(r.Context()), roles...); err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireScope rejects requests missing any of the named scopes.
func (a *Adapter) RequireScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := a.service.RequireScope(r.Context(), FromContext(r.Context()), scopes...); err != nil {
				writeError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// loginResponse carries the access credential in the body for
// header-transport clients. The refresh credential travels only in its
// httpOnly cookie and never appears here.
type loginResponse struct {
	authcore.OpResult
	AccessToken     string `json:"access_token,omitempty"`
	AccessExpiresAt int64  `json:"access_expires_at,omitempty"`
}

// LoginHandler implements POST login.
func (a *Adapter) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, authcore.ErrValidation)
			return
		}

		meta := a.MetadataFromRequest(r)
		creds, err := a.service.Login(r.Context(), req.Identifier, req.Password, meta)
		if err != nil {
			writeError(w, err)
			return
		}

		a.setSessionCookies(w, creds)
		writeJSON(w, http.StatusOK, loginResponse{
			OpResult:        authcore.ResultOK(),
			AccessToken:     creds.AccessToken,
			AccessExpiresAt: creds.AccessExpiresAt.Unix(),
		})
	}
}

// RefreshHandler implements POST refresh: it rotates the cookie-held
// refresh credential. Any failure clears the session cookies: the
// session is over and the client must log in again.
func (a *Adapter) RefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meta := a.MetadataFromRequest(r)
		if meta.RefreshCookie == "" {
			writeError(w, authcore.ErrTokenInvalid)
			return
		}
		if !a.service.ValidateCSRF(meta) {
			writeError(w, authcore.ErrValidation)
			return
		}

		creds, err := a.service.Rotate(r.Context(), meta.RefreshCookie, meta)
		if err != nil {
			a.clearSessionCookies(w)
			writeError(w, err)
			return
		}

		a.setSessionCookies(w, creds)
		writeJSON(w, http.StatusOK, loginResponse{
			OpResult:        authcore.ResultOK(),
			AccessToken:     creds.AccessToken,
			AccessExpiresAt: creds.AccessExpiresAt.Unix(),
		})
	}
}

// LogoutHandler implements POST logout. Idempotent: missing cookies
// still succeed, and the session cookies are always cleared.
func (a *Adapter) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meta := a.MetadataFromRequest(r)
		if meta.RefreshCookie != "" && !a.service.ValidateCSRF(meta) {
			writeError(w, authcore.ErrValidation)
			return
		}

		err := a.service.Logout(r.Context(), meta.RefreshCookie)
		a.clearSessionCookies(w)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, authcore.ResultOK())
	}
}

func (a *Adapter) setSessionCookies(w http.ResponseWriter, creds *authcore.Credentials) {
	pol := a.service.Policy()
	http.SetCookie(w, pol.AccessCookie(creds.AccessToken))
	http.SetCookie(w, pol.RefreshCookie(creds.RefreshToken))
	http.SetCookie(w, pol.CSRFCookie(creds.CSRFToken))
}

func (a *Adapter) clearSessionCookies(w http.ResponseWriter) {
	for _, c := range a.service.Policy().ClearCookies() {
		http.SetCookie(w, c)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, err error) {
	res := authcore.ResultFromError(err)
	writeJSON(w, statusFor(res.Error.Code), res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(code string) int {
	switch code {
	case authcore.CodeValidationFailure:
		return http.StatusBadRequest
	case authcore.CodeInvalidCredentials, authcore.CodeTokenExpired,
		authcore.CodeTokenInvalid, authcore.CodeTokenRevoked,
		authcore.CodeReplayDetected, authcore.CodeUnauthenticated:
		return http.StatusUnauthorized
	case authcore.CodeAccountLocked, authcore.CodeInsufficientRole,
		authcore.CodeInsufficientScope:
		return http.StatusForbidden
	case authcore.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
