// Package policy centralizes transport security decisions: which cookies
// carry which credentials, their attributes, and the CSRF double-submit
// check. Both protocol adapters consult a single Policy so the rules
// cannot drift between transports.
//
// # Architecture boundaries
//
// This package decides cookie attributes and validates CSRF pairs. It
// never mints or verifies credentials and never touches storage.
package policy

import (
	"crypto/subtle"
	"net/http"
	"time"
)

// Default cookie and header names. Overridable through Config for
// deployments that already reserve these names.
const (
	DefaultAccessCookie  = "ac_access"
	DefaultRefreshCookie = "ac_refresh"
	DefaultCSRFCookie    = "ac_csrf"
	DefaultCSRFHeader    = "X-CSRF-Token"
)

// Config controls cookie attributes.
type Config struct {
	// Secure marks cookies Secure. Disable only for local development
	// over plain HTTP.
	Secure bool

	// SameSite applies to all three cookies. Zero value means
	// http.SameSiteStrictMode.
	SameSite http.SameSite

	// Domain scopes the cookies. Empty means host-only.
	Domain string

	// AccessTTL and RefreshTTL bound cookie max-age. They should match
	// the lifetimes of the credentials they carry.
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	AccessCookieName  string
	RefreshCookieName string
	CSRFCookieName    string
	CSRFHeaderName    string
}

// Policy issues and clears credential cookies and validates CSRF pairs.
type Policy struct {
	cfg Config
}

// New returns a Policy with defaults applied for zero-valued fields.
func New(cfg Config) *Policy {
	if cfg.SameSite == 0 {
		cfg.SameSite = http.SameSiteStrictMode
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 30 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.AccessCookieName == "" {
		cfg.AccessCookieName = DefaultAccessCookie
	}
	if cfg.RefreshCookieName == "" {
		cfg.RefreshCookieName = DefaultRefreshCookie
	}
	if cfg.CSRFCookieName == "" {
		cfg.CSRFCookieName = DefaultCSRFCookie
	}
	if cfg.CSRFHeaderName == "" {
		cfg.CSRFHeaderName = DefaultCSRFHeader
	}
	return &Policy{cfg: cfg}
}

// AccessCookieName returns the configured access cookie name.
func (p *Policy) AccessCookieName() string { return p.cfg.AccessCookieName }

// RefreshCookieName returns the configured refresh cookie name.
func (p *Policy) RefreshCookieName() string { return p.cfg.RefreshCookieName }

// CSRFCookieName returns the configured CSRF cookie name.
func (p *Policy) CSRFCookieName() string { return p.cfg.CSRFCookieName }

// CSRFHeaderName returns the header checked by ValidateCSRF.
func (p *Policy) CSRFHeaderName() string { return p.cfg.CSRFHeaderName }

// AccessCookie builds the httpOnly cookie carrying the access credential.
// Header transport is preferred; this cookie is the fallback for clients
// that cannot set an Authorization header.
func (p *Policy) AccessCookie(token string) *http.Cookie {
	return p.cookie(p.cfg.AccessCookieName, token, p.cfg.AccessTTL, true)
}

// RefreshCookie builds the httpOnly cookie carrying the refresh
// credential. The refresh credential travels in this cookie only, never
// in a header or response body.
func (p *Policy) RefreshCookie(token string) *http.Cookie {
	return p.cookie(p.cfg.RefreshCookieName, token, p.cfg.RefreshTTL, true)
}

// CSRFCookie builds the CSRF cookie. It is deliberately NOT httpOnly:
// scripts must read it to echo the value in the CSRF header.
func (p *Policy) CSRFCookie(token string) *http.Cookie {
	return p.cookie(p.cfg.CSRFCookieName, token, p.cfg.RefreshTTL, false)
}

// ClearCookies returns expired copies of all three cookies for logout
// responses.
func (p *Policy) ClearCookies() []*http.Cookie {
	clear := func(name string, httpOnly bool) *http.Cookie {
		c := p.cookie(name, "", 0, httpOnly)
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
		return c
	}
	return []*http.Cookie{
		clear(p.cfg.AccessCookieName, true),
		clear(p.cfg.RefreshCookieName, true),
		clear(p.cfg.CSRFCookieName, false),
	}
}

// ValidateCSRF compares the request's CSRF header against the value
// issued to the session. The comparison is constant time; empty values
// never validate.
func (p *Policy) ValidateCSRF(headerValue, sessionValue string) bool {
	if headerValue == "" || sessionValue == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(headerValue), []byte(sessionValue)) == 1
}

func (p *Policy) cookie(name, value string, ttl time.Duration, httpOnly bool) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   p.cfg.Domain,
		HttpOnly: httpOnly,
		Secure:   p.cfg.Secure,
		SameSite: p.cfg.SameSite,
	}
	if ttl > 0 {
		c.MaxAge = int(ttl / time.Second)
	}
	return c
}
