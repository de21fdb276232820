// Package gqlcontext adapts the engine to query-resolution runtimes
// that thread one context.Context through every resolver. The factory
// builds the security context once per operation; resolvers read it with
// FromContext and call the same login / refresh / logout operations as
// the HTTP adapter, with identical result shapes and codes.
package gqlcontext

import (
	"context"

	"github.com/lumosocial/authcore"
)

type contextKey struct{}

// Factory builds resolver contexts over the engine.
type Factory struct {
	service *authcore.Service
}

// New returns a Factory over service.
func New(service *authcore.Service) *Factory {
	return &Factory{service: service}
}

// NewContext builds the security context from the request metadata and
// returns a derived context carrying it. It never fails: anonymous
// operations resolve against an unauthenticated context.
func (f *Factory) NewContext(ctx context.Context, meta authcore.RequestMetadata) (context.Context, *authcore.SecurityContext) {
	sc := f.service.BuildContext(ctx, meta)
	return context.WithValue(ctx, contextKey{}, sc), sc
}

// FromContext returns the security context stored by NewContext, or an
// unauthenticated context when the factory did not run.
func FromContext(ctx context.Context) *authcore.SecurityContext {
	if sc, ok := ctx.Value(contextKey{}).(*authcore.SecurityContext); ok {
		return sc
	}
	return &authcore.SecurityContext{FailureReason: authcore.CodeUnauthenticated}
}

// RequireAuthenticated guards a resolver.
func (f *Factory) RequireAuthenticated(ctx context.Context) error {
	return f.service.RequireAuthenticated(ctx, FromContext(ctx))
}

// RequireRole guards a resolver by role.
func (f *Factory) RequireRole(ctx context.Context, roles ...string) error {
	return f.service.RequireRole(ctx, FromContext(ctx), roles...)
}

// RequireScope guards a resolver by scope.
func (f *Factory) RequireScope(ctx context.Context, scopes ...string) error {
	return f.service.RequireScope(ctx, FromContext(ctx), scopes...)
}

// Login authenticates and returns the uniform result plus, on success,
// the credentials the transport must place into cookies. The refresh
// token must never be copied into a response payload.
func (f *Factory) Login(ctx context.Context, identifier, password string, meta authcore.RequestMetadata) (authcore.OpResult, *authcore.Credentials) {
	creds, err := f.service.Login(ctx, identifier, password, meta)
	if err != nil {
		return authcore.ResultFromError(err), nil
	}
	return authcore.ResultOK(), creds
}

// Refresh rotates the cookie-held refresh credential. On failure the
// transport must clear the session cookies; the session is over.
func (f *Factory) Refresh(ctx context.Context, meta authcore.RequestMetadata) (authcore.OpResult, *authcore.Credentials) {
	if meta.RefreshCookie == "" {
		return authcore.ResultFromError(authcore.ErrTokenInvalid), nil
	}
	if !f.service.ValidateCSRF(meta) {
		return authcore.ResultFromError(authcore.ErrValidation), nil
	}
	creds, err := f.service.Rotate(ctx, meta.RefreshCookie, meta)
	if err != nil {
		return authcore.ResultFromError(err), nil
	}
	return authcore.ResultOK(), creds
}

// Logout revokes the cookie-held refresh credential. Idempotent.
func (f *Factory) Logout(ctx context.Context, meta authcore.RequestMetadata) authcore.OpResult {
	if meta.RefreshCookie != "" && !f.service.ValidateCSRF(meta) {
		return authcore.ResultFromError(authcore.ErrValidation)
	}
	if err := f.service.Logout(ctx, meta.RefreshCookie); err != nil {
		return authcore.ResultFromError(err)
	}
	return authcore.ResultOK()
}
