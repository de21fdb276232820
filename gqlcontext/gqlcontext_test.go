package gqlcontext_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/lumosocial/authcore"
	"github.com/lumosocial/authcore/gqlcontext"
)

func newTestFactory(t *testing.T) (*gqlcontext.Factory, *authcore.Service) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := authcore.DefaultConfig()
	cfg.Token.Secret = []byte("0123456789abcdef0123456789abcdef")
	cfg.Password.Memory = 8192
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1

	svc, err := authcore.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithPrincipalProvider(authcore.NewMemoryProvider()).
		WithPermissions([]string{"post:read", "post:write", "admin:all"}).
		WithRoles(map[string][]string{
			"member": {"post:read", "post:write"},
			"admin":  {"post:read", "post:write", "admin:all"},
		}).
		WithMetricsRegistry(prometheus.NewRegistry()).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(svc.Close)
	return gqlcontext.New(svc), svc
}

func seedPrincipal(t *testing.T, svc *authcore.Service) authcore.RequestMetadata {
	t.Helper()
	if _, err := svc.Register(t.Context(), "alice", "alice@lumo.social", "CorrectHorse12!", "member"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return authcore.RequestMetadata{
		UserAgent: "gql-client/1.0",
		ClientIP:  "203.0.113.10",
	}
}

func TestLoginAndContextRoundTrip(t *testing.T) {
	factory, svc := newTestFactory(t)
	meta := seedPrincipal(t, svc)
	ctx := context.Background()

	res, creds := factory.Login(ctx, "alice", "CorrectHorse12!", meta)
	if !res.Success || creds == nil {
		t.Fatalf("login result = %+v", res)
	}

	meta.AccessToken = creds.AccessToken
	ctx, sc := factory.NewContext(ctx, meta)
	if !sc.Authenticated {
		t.Fatalf("context not authenticated, reason %q", sc.FailureReason)
	}
	if got := gqlcontext.FromContext(ctx); got != sc {
		t.Fatal("FromContext does not return the stored context")
	}
	if err := factory.RequireScope(ctx, "post:read"); err != nil {
		t.Fatalf("RequireScope failed: %v", err)
	}
	if err := factory.RequireRole(ctx, "admin"); !errors.Is(err, authcore.ErrInsufficientRole) {
		t.Fatalf("error = %v, want ErrInsufficientRole", err)
	}
}

func TestAnonymousContextPassesThrough(t *testing.T) {
	factory, _ := newTestFactory(t)

	ctx, sc := factory.NewContext(context.Background(), authcore.RequestMetadata{})
	if sc.Authenticated {
		t.Fatal("empty request authenticated")
	}
	if err := factory.RequireAuthenticated(ctx); !errors.Is(err, authcore.ErrUnauthenticated) {
		t.Fatalf("error = %v, want ErrUnauthenticated", err)
	}
}

func TestRefreshMirrorsCookieRules(t *testing.T) {
	factory, svc := newTestFactory(t)
	meta := seedPrincipal(t, svc)
	ctx := context.Background()

	res, creds := factory.Login(ctx, "alice", "CorrectHorse12!", meta)
	if !res.Success {
		t.Fatalf("login failed: %+v", res)
	}

	// No refresh cookie at all.
	res, _ = factory.Refresh(ctx, meta)
	if res.Success || res.Error.Code != authcore.CodeTokenInvalid {
		t.Fatalf("cookie-less refresh = %+v", res)
	}

	// Cookie present but the double-submit pair missing.
	meta.RefreshCookie = creds.RefreshToken
	res, _ = factory.Refresh(ctx, meta)
	if res.Success || res.Error.Code != authcore.CodeValidationFailure {
		t.Fatalf("csrf-less refresh = %+v", res)
	}

	meta.CSRFCookie = creds.CSRFToken
	meta.CSRFHeader = creds.CSRFToken
	res, next := factory.Refresh(ctx, meta)
	if !res.Success || next == nil {
		t.Fatalf("refresh = %+v", res)
	}
	if next.RefreshToken == creds.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}
}

func TestLogoutIsIdempotent(t *testing.T) {
	factory, svc := newTestFactory(t)
	meta := seedPrincipal(t, svc)
	ctx := context.Background()

	res, creds := factory.Login(ctx, "alice", "CorrectHorse12!", meta)
	if !res.Success {
		t.Fatalf("login failed: %+v", res)
	}
	meta.RefreshCookie = creds.RefreshToken
	meta.CSRFCookie = creds.CSRFToken
	meta.CSRFHeader = creds.CSRFToken

	if res := factory.Logout(ctx, meta); !res.Success {
		t.Fatalf("logout = %+v", res)
	}
	if res := factory.Logout(ctx, meta); !res.Success {
		t.Fatalf("repeat logout = %+v", res)
	}
	if res := factory.Logout(ctx, authcore.RequestMetadata{}); !res.Success {
		t.Fatalf("cookie-less logout = %+v", res)
	}
}

// Both adapters speak the same wire shape for failed operations.
func TestOperationResultMatchesRESTShape(t *testing.T) {
	factory, svc := newTestFactory(t)
	meta := seedPrincipal(t, svc)
	ctx := context.Background()

	res, creds := factory.Login(ctx, "alice", "wrongpass123", meta)
	if res.Success || creds != nil {
		t.Fatalf("wrong-password login = %+v", res)
	}

	direct := authcore.ResultFromError(authcore.ErrInvalidCredentials)
	if !reflect.DeepEqual(res, direct) {
		t.Fatalf("adapter result %+v differs from canonical %+v", res, direct)
	}

	raw, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded["success"]; !ok {
		t.Fatalf("wire shape missing success field: %s", raw)
	}
}
