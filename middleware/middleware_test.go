package middleware_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/lumosocial/authcore"
	"github.com/lumosocial/authcore/middleware"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestAdapter(t *testing.T) (*middleware.Adapter, *authcore.Service, *fakeClock) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &fakeClock{t: time.Now()}
	svc, err := authcore.New().
		WithConfig(testConfig()).
		WithRedis(rdb).
		WithPrincipalProvider(authcore.NewMemoryProvider()).
		WithPermissions([]string{"post:read", "post:write", "admin:all"}).
		WithRoles(map[string][]string{
			"member": {"post:read", "post:write"},
			"admin":  {"post:read", "post:write", "admin:all"},
		}).
		WithMetricsRegistry(prometheus.NewRegistry()).
		WithClock(clock.Now).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(svc.Close)
	return middleware.New(svc), svc, clock
}

func testConfig() authcore.Config {
	cfg := authcore.DefaultConfig()
	cfg.Token.Secret = []byte("0123456789abcdef0123456789abcdef")
	cfg.Token.Leeway = 0
	cfg.Password.Memory = 8192
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	return cfg
}

func register(t *testing.T, svc *authcore.Service) {
	t.Helper()
	if _, err := svc.Register(t.Context(), "alice", "alice@lumo.social", "CorrectHorse12!", "member"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
}

func doLogin(t *testing.T, adapter *middleware.Adapter) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(map[string]string{
		"identifier": "alice",
		"password":   "CorrectHorse12!",
	})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	req.RemoteAddr = "203.0.113.10:52000"
	req.Header.Set("User-Agent", "test-agent/1.0")
	rec := httptest.NewRecorder()
	adapter.LoginHandler()(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", rec.Code, rec.Body.String())
	}
	return rec
}

func cookieByName(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("cookie %q not set", name)
	return nil
}

func TestLoginSetsCookiesAndHidesRefreshToken(t *testing.T) {
	adapter, svc, _ := newTestAdapter(t)
	register(t, svc)

	rec := doLogin(t, adapter)

	access := cookieByName(t, rec, "ac_access")
	refresh := cookieByName(t, rec, "ac_refresh")
	csrf := cookieByName(t, rec, "ac_csrf")

	if !access.HttpOnly || !refresh.HttpOnly {
		t.Fatal("credential cookies must be httpOnly")
	}
	if csrf.HttpOnly {
		t.Fatal("csrf cookie must be readable by the client")
	}

	var resp struct {
		Success     bool   `json:"success"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.AccessToken == "" {
		t.Fatalf("unexpected login body: %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), refresh.Value) {
		t.Fatal("refresh token leaked into the response body")
	}
}

func TestLoginWrongPasswordIs401(t *testing.T) {
	adapter, svc, _ := newTestAdapter(t)
	register(t, svc)

	body, _ := json.Marshal(map[string]string{"identifier": "alice", "password": "wrongpass123"})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	req.RemoteAddr = "203.0.113.10:52000"
	rec := httptest.NewRecorder()
	adapter.LoginHandler()(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var resp authcore.OpResult
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != authcore.CodeInvalidCredentials {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestRefreshRequiresCSRF(t *testing.T) {
	adapter, svc, _ := newTestAdapter(t)
	register(t, svc)
	login := doLogin(t, adapter)
	refresh := cookieByName(t, login, "ac_refresh")
	csrf := cookieByName(t, login, "ac_csrf")

	// Without the header the double-submit check fails.
	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.RemoteAddr = "203.0.113.10:52000"
	req.AddCookie(refresh)
	req.AddCookie(csrf)
	rec := httptest.NewRecorder()
	adapter.RefreshHandler()(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("csrf-less refresh status = %d, want 400", rec.Code)
	}

	// With it, rotation succeeds and replaces the cookie.
	req = httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.RemoteAddr = "203.0.113.10:52000"
	req.Header.Set("User-Agent", "test-agent/1.0")
	req.Header.Set("X-CSRF-Token", csrf.Value)
	req.AddCookie(refresh)
	req.AddCookie(csrf)
	rec = httptest.NewRecorder()
	adapter.RefreshHandler()(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body %s", rec.Code, rec.Body.String())
	}
	next := cookieByName(t, rec, "ac_refresh")
	if next.Value == refresh.Value {
		t.Fatal("refresh cookie was not rotated")
	}
}

func TestRefreshWithoutCookieIs401(t *testing.T) {
	adapter, _, _ := newTestAdapter(t)

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	rec := httptest.NewRecorder()
	adapter.RefreshHandler()(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestReplayedRefreshClearsSession(t *testing.T) {
	adapter, svc, _ := newTestAdapter(t)
	register(t, svc)
	login := doLogin(t, adapter)
	refresh := cookieByName(t, login, "ac_refresh")
	csrf := cookieByName(t, login, "ac_csrf")

	rotate := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
		req.RemoteAddr = "203.0.113.10:52000"
		req.Header.Set("User-Agent", "test-agent/1.0")
		req.Header.Set("X-CSRF-Token", csrf.Value)
		req.AddCookie(refresh)
		req.AddCookie(csrf)
		rec := httptest.NewRecorder()
		adapter.RefreshHandler()(rec, req)
		return rec
	}

	if rec := rotate(); rec.Code != http.StatusOK {
		t.Fatalf("first rotate status = %d", rec.Code)
	}
	rec := rotate()
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("replayed rotate status = %d, want 401", rec.Code)
	}
	for _, name := range []string{"ac_access", "ac_refresh", "ac_csrf"} {
		c := cookieByName(t, rec, name)
		if c.MaxAge >= 0 && c.Value != "" {
			t.Fatalf("cookie %q not cleared after replay", name)
		}
	}
}

func TestLogoutClearsCookiesAndIsIdempotent(t *testing.T) {
	adapter, svc, _ := newTestAdapter(t)
	register(t, svc)
	login := doLogin(t, adapter)
	refresh := cookieByName(t, login, "ac_refresh")
	csrf := cookieByName(t, login, "ac_csrf")

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.Header.Set("X-CSRF-Token", csrf.Value)
	req.AddCookie(refresh)
	req.AddCookie(csrf)
	rec := httptest.NewRecorder()
	adapter.LogoutHandler()(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d", rec.Code)
	}
	for _, name := range []string{"ac_access", "ac_refresh", "ac_csrf"} {
		cookieByName(t, rec, name)
	}

	// No cookies at all still succeeds.
	req = httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	rec = httptest.NewRecorder()
	adapter.LogoutHandler()(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("cookie-less logout status = %d", rec.Code)
	}
}

func TestAuthenticateGuardsProtectedRoutes(t *testing.T) {
	adapter, svc, _ := newTestAdapter(t)
	register(t, svc)
	login := doLogin(t, adapter)

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(login.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}

	protected := adapter.Authenticate(adapter.RequireAuthenticated(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc := middleware.FromContext(r.Context())
			if !sc.Authenticated {
				t.Error("handler reached with anonymous context")
			}
			w.WriteHeader(http.StatusNoContent)
		})))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+body.AccessToken)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("authenticated request status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous request status = %d, want 401", rec.Code)
	}
}

func TestAuthenticateRotatesExpiredSession(t *testing.T) {
	adapter, svc, clock := newTestAdapter(t)
	register(t, svc)
	login := doLogin(t, adapter)
	access := cookieByName(t, login, "ac_access")
	refresh := cookieByName(t, login, "ac_refresh")

	clock.Advance(31 * time.Minute)

	handler := adapter.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc := middleware.FromContext(r.Context())
		if !sc.Authenticated {
			t.Errorf("rotation did not authenticate: %s", sc.FailureReason)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.RemoteAddr = "203.0.113.10:52000"
	req.Header.Set("User-Agent", "test-agent/1.0")
	req.AddCookie(access)
	req.AddCookie(refresh)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	next := cookieByName(t, rec, "ac_refresh")
	if next.Value == refresh.Value {
		t.Fatal("expired session was not rotated")
	}
	if !next.HttpOnly {
		t.Fatal("rotated refresh cookie must stay httpOnly")
	}
}

func TestRequireScopeRejectsMissingScope(t *testing.T) {
	adapter, svc, _ := newTestAdapter(t)
	register(t, svc)
	login := doLogin(t, adapter)

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(login.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}

	handler := adapter.Authenticate(adapter.RequireScope("admin:all")(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})))

	req := httptest.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("Authorization", "Bearer "+body.AccessToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}
