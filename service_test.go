package authcore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now()}
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

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.Token.Secret = []byte("0123456789abcdef0123456789abcdef")
	cfg.Token.Leeway = 0
	// Floor-cost hashing keeps the suite fast.
	cfg.Password.Memory = 8192
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	return cfg
}

func newTestService(t *testing.T, mutate func(*Config)) (*Service, *MemoryProvider, *fakeClock) {
	t.Helper()
	_, rdb := newTestRedis(t)

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	clock := newFakeClock()
	provider := NewMemoryProvider()
	svc, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithPrincipalProvider(provider).
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
	return svc, provider, clock
}

func registerAndLogin(t *testing.T, svc *Service) (*Credentials, Principal, RequestMetadata) {
	t.Helper()
	ctx := context.Background()
	p, err := svc.Register(ctx, "alice", "alice@lumo.social", "CorrectHorse12!", "member")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	meta := RequestMetadata{
		UserAgent: "test-agent/1.0",
		ClientIP:  "203.0.113.10",
	}
	creds, err := svc.Login(ctx, "alice", "CorrectHorse12!", meta)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	return creds, p, meta
}

func TestIssueThenVerifyReturnsSamePrincipal(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	creds, p, _ := registerAndLogin(t, svc)

	v, err := svc.VerifyAccess(context.Background(), creds.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccess failed: %v", err)
	}
	if v.PrincipalID != p.ID {
		t.Fatalf("principal id = %q, want %q", v.PrincipalID, p.ID)
	}
	if v.Role != "member" {
		t.Fatalf("role = %q, want member", v.Role)
	}
	if v.FamilyID != creds.FamilyID {
		t.Fatalf("family id mismatch")
	}
}

func TestRotateSucceedsAtMostOnce(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	creds, _, meta := registerAndLogin(t, svc)
	ctx := context.Background()

	next, err := svc.Rotate(ctx, creds.RefreshToken, meta)
	if err != nil {
		t.Fatalf("first rotate failed: %v", err)
	}
	if next.RefreshToken == creds.RefreshToken {
		t.Fatal("rotation returned the same refresh token")
	}
	if next.FamilyID != creds.FamilyID {
		t.Fatalf("rotation changed family: %q -> %q", creds.FamilyID, next.FamilyID)
	}

	if _, err := svc.Rotate(ctx, creds.RefreshToken, meta); !errors.Is(err, ErrReplayDetected) {
		t.Fatalf("superseded rotate error = %v, want ErrReplayDetected", err)
	}

	// The replay response revoked the whole family: the replacement dies too.
	if _, err := svc.Rotate(ctx, next.RefreshToken, meta); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("post-replay rotate error = %v, want ErrTokenRevoked", err)
	}
}

func TestConcurrentRotateSingleWinner(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	creds, _, meta := registerAndLogin(t, svc)

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := svc.Rotate(context.Background(), creds.RefreshToken, meta)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success, fail := 0, 0
	for err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrReplayDetected), errors.Is(err, ErrTokenRevoked),
			errors.Is(err, ErrTokenInvalid):
			fail++
		default:
			t.Fatalf("unexpected rotate error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one rotate success, got %d", success)
	}
	if fail != n-1 {
		t.Fatalf("expected %d rotate failures, got %d", n-1, fail)
	}
}

func TestExpiredAccessTokenFailsExpiredNotInvalid(t *testing.T) {
	svc, _, clock := newTestService(t, nil)
	creds, _, _ := registerAndLogin(t, svc)

	clock.Advance(31 * time.Minute)

	_, err := svc.VerifyAccess(context.Background(), creds.AccessToken)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("error = %v, want ErrTokenExpired", err)
	}
	if errors.Is(err, ErrTokenInvalid) {
		t.Fatal("expired token must not classify as invalid")
	}
}

func TestLoginErrorShapesAreIdentical(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	registerAndLogin(t, svc)
	ctx := context.Background()
	meta := RequestMetadata{ClientIP: "203.0.113.10"}

	_, unknownErr := svc.Login(ctx, "missing@x.com", "x-password-1", meta)
	_, wrongErr := svc.Login(ctx, "alice", "wrongpass123", meta)

	if !errors.Is(unknownErr, ErrInvalidCredentials) || !errors.Is(wrongErr, ErrInvalidCredentials) {
		t.Fatalf("errors = %v / %v, want ErrInvalidCredentials for both", unknownErr, wrongErr)
	}

	unknownBody, err := json.Marshal(ResultFromError(unknownErr))
	if err != nil {
		t.Fatal(err)
	}
	wrongBody, err := json.Marshal(ResultFromError(wrongErr))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(unknownBody, wrongBody) {
		t.Fatalf("response shapes differ:\n%s\n%s", unknownBody, wrongBody)
	}
}

func TestFullLifecycleScenario(t *testing.T) {
	svc, _, clock := newTestService(t, nil)
	ctx := context.Background()

	p, err := svc.Register(ctx, "bob", "bob@lumo.social", "CorrectHorse12!", "member")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	meta := RequestMetadata{UserAgent: "scenario/1.0", ClientIP: "198.51.100.7"}

	creds, err := svc.Login(ctx, "bob", "CorrectHorse12!", meta)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if creds.AccessToken == "" || creds.RefreshToken == "" {
		t.Fatal("login must yield both credentials")
	}

	if v, err := svc.VerifyAccess(ctx, creds.AccessToken); err != nil || v.PrincipalID != p.ID {
		t.Fatalf("VerifyAccess = %v, %v", v, err)
	}

	clock.Advance(31 * time.Minute)
	if _, err := svc.VerifyAccess(ctx, creds.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("post-TTL verify error = %v, want ErrTokenExpired", err)
	}

	next, err := svc.Rotate(ctx, creds.RefreshToken, meta)
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if _, err := svc.VerifyAccess(ctx, next.AccessToken); err != nil {
		t.Fatalf("rotated access token invalid: %v", err)
	}

	if _, err := svc.Rotate(ctx, creds.RefreshToken, meta); err == nil {
		t.Fatal("superseded refresh token rotated again")
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	creds, p, meta := registerAndLogin(t, svc)
	ctx := context.Background()

	if err := svc.Revoke(ctx, p.ID); err != nil {
		t.Fatalf("first revoke failed: %v", err)
	}
	if err := svc.Revoke(ctx, p.ID); err != nil {
		t.Fatalf("second revoke failed: %v", err)
	}
	if _, err := svc.Rotate(ctx, creds.RefreshToken, meta); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("post-revoke rotate error = %v, want ErrTokenRevoked", err)
	}
}

func TestLogoutEndsTheSession(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	creds, _, meta := registerAndLogin(t, svc)
	ctx := context.Background()

	if err := svc.Logout(ctx, creds.RefreshToken); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	// Idempotent, including on garbage input.
	if err := svc.Logout(ctx, creds.RefreshToken); err != nil {
		t.Fatalf("repeat logout failed: %v", err)
	}
	if err := svc.Logout(ctx, "not-a-token"); err != nil {
		t.Fatalf("garbage logout failed: %v", err)
	}

	if _, err := svc.Rotate(ctx, creds.RefreshToken, meta); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("post-logout rotate error = %v, want ErrTokenRevoked", err)
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	svc, _, _ := newTestService(t, func(cfg *Config) {
		cfg.Security.LockoutThreshold = 3
	})
	registerAndLogin(t, svc)
	ctx := context.Background()
	meta := RequestMetadata{ClientIP: "203.0.113.10"}

	for i := 0; i < 3; i++ {
		if _, err := svc.Login(ctx, "alice", "wrongpass123", meta); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("attempt %d error = %v, want ErrInvalidCredentials", i, err)
		}
	}
	if _, err := svc.Login(ctx, "alice", "CorrectHorse12!", meta); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("post-threshold login error = %v, want ErrAccountLocked", err)
	}
}

func TestLockedPrincipalCannotLogin(t *testing.T) {
	svc, provider, _ := newTestService(t, nil)
	_, p, meta := registerAndLogin(t, svc)
	provider.SetLocked(p.ID, true)

	if _, err := svc.Login(context.Background(), "alice", "CorrectHorse12!", meta); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("login error = %v, want ErrAccountLocked", err)
	}
}

func TestRegisterDuplicateDoesNotRevealExistence(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	registerAndLogin(t, svc)

	_, err := svc.Register(context.Background(), "alice", "other@lumo.social", "AnotherPass99", "member")
	if !errors.Is(err, ErrDuplicatePrincipal) {
		t.Fatalf("error = %v, want ErrDuplicatePrincipal", err)
	}
	if CodeOf(err) != CodeValidationFailure {
		t.Fatalf("code = %q, want VALIDATION_FAILURE", CodeOf(err))
	}
}

func TestRegisterRejectsWeakPasswords(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	for _, pw := range []string{"short1", "allletterslong", "123456789012"} {
		if _, err := svc.Register(ctx, "carol", "carol@lumo.social", pw, "member"); !errors.Is(err, ErrValidation) {
			t.Fatalf("password %q: error = %v, want ErrValidation", pw, err)
		}
	}
}

func TestActiveCredentialsListsLiveRecords(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	creds, p, _ := registerAndLogin(t, svc)
	ctx := context.Background()

	// Second device logs in: two live records.
	second, err := svc.Login(ctx, "alice", "CorrectHorse12!", RequestMetadata{
		UserAgent: "other-device/2.0",
		ClientIP:  "198.51.100.9",
	})
	if err != nil {
		t.Fatalf("second login failed: %v", err)
	}
	if second.FamilyID == creds.FamilyID {
		t.Fatal("each login must start its own family")
	}

	recs, err := svc.ActiveCredentials(ctx, p.ID)
	if err != nil {
		t.Fatalf("ActiveCredentials failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d active records, want 2", len(recs))
	}

	if err := svc.Logout(ctx, creds.RefreshToken); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	recs, err = svc.ActiveCredentials(ctx, p.ID)
	if err != nil {
		t.Fatalf("ActiveCredentials failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d active records after logout, want 1", len(recs))
	}
}

func TestSingleActiveSessionRevokesOtherDevices(t *testing.T) {
	svc, _, _ := newTestService(t, func(cfg *Config) {
		cfg.Refresh.SingleActiveSession = true
	})
	creds, _, meta := registerAndLogin(t, svc)
	ctx := context.Background()

	if _, err := svc.Login(ctx, "alice", "CorrectHorse12!", RequestMetadata{
		UserAgent: "other-device/2.0",
		ClientIP:  "198.51.100.9",
	}); err != nil {
		t.Fatalf("second login failed: %v", err)
	}

	if _, err := svc.Rotate(ctx, creds.RefreshToken, meta); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("first-device rotate error = %v, want ErrTokenRevoked", err)
	}
}

func TestRiskDenyThresholdBlocksLogin(t *testing.T) {
	svc, _, _ := newTestService(t, func(cfg *Config) {
		// An unseen device alone clears the deny bar.
		cfg.Risk.StepUpThreshold = 10
		cfg.Risk.DenyThreshold = 20
	})
	ctx := context.Background()
	if _, err := svc.Register(ctx, "dave", "dave@lumo.social", "CorrectHorse12!", "member"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	_, err := svc.Login(ctx, "dave", "CorrectHorse12!", RequestMetadata{
		UserAgent: "fresh-device/1.0",
		ClientIP:  "203.0.113.99",
	})
	if !errors.Is(err, ErrRiskDenied) {
		t.Fatalf("login error = %v, want ErrRiskDenied", err)
	}
	if CodeOf(err) != CodeInvalidCredentials {
		t.Fatalf("risk denial code = %q, want INVALID_CREDENTIALS", CodeOf(err))
	}
}

func TestChangePasswordEndsAllSessions(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	creds, p, meta := registerAndLogin(t, svc)
	ctx := context.Background()

	if err := svc.ChangePassword(ctx, p.ID, "wrongpass123", "NewHorse34!x"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong current password error = %v, want ErrInvalidCredentials", err)
	}
	if err := svc.ChangePassword(ctx, p.ID, "CorrectHorse12!", "short"); !errors.Is(err, ErrValidation) {
		t.Fatalf("weak replacement error = %v, want ErrValidation", err)
	}
	if err := svc.ChangePassword(ctx, p.ID, "CorrectHorse12!", "NewHorse34!x"); err != nil {
		t.Fatalf("ChangePassword failed: %v", err)
	}

	if _, err := svc.Rotate(ctx, creds.RefreshToken, meta); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("post-change rotate error = %v, want ErrTokenRevoked", err)
	}
	if _, err := svc.Login(ctx, "alice", "CorrectHorse12!", meta); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("old password still accepted: %v", err)
	}
	if _, err := svc.Login(ctx, "alice", "NewHorse34!x", meta); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
}

func TestRotationTrustsTheDevice(t *testing.T) {
	svc, provider, _ := newTestService(t, nil)
	creds, p, meta := registerAndLogin(t, svc)
	ctx := context.Background()

	if _, err := svc.Rotate(ctx, creds.RefreshToken, meta); err != nil {
		t.Fatalf("rotate failed: %v", err)
	}

	got, err := provider.GetByID(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.TrustedFingerprints) == 0 {
		t.Fatal("expected the device fingerprint to be trusted after a low-risk login")
	}
}
