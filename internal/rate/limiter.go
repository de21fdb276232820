// Package rate enforces fixed-window attempt budgets for login and refresh
// operations using Redis counters. The limiter is constructed once and
// injected; nothing in this package is process-global, so tests can run it
// against a throwaway backend with a deterministic clock.
package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLimited is returned when an identifier, IP, or credential family has
// exhausted its attempt budget for the current window.
var ErrLimited = errors.New("rate limited")

// ErrUnavailable wraps backend failures; callers fail closed.
var ErrUnavailable = errors.New("rate limiter backend unavailable")

// Config holds the attempt budgets and window durations.
type Config struct {
	EnableIPThrottle bool

	MaxLoginAttempts int
	LoginWindow      time.Duration

	MaxRefreshAttempts int
	RefreshWindow      time.Duration
}

// Limiter tracks failed logins per identifier and per IP, and rotation
// attempts per refresh credential.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a Limiter backed by the given Redis client.
func New(rdb redis.UniversalClient, cfg Config) *Limiter {
	return &Limiter{redis: rdb, config: cfg}
}

func loginIdentifierKey(identifier string) string { return "alr:u:" + identifier }
func loginIPKey(ip string) string                 { return "alr:i:" + ip }
func refreshCredentialKey(id string) string       { return "arr:c:" + id }

// CheckLogin reports whether the identifier+IP pair still has login budget.
func (l *Limiter) CheckLogin(ctx context.Context, identifier, ip string) error {
	if err := l.checkCounter(ctx, loginIdentifierKey(identifier), l.config.MaxLoginAttempts); err != nil {
		return err
	}
	if l.config.EnableIPThrottle && ip != "" {
		if err := l.checkCounter(ctx, loginIPKey(ip), l.config.MaxLoginAttempts); err != nil {
			return err
		}
	}
	return nil
}

// RecordLoginFailure counts a failed attempt against the pair.
func (l *Limiter) RecordLoginFailure(ctx context.Context, identifier, ip string) error {
	count, err := l.incrementWithTTL(ctx, loginIdentifierKey(identifier), l.config.LoginWindow)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxLoginAttempts) {
		return ErrLimited
	}

	if l.config.EnableIPThrottle && ip != "" {
		count, err = l.incrementWithTTL(ctx, loginIPKey(ip), l.config.LoginWindow)
		if err != nil {
			return err
		}
		if count > int64(l.config.MaxLoginAttempts) {
			return ErrLimited
		}
	}
	return nil
}

// ResetLogin clears the pair's failure counters after a successful login.
func (l *Limiter) ResetLogin(ctx context.Context, identifier, ip string) error {
	keys := []string{loginIdentifierKey(identifier)}
	if l.config.EnableIPThrottle && ip != "" {
		keys = append(keys, loginIPKey(ip))
	}
	if err := l.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// LoginFailures returns the current failure count for an identifier.
// Missing counters read as zero and reveal nothing about account existence.
func (l *Limiter) LoginFailures(ctx context.Context, identifier string) (int, error) {
	count, err := l.redis.Get(ctx, loginIdentifierKey(identifier)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

// CheckRefresh counts a rotation attempt against the presented credential
// and rejects once the window budget is exhausted.
func (l *Limiter) CheckRefresh(ctx context.Context, credentialID string) error {
	if l.config.MaxRefreshAttempts <= 0 {
		return nil
	}

	count, err := l.incrementWithTTL(ctx, refreshCredentialKey(credentialID), l.config.RefreshWindow)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxRefreshAttempts) {
		return ErrLimited
	}
	return nil
}

func (l *Limiter) checkCounter(ctx context.Context, key string, max int) error {
	count, err := l.redis.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if count > int64(max) {
		return ErrLimited
	}
	return nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Fixed-window semantics: the TTL starts with the first hit.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return count, nil
}
