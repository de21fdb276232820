package authcore

import (
	"fmt"
	"time"

	"github.com/lumosocial/authcore/policy"
	"github.com/lumosocial/authcore/risk"
)

// TokenConfig controls the access-credential codec.
type TokenConfig struct {
	// SigningMethod is "hs256" or "ed25519".
	SigningMethod string
	// Secret is the HMAC key for hs256. 32 bytes minimum.
	Secret []byte
	// PrivateKey / PublicKey hold raw or PEM ed25519 keys.
	PrivateKey []byte
	PublicKey  []byte

	AccessTTL time.Duration
	Issuer    string
	Audience  string
	Leeway    time.Duration
}

// RefreshConfig controls refresh-credential lifetimes and rotation scope.
type RefreshConfig struct {
	TTL time.Duration

	// ReplayWindow is how long a consumed record's tombstone survives so
	// reuse still classifies as replay instead of not-found.
	ReplayWindow time.Duration

	// SingleActiveSession revokes every other credential of a principal
	// on each login, logging out all other devices. Off by default:
	// each device keeps its own rotation family.
	SingleActiveSession bool

	// RedisPrefix namespaces refresh keys when the Redis store is used.
	RedisPrefix string
}

// PasswordConfig mirrors the argon2id parameters plus login-time
// rehashing behavior.
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32

	// UpgradeOnLogin rehashes a verified password when stored parameters
	// are weaker than the configured ones.
	UpgradeOnLogin bool
}

// SecurityConfig bundles rate limiting and lockout thresholds.
type SecurityConfig struct {
	EnableIPThrottle bool

	MaxLoginAttempts int
	LoginWindow      time.Duration

	MaxRefreshAttempts int
	RefreshWindow      time.Duration

	// LockoutThreshold is the failed-login count at which the account
	// reports locked for the remainder of the window. Zero disables.
	LockoutThreshold int

	// MaxTrustedFingerprints bounds the per-principal trusted-device set.
	MaxTrustedFingerprints int
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull sheds events instead of blocking when the buffer fills.
	DropIfFull bool
}

// MetricsConfig controls Prometheus instrumentation.
type MetricsConfig struct {
	Enabled   bool
	Namespace string
}

// Config is the full engine configuration. Secrets and thresholds are
// always explicit inputs here; nothing is read from the ambient
// environment unless the caller opts in through LoadConfig.
type Config struct {
	Token    TokenConfig
	Refresh  RefreshConfig
	Password PasswordConfig
	Risk     risk.Config
	Security SecurityConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
	Cookies  policy.Config

	// ProductionMode tightens Validate: it rejects insecure cookie
	// settings and short secrets outright.
	ProductionMode bool
}

// DefaultConfig returns the configuration New starts from. Callers that
// only need to override a few fields should mutate a copy of this rather
// than assembling a Config from scratch.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Token: TokenConfig{
			SigningMethod: "hs256",
			AccessTTL:     30 * time.Minute,
			Leeway:        30 * time.Second,
		},
		Refresh: RefreshConfig{
			TTL:          7 * 24 * time.Hour,
			ReplayWindow: 24 * time.Hour,
			RedisPrefix:  "ac",
		},
		Password: PasswordConfig{
			Memory:         64 * 1024,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			UpgradeOnLogin: true,
		},
		Risk: risk.DefaultConfig(),
		Security: SecurityConfig{
			EnableIPThrottle:       true,
			MaxLoginAttempts:       10,
			LoginWindow:            15 * time.Minute,
			MaxRefreshAttempts:     30,
			RefreshWindow:          time.Minute,
			LockoutThreshold:       5,
			MaxTrustedFingerprints: 10,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "authcore",
		},
		Cookies: policy.Config{
			Secure:     true,
			AccessTTL:  30 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Token.Secret = cloneBytes(cfg.Token.Secret)
	out.Token.PrivateKey = cloneBytes(cfg.Token.PrivateKey)
	out.Token.PublicKey = cloneBytes(cfg.Token.PublicKey)
	out.Risk.IPDenylist = append([]string(nil), cfg.Risk.IPDenylist...)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate rejects configurations that would weaken the credential
// lifecycle. It is called by Build; callers constructing Config by hand
// can call it early for better error locality.
func (c Config) Validate() error {
	switch c.Token.SigningMethod {
	case "hs256":
		if len(c.Token.Secret) < 32 {
			return fmt.Errorf("%w: hs256 secret must be at least 32 bytes", ErrValidation)
		}
	case "ed25519":
		if len(c.Token.PrivateKey) == 0 && len(c.Token.PublicKey) == 0 {
			return fmt.Errorf("%w: ed25519 requires a key pair", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown signing method %q", ErrValidation, c.Token.SigningMethod)
	}

	if c.Token.AccessTTL < time.Minute || c.Token.AccessTTL > time.Hour {
		return fmt.Errorf("%w: access TTL must be between 1m and 1h", ErrValidation)
	}
	if c.Token.Leeway < 0 || c.Token.Leeway > 2*time.Minute {
		return fmt.Errorf("%w: leeway must be between 0 and 2m", ErrValidation)
	}
	if c.Refresh.TTL <= c.Token.AccessTTL {
		return fmt.Errorf("%w: refresh TTL must exceed access TTL", ErrValidation)
	}
	if c.Refresh.TTL > 90*24*time.Hour {
		return fmt.Errorf("%w: refresh TTL must not exceed 90 days", ErrValidation)
	}
	if c.Refresh.ReplayWindow < 0 {
		return fmt.Errorf("%w: replay window must not be negative", ErrValidation)
	}
	if c.Security.MaxLoginAttempts <= 0 || c.Security.LoginWindow <= 0 {
		return fmt.Errorf("%w: login rate limit must be configured", ErrValidation)
	}
	if c.Security.LockoutThreshold < 0 {
		return fmt.Errorf("%w: lockout threshold must not be negative", ErrValidation)
	}
	if c.Security.LockoutThreshold > 0 && c.Security.LockoutThreshold > c.Security.MaxLoginAttempts {
		return fmt.Errorf("%w: lockout threshold must not exceed max login attempts", ErrValidation)
	}
	if c.Risk.DenyThreshold <= c.Risk.StepUpThreshold {
		return fmt.Errorf("%w: risk deny threshold must exceed step-up threshold", ErrValidation)
	}
	if c.ProductionMode && !c.Cookies.Secure {
		return fmt.Errorf("%w: production mode requires Secure cookies", ErrValidation)
	}
	return nil
}
