package authcore

import (
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/lumosocial/authcore/internal"
	"github.com/lumosocial/authcore/internal/rate"
	"github.com/lumosocial/authcore/password"
	"github.com/lumosocial/authcore/permission"
	"github.com/lumosocial/authcore/policy"
	"github.com/lumosocial/authcore/refresh"
	"github.com/lumosocial/authcore/risk"
	"github.com/lumosocial/authcore/token"
)

// Builder assembles a [Service]. Configure, then call Build exactly once.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	store  refresh.Store

	permissions []string
	roles       map[string][]string

	provider  PrincipalProvider
	auditSink AuditSink
	logger    *slog.Logger
	registry  prometheus.Registerer
	clock     func() time.Time

	built bool
}

// New returns a Builder seeded with defaults.
func New() *Builder {
	return &Builder{config: defaultConfig()}
}

// WithConfig replaces the entire configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis supplies the Redis client used for rate limiting, risk
// velocity counters, and the default refresh store.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithRefreshStore overrides the default Redis-backed refresh store,
// e.g. with [refresh.NewPostgresStore].
func (b *Builder) WithRefreshStore(store refresh.Store) *Builder {
	b.store = store
	return b
}

// WithPermissions declares the scope names available to roles.
func (b *Builder) WithPermissions(perms []string) *Builder {
	b.permissions = perms
	return b
}

// WithRoles declares role names and the scopes each carries.
func (b *Builder) WithRoles(r map[string][]string) *Builder {
	b.roles = r
	return b
}

// WithPrincipalProvider supplies the account database integration.
func (b *Builder) WithPrincipalProvider(p PrincipalProvider) *Builder {
	b.provider = p
	return b
}

// WithAuditSink supplies the audit event destination.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger supplies the structured logger. Defaults to slog.Default.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithMetricsRegistry supplies the Prometheus registry. Defaults to the
// global registerer when metrics are enabled.
func (b *Builder) WithMetricsRegistry(reg prometheus.Registerer) *Builder {
	b.registry = reg
	return b
}

// WithClock overrides time.Now for deterministic tests.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// Build validates the configuration and wires the Service.
func (b *Builder) Build() (*Service, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.provider == nil {
		return nil, errors.New("principal provider required")
	}
	if len(b.permissions) == 0 {
		return nil, errors.New("permissions must be provided")
	}
	if len(b.roles) == 0 {
		return nil, errors.New("roles must be provided")
	}

	clock := b.clock
	if clock == nil {
		clock = time.Now
	}

	registry := permission.NewRegistry()
	for _, p := range b.permissions {
		if _, err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	registry.Freeze()

	roleManager := permission.NewRoleManager(registry)
	for roleName, scopes := range b.roles {
		if err := roleManager.RegisterRole(roleName, scopes...); err != nil {
			return nil, err
		}
	}
	roleManager.Freeze()

	codec, err := token.NewCodec(token.Config{
		SigningMethod: token.SigningMethod(cfg.Token.SigningMethod),
		Secret:        cfg.Token.Secret,
		PrivateKey:    cfg.Token.PrivateKey,
		PublicKey:     cfg.Token.PublicKey,
		AccessTTL:     cfg.Token.AccessTTL,
		Issuer:        cfg.Token.Issuer,
		Audience:      cfg.Token.Audience,
		Leeway:        cfg.Token.Leeway,
		Clock:         clock,
	})
	if err != nil {
		return nil, err
	}

	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	riskEngine, err := risk.New(b.redis, cfg.Risk, clock)
	if err != nil {
		return nil, err
	}

	dummySecret, err := internal.NewCSRFToken()
	if err != nil {
		return nil, err
	}
	dummyHash, err := hasher.Hash(dummySecret)
	if err != nil {
		return nil, err
	}

	store := b.store
	if store == nil {
		store = refresh.NewRedisStore(b.redis, cfg.Refresh.RedisPrefix, cfg.Refresh.ReplayWindow)
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	audit := newAuditDispatcher(cfg.Audit, b.auditSink)
	metrics := newMetrics(cfg.Metrics, b.registry, func() float64 {
		return float64(audit.Dropped())
	})

	s := &Service{
		config:      cfg,
		codec:       codec,
		hasher:      hasher,
		store:       store,
		provider:    b.provider,
		riskEngine:  riskEngine,
		registry:    registry,
		roleManager: roleManager,
		policy:      policy.New(cfg.Cookies),
		audit:       audit,
		metrics:     metrics,
		logger:      logger,
		clock:       clock,
		dummyHash:   dummyHash,
		limiter: rate.New(b.redis, rate.Config{
			EnableIPThrottle:   cfg.Security.EnableIPThrottle,
			MaxLoginAttempts:   cfg.Security.MaxLoginAttempts,
			LoginWindow:        cfg.Security.LoginWindow,
			MaxRefreshAttempts: cfg.Security.MaxRefreshAttempts,
			RefreshWindow:      cfg.Security.RefreshWindow,
		}),
	}

	b.built = true
	return s, nil
}
