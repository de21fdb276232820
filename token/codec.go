package token

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Decode failure classes. Expiry is only reported for tokens whose
// signature verified; a tampered token always fails SignatureInvalid.
var (
	ErrMalformed        = errors.New("token malformed")
	ErrSignatureInvalid = errors.New("token signature invalid")
	ErrExpired          = errors.New("token expired")
)

// SigningMethod selects the signature algorithm for access tokens.
type SigningMethod string

const (
	MethodHS256   SigningMethod = "hs256"
	MethodEd25519 SigningMethod = "ed25519"
)

// Config holds the signing material and claim policy for a [Codec].
type Config struct {
	SigningMethod SigningMethod
	// Secret is the HMAC key for hs256.
	Secret []byte
	// PrivateKey / PublicKey hold raw or PEM-encoded ed25519 keys.
	PrivateKey []byte
	PublicKey  []byte

	AccessTTL time.Duration
	Issuer    string
	Audience  string
	Leeway    time.Duration

	// Clock overrides time.Now for deterministic tests.
	Clock func() time.Time
}

// Claims is the access-token payload. The principal ID is the only
// mandatory application claim; role, scope mask, risk score, and
// credential family ride along so verification stays storage-free.
type Claims struct {
	PrincipalID string `json:"pid"`
	Role        string `json:"rol,omitempty"`
	ScopeMask   []byte `json:"msk,omitempty"`
	FamilyID    string `json:"fam,omitempty"`
	RiskScore   int    `json:"rsk,omitempty"`
	jwt.RegisteredClaims
}

// Codec signs and verifies access-token claims. It performs no I/O and is
// safe for unsynchronized concurrent use.
type Codec struct {
	config Config
	now    func() time.Time
}

// NewCodec validates cfg and returns a ready [Codec].
func NewCodec(cfg Config) (*Codec, error) {
	if cfg.AccessTTL <= 0 {
		return nil, errors.New("token: access TTL must be positive")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("token: leeway out of range")
	}

	switch cfg.SigningMethod {
	case MethodHS256:
		if len(cfg.Secret) < 32 {
			return nil, errors.New("token: hs256 requires a secret of at least 32 bytes")
		}
	case MethodEd25519:
		if len(cfg.PrivateKey) > 0 {
			if _, err := parseEdPrivateKey(cfg.PrivateKey); err != nil {
				return nil, err
			}
		}
		if len(cfg.PublicKey) == 0 {
			return nil, errors.New("token: ed25519 requires a public key")
		}
		if _, err := parseEdPublicKey(cfg.PublicKey); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("token: unsupported signing method")
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	return &Codec{config: cfg, now: now}, nil
}

// Encode stamps iat/exp/iss/aud onto claims and returns the signed token.
func (c *Codec) Encode(claims Claims) (string, error) {
	issued := c.now()

	claims.IssuedAt = jwt.NewNumericDate(issued)
	claims.ExpiresAt = jwt.NewNumericDate(issued.Add(c.config.AccessTTL))
	claims.Issuer = c.config.Issuer
	if c.config.Audience != "" {
		claims.Audience = jwt.ClaimStrings{c.config.Audience}
	}

	tok := jwt.NewWithClaims(c.method(), claims)

	key, err := c.signKey()
	if err != nil {
		return "", err
	}
	return tok.SignedString(key)
}

// Decode verifies the signature and registered claims and returns the
// payload. Failures are classified as [ErrMalformed], [ErrSignatureInvalid],
// or [ErrExpired]; no other error is returned for client-supplied input.
func (c *Codec) Decode(tokenStr string) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{c.method().Alg()}),
		jwt.WithTimeFunc(c.now),
	}
	if c.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(c.config.Leeway))
	}
	if c.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(c.config.Issuer))
	}
	if c.config.Audience != "" {
		options = append(options, jwt.WithAudience(c.config.Audience))
	}

	parser := jwt.NewParser(options...)
	tok, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return c.verifyKey()
	})
	if err != nil {
		return nil, classify(err)
	}

	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrSignatureInvalid
	}
	if claims.PrincipalID == "" {
		return nil, ErrMalformed
	}

	return claims, nil
}

// TTL reports the configured access-token lifetime.
func (c *Codec) TTL() time.Duration {
	return c.config.AccessTTL
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrMalformed
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	default:
		return ErrSignatureInvalid
	}
}

func (c *Codec) method() jwt.SigningMethod {
	if c.config.SigningMethod == MethodHS256 {
		return jwt.SigningMethodHS256
	}
	return jwt.SigningMethodEdDSA
}

func (c *Codec) signKey() (interface{}, error) {
	if c.config.SigningMethod == MethodHS256 {
		return c.config.Secret, nil
	}
	return parseEdPrivateKey(c.config.PrivateKey)
}

func (c *Codec) verifyKey() (interface{}, error) {
	if c.config.SigningMethod == MethodHS256 {
		return c.config.Secret, nil
	}
	return parseEdPublicKey(c.config.PublicKey)
}

func parseEdPrivateKey(key []byte) (ed25519.PrivateKey, error) {
	if len(key) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(key), nil
	}
	parsed, err := jwt.ParseEdPrivateKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("token: invalid ed25519 private key")
	}
	edKey, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("token: unexpected private key type %T", parsed)
	}
	return edKey, nil
}

func parseEdPublicKey(key []byte) (ed25519.PublicKey, error) {
	if len(key) == ed25519.PublicKeySize {
		return ed25519.PublicKey(key), nil
	}
	parsed, err := jwt.ParseEdPublicKeyFromPEM(key)
	if err != nil {
		return nil, errors.New("token: invalid ed25519 public key")
	}
	edKey, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("token: unexpected public key type %T", parsed)
	}
	return edKey, nil
}
