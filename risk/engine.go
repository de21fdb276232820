// Package risk estimates how suspicious an authentication attempt is.
//
// Scores are integers in [0,100] combining an unseen-device signal, the
// great-circle distance from the principal's last known location, login
// velocity over a rolling window, and IP reputation heuristics. Thresholds
// that turn a score into deny or step-up decisions are configuration inputs
// owned by the caller; this package never hardcodes them.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrBackendUnavailable wraps Redis failures on the velocity counter.
// Callers must fail closed: an unscorable attempt is never treated as safe.
var ErrBackendUnavailable = errors.New("risk backend unavailable")

// Action is the decision a score maps to under the configured thresholds.
type Action int

const (
	ActionAllow Action = iota
	ActionStepUp
	ActionDeny
)

func (a Action) String() string {
	switch a {
	case ActionStepUp:
		return "step_up"
	case ActionDeny:
		return "deny"
	default:
		return "allow"
	}
}

// Config tunes signal weights and decision thresholds.
type Config struct {
	// StepUpThreshold and DenyThreshold partition [0,100]: scores at or
	// above DenyThreshold are rejected, scores at or above StepUpThreshold
	// require step-up verification.
	StepUpThreshold int
	DenyThreshold   int

	UnseenDeviceWeight int
	GeoWeight          int
	VelocityWeight     int
	IPReputationWeight int

	// GeoDistanceKM is the distance from the last known location at which
	// the full GeoWeight applies; shorter distances scale linearly.
	GeoDistanceKM float64

	// VelocityWindow and VelocityMaxAttempts define the rolling window:
	// attempts beyond the allowance contribute VelocityWeight.
	VelocityWindow      time.Duration
	VelocityMaxAttempts int

	// IPDenylist holds CIDR blocks treated as hostile.
	IPDenylist []string
}

// DefaultConfig returns the weights used when the caller supplies none.
func DefaultConfig() Config {
	return Config{
		StepUpThreshold:     60,
		DenyThreshold:       85,
		UnseenDeviceWeight:  30,
		GeoWeight:           25,
		VelocityWeight:      25,
		IPReputationWeight:  20,
		GeoDistanceKM:       500,
		VelocityWindow:      5 * time.Minute,
		VelocityMaxAttempts: 5,
	}
}

// Signals are the per-attempt observations fed into Score.
type Signals struct {
	Fingerprint        string
	FingerprintTrusted bool
	ClientIP           string
	Latitude           float64
	Longitude          float64
	HasGeo             bool
}

// History is the principal-side state a score is computed against.
type History struct {
	LastLatitude  float64
	LastLongitude float64
	HasLastGeo    bool
	LastLoginAt   time.Time
}

// Engine scores authentication attempts. Velocity counters live in Redis so
// multi-process deployments share one window.
type Engine struct {
	redis    redis.UniversalClient
	config   Config
	denylist []*net.IPNet
	now      func() time.Time
}

// New validates cfg, parses the IP denylist, and returns an Engine.
func New(rdb redis.UniversalClient, cfg Config, clock func() time.Time) (*Engine, error) {
	if cfg.StepUpThreshold <= 0 || cfg.StepUpThreshold > 100 {
		return nil, errors.New("risk: step-up threshold out of range")
	}
	if cfg.DenyThreshold <= cfg.StepUpThreshold || cfg.DenyThreshold > 100 {
		return nil, errors.New("risk: deny threshold must exceed step-up threshold")
	}
	if cfg.VelocityWindow <= 0 || cfg.VelocityMaxAttempts <= 0 {
		return nil, errors.New("risk: velocity window and allowance must be positive")
	}

	denylist := make([]*net.IPNet, 0, len(cfg.IPDenylist))
	for _, cidr := range cfg.IPDenylist {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("risk: invalid denylist entry %q: %w", cidr, err)
		}
		denylist = append(denylist, block)
	}

	if clock == nil {
		clock = time.Now
	}

	return &Engine{redis: rdb, config: cfg, denylist: denylist, now: clock}, nil
}

// Score combines the configured signals into [0,100]. The velocity counter
// is incremented as a side effect so repeated attempts raise their own
// score; counter failures surface as ErrBackendUnavailable.
func (e *Engine) Score(ctx context.Context, principalID string, sig Signals, hist History) (int, error) {
	score := 0

	if !sig.FingerprintTrusted {
		score += e.config.UnseenDeviceWeight
	}

	if sig.HasGeo && hist.HasLastGeo {
		distance := haversineKM(hist.LastLatitude, hist.LastLongitude, sig.Latitude, sig.Longitude)
		score += scaledWeight(distance, e.config.GeoDistanceKM, e.config.GeoWeight)
	}

	attempts, err := e.bumpVelocity(ctx, principalID)
	if err != nil {
		return 0, err
	}
	if attempts > e.config.VelocityMaxAttempts {
		score += e.config.VelocityWeight
	}

	score += e.ipReputation(sig.ClientIP)

	if score > 100 {
		score = 100
	}
	return score, nil
}

// Action maps a score to the configured decision.
func (e *Engine) Action(score int) Action {
	switch {
	case score >= e.config.DenyThreshold:
		return ActionDeny
	case score >= e.config.StepUpThreshold:
		return ActionStepUp
	default:
		return ActionAllow
	}
}

func (e *Engine) bumpVelocity(ctx context.Context, principalID string) (int, error) {
	key := "arv:" + principalID

	count, err := e.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if count == 1 {
		if err := e.redis.Expire(ctx, key, e.config.VelocityWindow).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}

	return int(count), nil
}

func (e *Engine) ipReputation(clientIP string) int {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		// Unparseable caller address carries full reputation weight.
		return e.config.IPReputationWeight
	}
	if ip.IsLoopback() || ip.IsPrivate() {
		return 0
	}
	for _, block := range e.denylist {
		if block.Contains(ip) {
			return e.config.IPReputationWeight
		}
	}
	return 0
}

// scaledWeight grows linearly with distance and saturates at fullAt.
func scaledWeight(distance, fullAt float64, weight int) int {
	if fullAt <= 0 || distance >= fullAt {
		return weight
	}
	if distance <= 0 {
		return 0
	}
	return int(distance / fullAt * float64(weight))
}

const earthRadiusKM = 6371.0

func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)

	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a))
}
