package authcore

import (
	"time"

	"github.com/spf13/viper"
)

// LoadConfig reads an optional .env file plus the process environment via
// Viper and lays the values over defaultConfig. A missing .env is ignored
// so CI and containers can rely purely on environment variables. The
// returned Config still must pass Validate (Build calls it).
func LoadConfig(envFile string) (Config, error) {
	v := viper.New()

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		_ = v.ReadInConfig() // ignore ErrConfigFileNotFound
	}
	v.AutomaticEnv()

	v.SetDefault("AUTHCORE_SIGNING_METHOD", "hs256")
	v.SetDefault("AUTHCORE_SECRET", "")
	v.SetDefault("AUTHCORE_ACCESS_TTL", "30m")
	v.SetDefault("AUTHCORE_REFRESH_TTL", "168h") // 7d
	v.SetDefault("AUTHCORE_REPLAY_WINDOW", "24h")
	v.SetDefault("AUTHCORE_ISSUER", "")
	v.SetDefault("AUTHCORE_AUDIENCE", "")
	v.SetDefault("AUTHCORE_SINGLE_ACTIVE_SESSION", false)
	v.SetDefault("AUTHCORE_REDIS_PREFIX", "ac")
	v.SetDefault("AUTHCORE_MAX_LOGIN_ATTEMPTS", 10)
	v.SetDefault("AUTHCORE_LOGIN_WINDOW", "15m")
	v.SetDefault("AUTHCORE_LOCKOUT_THRESHOLD", 5)
	v.SetDefault("AUTHCORE_RISK_STEP_UP_THRESHOLD", 0)
	v.SetDefault("AUTHCORE_RISK_DENY_THRESHOLD", 0)
	v.SetDefault("AUTHCORE_SECURE_COOKIES", true)
	v.SetDefault("AUTHCORE_COOKIE_DOMAIN", "")
	v.SetDefault("AUTHCORE_PRODUCTION", false)

	cfg := defaultConfig()

	cfg.Token.SigningMethod = v.GetString("AUTHCORE_SIGNING_METHOD")
	if secret := v.GetString("AUTHCORE_SECRET"); secret != "" {
		cfg.Token.Secret = []byte(secret)
	}
	if pk := v.GetString("AUTHCORE_PRIVATE_KEY"); pk != "" {
		cfg.Token.PrivateKey = []byte(pk)
	}
	if pub := v.GetString("AUTHCORE_PUBLIC_KEY"); pub != "" {
		cfg.Token.PublicKey = []byte(pub)
	}
	cfg.Token.Issuer = v.GetString("AUTHCORE_ISSUER")
	cfg.Token.Audience = v.GetString("AUTHCORE_AUDIENCE")

	var err error
	if cfg.Token.AccessTTL, err = time.ParseDuration(v.GetString("AUTHCORE_ACCESS_TTL")); err != nil {
		return Config{}, err
	}
	if cfg.Refresh.TTL, err = time.ParseDuration(v.GetString("AUTHCORE_REFRESH_TTL")); err != nil {
		return Config{}, err
	}
	if cfg.Refresh.ReplayWindow, err = time.ParseDuration(v.GetString("AUTHCORE_REPLAY_WINDOW")); err != nil {
		return Config{}, err
	}
	if cfg.Security.LoginWindow, err = time.ParseDuration(v.GetString("AUTHCORE_LOGIN_WINDOW")); err != nil {
		return Config{}, err
	}

	cfg.Refresh.SingleActiveSession = v.GetBool("AUTHCORE_SINGLE_ACTIVE_SESSION")
	cfg.Refresh.RedisPrefix = v.GetString("AUTHCORE_REDIS_PREFIX")
	cfg.Security.MaxLoginAttempts = v.GetInt("AUTHCORE_MAX_LOGIN_ATTEMPTS")
	cfg.Security.LockoutThreshold = v.GetInt("AUTHCORE_LOCKOUT_THRESHOLD")
	if t := v.GetInt("AUTHCORE_RISK_STEP_UP_THRESHOLD"); t > 0 {
		cfg.Risk.StepUpThreshold = t
	}
	if t := v.GetInt("AUTHCORE_RISK_DENY_THRESHOLD"); t > 0 {
		cfg.Risk.DenyThreshold = t
	}
	cfg.Cookies.Secure = v.GetBool("AUTHCORE_SECURE_COOKIES")
	cfg.Cookies.Domain = v.GetString("AUTHCORE_COOKIE_DOMAIN")
	cfg.Cookies.AccessTTL = cfg.Token.AccessTTL
	cfg.Cookies.RefreshTTL = cfg.Refresh.TTL
	cfg.ProductionMode = v.GetBool("AUTHCORE_PRODUCTION")

	return cfg, nil
}
