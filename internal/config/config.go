// Package config loads the engine's environment-variable
// configuration, following the *FromEnv() idiom used throughout the
// teacher's ambient packages (libs/auth.NewJWTManagerFromEnv,
// libs/middleware.RateLimitConfigFromEnv): every variable has a
// sensible default, parse failures are reported by name, and nothing
// here reads file-based config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is every tunable named in §6 plus the ambient connections
// (database, Redis, JWT secret) every component needs to start.
type Config struct {
	// Core tunables, §6.
	WorkerPoolSize         int
	TokenRefreshSkew       time.Duration
	DrawdownTick           time.Duration
	DedupWindow            time.Duration
	DefaultBrokerTimeout   time.Duration
	OAuthRedirectURI       string

	// Ambient.
	HTTPAddr     string
	DatabaseDSN  string
	RedisAddr    string
	JWTSecret    string
	TradovateAPIURL     string
	TradovateWSURL      string
	TradovateClientID   string
	TradovateClientSecret string
}

// FromEnv loads Config from the process environment, defaulting every
// field the teacher's config packages would also default rather than
// erroring on a merely-missing optional variable.
func FromEnv() (Config, error) {
	cfg := Config{
		WorkerPoolSize:       4,
		TokenRefreshSkew:     120 * time.Second,
		DrawdownTick:         time.Second,
		DedupWindow:          60 * time.Second,
		DefaultBrokerTimeout: 10 * time.Second,
		HTTPAddr:             ":8080",
		DatabaseDSN:          "postgres://localhost:5432/tradecopy?sslmode=disable",
		TradovateAPIURL:      "https://demo.tradovateapi.com/v1",
		TradovateWSURL:       "wss://demo.tradovateapi.com/v1/websocket",
	}

	if v := os.Getenv("WORKER_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("config: invalid WORKER_POOL_SIZE: %q", v)
		}
		cfg.WorkerPoolSize = n
	}
	if v := os.Getenv("TOKEN_REFRESH_SKEW_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid TOKEN_REFRESH_SKEW_SECONDS: %w", err)
		}
		cfg.TokenRefreshSkew = d
	}
	if v := os.Getenv("DRAWDOWN_TICK_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return Config{}, fmt.Errorf("config: invalid DRAWDOWN_TICK_MS: %q", v)
		}
		cfg.DrawdownTick = time.Duration(ms) * time.Millisecond
	}
	if v := os.Getenv("DEDUP_WINDOW_SECONDS"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid DEDUP_WINDOW_SECONDS: %w", err)
		}
		cfg.DedupWindow = d
	}
	if v := os.Getenv("DEFAULT_BROKER_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return Config{}, fmt.Errorf("config: invalid DEFAULT_BROKER_TIMEOUT_MS: %q", v)
		}
		cfg.DefaultBrokerTimeout = time.Duration(ms) * time.Millisecond
	}

	cfg.OAuthRedirectURI = os.Getenv("OAUTH_REDIRECT_URI")
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.DatabaseDSN = v
	}
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if v := os.Getenv("TRADOVATE_API_URL"); v != "" {
		cfg.TradovateAPIURL = v
	}
	if v := os.Getenv("TRADOVATE_WS_URL"); v != "" {
		cfg.TradovateWSURL = v
	}
	cfg.TradovateClientID = os.Getenv("TRADOVATE_CLIENT_ID")
	cfg.TradovateClientSecret = os.Getenv("TRADOVATE_CLIENT_SECRET")

	return cfg, nil
}

func parseSeconds(v string) (time.Duration, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("expected a non-negative integer, got %q", v)
	}
	return time.Duration(n) * time.Second, nil
}
