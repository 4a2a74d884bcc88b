package config

import (
	"os"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	vars := []string{
		"WORKER_POOL_SIZE", "TOKEN_REFRESH_SKEW_SECONDS", "DRAWDOWN_TICK_MS",
		"DEDUP_WINDOW_SECONDS", "DEFAULT_BROKER_TIMEOUT_MS", "OAUTH_REDIRECT_URI",
		"HTTP_ADDR", "DATABASE_DSN", "REDIS_ADDR", "JWT_SECRET",
		"TRADOVATE_API_URL", "TRADOVATE_WS_URL", "TRADOVATE_CLIENT_ID", "TRADOVATE_CLIENT_SECRET",
	}
	for _, v := range vars {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.WorkerPoolSize != 4 {
		t.Fatalf("WorkerPoolSize = %d, want 4", cfg.WorkerPoolSize)
	}
	if cfg.DrawdownTick != time.Second {
		t.Fatalf("DrawdownTick = %v, want 1s", cfg.DrawdownTick)
	}
	if cfg.DedupWindow != 60*time.Second {
		t.Fatalf("DedupWindow = %v, want 60s", cfg.DedupWindow)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("WORKER_POOL_SIZE", "8")
	t.Setenv("DRAWDOWN_TICK_MS", "500")
	t.Setenv("DEDUP_WINDOW_SECONDS", "30")
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("TRADOVATE_CLIENT_ID", "abc")
	t.Setenv("TRADOVATE_CLIENT_SECRET", "xyz")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.WorkerPoolSize != 8 {
		t.Fatalf("WorkerPoolSize = %d, want 8", cfg.WorkerPoolSize)
	}
	if cfg.DrawdownTick != 500*time.Millisecond {
		t.Fatalf("DrawdownTick = %v, want 500ms", cfg.DrawdownTick)
	}
	if cfg.DedupWindow != 30*time.Second {
		t.Fatalf("DedupWindow = %v, want 30s", cfg.DedupWindow)
	}
	if cfg.HTTPAddr != ":9090" {
		t.Fatalf("HTTPAddr = %q, want :9090", cfg.HTTPAddr)
	}
	if cfg.TradovateClientID != "abc" || cfg.TradovateClientSecret != "xyz" {
		t.Fatalf("tradovate credentials = %q/%q, want abc/xyz", cfg.TradovateClientID, cfg.TradovateClientSecret)
	}
}

func TestFromEnvRejectsInvalidWorkerPoolSize(t *testing.T) {
	clearEnv(t)
	t.Setenv("WORKER_POOL_SIZE", "not-a-number")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected an error for a non-numeric WORKER_POOL_SIZE")
	}
}

func TestFromEnvRejectsZeroWorkerPoolSize(t *testing.T) {
	clearEnv(t)
	t.Setenv("WORKER_POOL_SIZE", "0")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected an error for a zero WORKER_POOL_SIZE")
	}
}

func TestFromEnvRejectsInvalidDrawdownTick(t *testing.T) {
	clearEnv(t)
	t.Setenv("DRAWDOWN_TICK_MS", "-5")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected an error for a negative DRAWDOWN_TICK_MS")
	}
}
