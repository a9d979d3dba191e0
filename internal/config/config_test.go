package config

import (
	"testing"
	"time"
)

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_URL is unset")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/webser")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("INSTANCE_ID", "")
	t.Setenv("LISTEN_ADDR", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("expected default redis addr, got %q", cfg.RedisAddr)
	}
	if cfg.ListenAddr != ":3000" {
		t.Fatalf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.InstanceID == "" {
		t.Fatal("expected generated instance id")
	}
	if cfg.LeaseSeconds != 30 {
		t.Fatalf("expected 30s lease default, got %d", cfg.LeaseSeconds)
	}
	if cfg.CacheTTLSeconds != 3600 {
		t.Fatalf("expected 3600s cache TTL default, got %d", cfg.CacheTTLSeconds)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/webser")
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("INSTANCE_ID", "gw-1")
	t.Setenv("POLL_MIN_BACKOFF", "100ms")
	t.Setenv("CACHE_TTL", "10m")
	t.Setenv("OPS_ALLOW_CIDRS", "10.0.0.0/8, 192.168.0.0/16")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RedisAddr != "redis.internal:6380" {
		t.Fatalf("expected overridden redis addr, got %q", cfg.RedisAddr)
	}
	if cfg.InstanceID != "gw-1" {
		t.Fatalf("expected instance id gw-1, got %q", cfg.InstanceID)
	}
	if cfg.PollMinBackoff != 100*time.Millisecond {
		t.Fatalf("expected 100ms poll min, got %v", cfg.PollMinBackoff)
	}
	if cfg.CacheTTLSeconds != 600 {
		t.Fatalf("expected 600s cache TTL, got %d", cfg.CacheTTLSeconds)
	}
	if len(cfg.AllowCIDRs) != 2 || cfg.AllowCIDRs[1] != "192.168.0.0/16" {
		t.Fatalf("expected two CIDRs, got %v", cfg.AllowCIDRs)
	}
}
