package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config carries everything the gateway and workers need. Values are layered:
// defaults, then an optional config file, then environment, then flags.
type Config struct {
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	InstanceID string
	Version    string

	ListenAddr string
	OpsToken   string
	AllowCIDRs []string
	TLSCert    string
	TLSKey     string

	PollMinBackoff         time.Duration
	PollMaxBackoff         time.Duration
	LeaseSeconds           int
	HeartbeatSeconds       int
	ReclaimIntervalSeconds int
	CleanupIntervalSeconds int
	BeatInterval           time.Duration
	ShutdownTimeout        time.Duration
	WaitTimeout            time.Duration

	CacheTTLSeconds int
	CacheMaxEntries int

	// Worker-side throughput window, independent of client admission limits.
	ThroughputMax           int
	ThroughputWindowSeconds int

	// Per-class overrides keyed by job class name.
	Queues     map[string]QueueOverride
	RateLimits map[string]RateLimitRule
}

// QueueOverride adjusts the built-in defaults of a job class.
type QueueOverride struct {
	Attempts       *int
	BackoffType    string
	BackoffDelayMs *int
	Concurrency    *int
}

// RateLimitRule is a client admission limit for one endpoint class.
type RateLimitRule struct {
	Limit         int
	WindowSeconds int
}

func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DatabaseURL, "dsn", c.DatabaseURL, "Postgres connection string")
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Redis address")
	fs.StringVar(&c.InstanceID, "instance-id", c.InstanceID, "Unique instance ID")
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "HTTP listen address")
	fs.DurationVar(&c.PollMinBackoff, "poll-min-backoff", c.PollMinBackoff, "Minimum idle poll backoff")
	fs.DurationVar(&c.PollMaxBackoff, "poll-max-backoff", c.PollMaxBackoff, "Maximum idle poll backoff")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "Time to wait for in-flight jobs on shutdown")
	fs.DurationVar(&c.BeatInterval, "beat-interval", c.BeatInterval, "Scheduled query sweep interval")
}

// DefaultConfig returns the built-in defaults, before env and file layering.
func DefaultConfig() *Config {
	return &Config{
		RedisAddr:  "localhost:6379",
		ListenAddr: ":3000",

		PollMinBackoff:         250 * time.Millisecond,
		PollMaxBackoff:         2 * time.Second,
		LeaseSeconds:           30,
		HeartbeatSeconds:       10,
		ReclaimIntervalSeconds: 60,
		CleanupIntervalSeconds: 300,
		BeatInterval:           15 * time.Second,
		ShutdownTimeout:        30 * time.Second,
		WaitTimeout:            30 * time.Second,

		CacheTTLSeconds: 3600,
		CacheMaxEntries: 1000,

		ThroughputMax:           100,
		ThroughputWindowSeconds: 10,

		Queues:     map[string]QueueOverride{},
		RateLimits: map[string]RateLimitRule{},
	}
}

// Load builds a Config from the environment on top of the defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.RedisAddr = addr
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	cfg.InstanceID = os.Getenv("INSTANCE_ID")
	if cfg.InstanceID == "" {
		hostname, _ := os.Hostname()
		cfg.InstanceID = fmt.Sprintf("webser-%s-%d", hostname, time.Now().Unix())
	}

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	cfg.OpsToken = os.Getenv("OPS_TOKEN")

	if v := os.Getenv("POLL_MIN_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PollMinBackoff = d
		}
	}
	if v := os.Getenv("POLL_MAX_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PollMaxBackoff = d
		}
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheTTLSeconds = int(d.Seconds())
		}
	}
	if v := os.Getenv("OPS_ALLOW_CIDRS"); v != "" {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				cfg.AllowCIDRs = append(cfg.AllowCIDRs, part)
			}
		}
	}

	return cfg, nil
}
