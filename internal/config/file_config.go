package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultConfigFilenames = []string{
	"webser.yaml",
	"webser.yml",
	"webser.toml",
	".webser.yaml",
	".webser.yml",
	".webser.toml",
}

type FileConfig struct {
	DSN        string                         `yaml:"dsn" toml:"dsn"`
	Redis      RedisFileConfig                `yaml:"redis" toml:"redis"`
	Server     ServerFileConfig               `yaml:"server" toml:"server"`
	Worker     WorkerFileConfig               `yaml:"worker" toml:"worker"`
	Cache      CacheFileConfig                `yaml:"cache" toml:"cache"`
	Queues     map[string]QueueFileConfig     `yaml:"queues" toml:"queues"`
	RateLimits map[string]RateLimitFileConfig `yaml:"rate_limits" toml:"rate_limits"`
}

type RedisFileConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       *int   `yaml:"db" toml:"db"`
}

type ServerFileConfig struct {
	Addr        string   `yaml:"addr" toml:"addr"`
	OpsToken    string   `yaml:"ops_token" toml:"ops_token"`
	AllowCIDRs  []string `yaml:"allow_cidrs" toml:"allow_cidrs"`
	TLSCert     string   `yaml:"tls_cert" toml:"tls_cert"`
	TLSKey      string   `yaml:"tls_key" toml:"tls_key"`
	WaitTimeout string   `yaml:"wait_timeout" toml:"wait_timeout"`
}

type WorkerFileConfig struct {
	InstanceID              string `yaml:"instance_id" toml:"instance_id"`
	PollMinBackoff          string `yaml:"poll_min_backoff" toml:"poll_min_backoff"`
	PollMaxBackoff          string `yaml:"poll_max_backoff" toml:"poll_max_backoff"`
	LeaseSeconds            *int   `yaml:"lease_seconds" toml:"lease_seconds"`
	HeartbeatSeconds        *int   `yaml:"heartbeat_seconds" toml:"heartbeat_seconds"`
	ReclaimIntervalSeconds  *int   `yaml:"reclaim_interval_seconds" toml:"reclaim_interval_seconds"`
	CleanupIntervalSeconds  *int   `yaml:"cleanup_interval_seconds" toml:"cleanup_interval_seconds"`
	BeatInterval            string `yaml:"beat_interval" toml:"beat_interval"`
	ShutdownTimeout         string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	ThroughputMax           *int   `yaml:"throughput_max" toml:"throughput_max"`
	ThroughputWindowSeconds *int   `yaml:"throughput_window_seconds" toml:"throughput_window_seconds"`
}

type CacheFileConfig struct {
	TTLSeconds *int `yaml:"ttl_seconds" toml:"ttl_seconds"`
	MaxEntries *int `yaml:"max_entries" toml:"max_entries"`
}

type QueueFileConfig struct {
	Attempts       *int   `yaml:"attempts" toml:"attempts"`
	BackoffType    string `yaml:"backoff_type" toml:"backoff_type"`
	BackoffDelayMs *int   `yaml:"backoff_delay_ms" toml:"backoff_delay_ms"`
	Concurrency    *int   `yaml:"concurrency" toml:"concurrency"`
}

type RateLimitFileConfig struct {
	Limit         *int `yaml:"limit" toml:"limit"`
	WindowSeconds *int `yaml:"window_seconds" toml:"window_seconds"`
}

func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if env := os.Getenv("WEBSER_CONFIG"); env != "" {
		return env, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}

	return &cfg, nil
}

func ApplyFileConfig(cfg *Config, fileCfg *FileConfig) error {
	if fileCfg == nil {
		return nil
	}

	if fileCfg.DSN != "" {
		cfg.DatabaseURL = fileCfg.DSN
	}

	if fileCfg.Redis.Addr != "" {
		cfg.RedisAddr = fileCfg.Redis.Addr
	}
	if fileCfg.Redis.Password != "" {
		cfg.RedisPassword = fileCfg.Redis.Password
	}
	if fileCfg.Redis.DB != nil {
		cfg.RedisDB = *fileCfg.Redis.DB
	}

	if fileCfg.Server.Addr != "" {
		cfg.ListenAddr = fileCfg.Server.Addr
	}
	if fileCfg.Server.OpsToken != "" {
		cfg.OpsToken = fileCfg.Server.OpsToken
	}
	if len(fileCfg.Server.AllowCIDRs) > 0 {
		cfg.AllowCIDRs = append([]string{}, fileCfg.Server.AllowCIDRs...)
	}
	if fileCfg.Server.TLSCert != "" {
		cfg.TLSCert = fileCfg.Server.TLSCert
	}
	if fileCfg.Server.TLSKey != "" {
		cfg.TLSKey = fileCfg.Server.TLSKey
	}
	if fileCfg.Server.WaitTimeout != "" {
		parsed, err := parseDurationField("server.wait_timeout", fileCfg.Server.WaitTimeout)
		if err != nil {
			return err
		}
		cfg.WaitTimeout = parsed
	}

	if fileCfg.Worker.InstanceID != "" {
		cfg.InstanceID = fileCfg.Worker.InstanceID
	}
	if fileCfg.Worker.PollMinBackoff != "" {
		parsed, err := parseDurationField("worker.poll_min_backoff", fileCfg.Worker.PollMinBackoff)
		if err != nil {
			return err
		}
		cfg.PollMinBackoff = parsed
	}
	if fileCfg.Worker.PollMaxBackoff != "" {
		parsed, err := parseDurationField("worker.poll_max_backoff", fileCfg.Worker.PollMaxBackoff)
		if err != nil {
			return err
		}
		cfg.PollMaxBackoff = parsed
	}
	if cfg.PollMaxBackoff < cfg.PollMinBackoff {
		return fmt.Errorf("worker.poll_max_backoff must be >= worker.poll_min_backoff")
	}
	if fileCfg.Worker.LeaseSeconds != nil {
		cfg.LeaseSeconds = *fileCfg.Worker.LeaseSeconds
	}
	if fileCfg.Worker.HeartbeatSeconds != nil {
		cfg.HeartbeatSeconds = *fileCfg.Worker.HeartbeatSeconds
	}
	if fileCfg.Worker.ReclaimIntervalSeconds != nil {
		cfg.ReclaimIntervalSeconds = *fileCfg.Worker.ReclaimIntervalSeconds
	}
	if fileCfg.Worker.CleanupIntervalSeconds != nil {
		cfg.CleanupIntervalSeconds = *fileCfg.Worker.CleanupIntervalSeconds
	}
	if fileCfg.Worker.BeatInterval != "" {
		parsed, err := parseDurationField("worker.beat_interval", fileCfg.Worker.BeatInterval)
		if err != nil {
			return err
		}
		cfg.BeatInterval = parsed
	}
	if fileCfg.Worker.ShutdownTimeout != "" {
		parsed, err := parseDurationField("worker.shutdown_timeout", fileCfg.Worker.ShutdownTimeout)
		if err != nil {
			return err
		}
		cfg.ShutdownTimeout = parsed
	}
	if fileCfg.Worker.ThroughputMax != nil {
		cfg.ThroughputMax = *fileCfg.Worker.ThroughputMax
	}
	if fileCfg.Worker.ThroughputWindowSeconds != nil {
		cfg.ThroughputWindowSeconds = *fileCfg.Worker.ThroughputWindowSeconds
	}

	if fileCfg.Cache.TTLSeconds != nil {
		cfg.CacheTTLSeconds = *fileCfg.Cache.TTLSeconds
	}
	if fileCfg.Cache.MaxEntries != nil {
		cfg.CacheMaxEntries = *fileCfg.Cache.MaxEntries
	}

	for name, qc := range fileCfg.Queues {
		override := cfg.Queues[name]
		if qc.Attempts != nil {
			override.Attempts = qc.Attempts
		}
		if qc.BackoffType != "" {
			if qc.BackoffType != "exponential" && qc.BackoffType != "fixed" {
				return fmt.Errorf("queues.%s.backoff_type must be exponential or fixed", name)
			}
			override.BackoffType = qc.BackoffType
		}
		if qc.BackoffDelayMs != nil {
			override.BackoffDelayMs = qc.BackoffDelayMs
		}
		if qc.Concurrency != nil {
			override.Concurrency = qc.Concurrency
		}
		cfg.Queues[name] = override
	}

	for name, rc := range fileCfg.RateLimits {
		rule := cfg.RateLimits[name]
		if rc.Limit != nil {
			rule.Limit = *rc.Limit
		}
		if rc.WindowSeconds != nil {
			rule.WindowSeconds = *rc.WindowSeconds
		}
		cfg.RateLimits[name] = rule
	}

	return nil
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) || args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if strings.HasPrefix(arg, "--config=") {
			value := strings.TrimPrefix(arg, "--config=")
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
