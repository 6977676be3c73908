package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"mprisctl/pkg/validation"

	"gopkg.in/yaml.v2"
)

// Bus kinds accepted in bus.kind.
const (
	BusSession = "session"
	BusSystem  = "system"
	BusMemory  = "memory"
)

type Config struct {
	Bus struct {
		Kind           string        `yaml:"kind"`
		NamePattern    string        `yaml:"name_pattern"`
		ConnectRetries int           `yaml:"connect_retries"`
		ConnectBackoff time.Duration `yaml:"connect_backoff"`
	} `yaml:"bus"`

	Player struct {
		PositionSyncInterval   time.Duration `yaml:"position_sync_interval"`
		PositionNotifyInterval time.Duration `yaml:"position_notify_interval"`
		PinnedPeer             string        `yaml:"pinned_peer"`
	} `yaml:"player"`

	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Monitoring struct {
		Enabled     bool   `yaml:"enabled"`
		MetricsPath string `yaml:"metrics_path"`
		HealthPath  string `yaml:"health_path"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled   bool   `yaml:"enabled"`
		Address   string `yaml:"address"`
		Password  string `yaml:"password"`
		DB        int    `yaml:"db"`
		PoolSize  int    `yaml:"pool_size"`
		KeyPrefix string `yaml:"key_prefix"`
	} `yaml:"redis"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		ServiceName    string  `yaml:"service_name"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Bus
	switch c.Bus.Kind {
	case BusSession, BusSystem, BusMemory:
	default:
		return fmt.Errorf("bus.kind must be one of session, system, memory (got %q)", c.Bus.Kind)
	}
	if err := validation.ValidateNamePattern(c.Bus.NamePattern); err != nil {
		return fmt.Errorf("bus.name_pattern: %w", err)
	}
	if c.Bus.ConnectRetries < 0 {
		return fmt.Errorf("bus.connect_retries must be >= 0")
	}
	if c.Bus.ConnectBackoff < 0 {
		return fmt.Errorf("bus.connect_backoff must be >= 0")
	}

	// Player
	if c.Player.PositionSyncInterval <= 0 {
		return fmt.Errorf("player.position_sync_interval must be > 0")
	}
	if c.Player.PositionNotifyInterval <= 0 {
		return fmt.Errorf("player.position_notify_interval must be > 0")
	}
	if c.Player.PinnedPeer != "" {
		if !validation.MatchNamePattern(c.Bus.NamePattern, c.Player.PinnedPeer) {
			return fmt.Errorf("player.pinned_peer %q does not match bus.name_pattern", c.Player.PinnedPeer)
		}
	}

	// Server
	if err := validation.ValidateNonEmptyString(c.Server.Address, "server.address"); err != nil {
		return err
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Monitoring
	if c.Monitoring.Enabled {
		if c.Monitoring.MetricsPath == "" || c.Monitoring.MetricsPath[0] != '/' {
			return fmt.Errorf("monitoring.metrics_path must start with / when monitoring.enabled=true")
		}
		if c.Monitoring.HealthPath == "" || c.Monitoring.HealthPath[0] != '/' {
			return fmt.Errorf("monitoring.health_path must start with / when monitoring.enabled=true")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
		}
		if err := validation.ValidateRange(c.Tracing.SampleRate, 0, 1, "tracing.sample_rate"); err != nil {
			return err
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A missing file yields the defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Bus.Kind = BusSession
	cfg.Bus.NamePattern = "org.mpris.MediaPlayer2.*"
	cfg.Bus.ConnectRetries = 3
	cfg.Bus.ConnectBackoff = 500 * time.Millisecond

	cfg.Player.PositionSyncInterval = 5000 * time.Millisecond
	cfg.Player.PositionNotifyInterval = 1000 * time.Millisecond

	cfg.Server.Address = "127.0.0.1:8765"
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.ShutdownTimeout = 5 * time.Second

	cfg.Monitoring.Enabled = true
	cfg.Monitoring.MetricsPath = "/metrics"
	cfg.Monitoring.HealthPath = "/health"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 4
	cfg.Redis.KeyPrefix = "mprisctl:"

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "mprisctl"
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 20
	cfg.RateLimiting.Burst = 40

	return cfg
}

const envPrefix = "MPRISCTL_"

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv(envPrefix + "BUS_KIND"); v != "" {
		c.Bus.Kind = v
	}
	if v := os.Getenv(envPrefix + "NAME_PATTERN"); v != "" {
		c.Bus.NamePattern = v
	}
	if v := os.Getenv(envPrefix + "PINNED_PEER"); v != "" {
		c.Player.PinnedPeer = v
	}
	if v := os.Getenv(envPrefix + "SERVER_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(envPrefix + "LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv(envPrefix + "REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv(envPrefix + "REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv(envPrefix + "JAEGER_ENDPOINT"); v != "" {
		c.Tracing.JaegerEndpoint = v
		c.Tracing.Enabled = true
	}
	if v := os.Getenv(envPrefix + "POSITION_SYNC_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sPOSITION_SYNC_INTERVAL: %w", envPrefix, err)
		}
		c.Player.PositionSyncInterval = d
	}
	if v := os.Getenv(envPrefix + "RATE_LIMIT_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sRATE_LIMIT_RPS: %w", envPrefix, err)
		}
		c.RateLimiting.RequestsPerSecond = rps
		c.RateLimiting.Enabled = true
	}
	return nil
}
