package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Pool       PoolConfig       `yaml:"pool"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Frame      FrameConfig      `yaml:"frame"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Sync       SyncConfig       `yaml:"sync"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	APIKey          string   `yaml:"api_key"`
	RequestIPHeader string   `yaml:"request_ip_header"`
	TrustedProxies  []string `yaml:"trusted_proxies"` // proxy IPs or CIDRs allowed to set X-Forwarded-For
	RateLimitPerSec float64  `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
	CacheTTLSeconds int      `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// PoolConfig sizes the pipeline's store connection pool.
type PoolConfig struct {
	Size int `yaml:"size"`
}

// DispatcherConfig sizes the frame request worker set.
type DispatcherConfig struct {
	Workers int `yaml:"workers"`
}

// FrameConfig controls frame composition.
type FrameConfig struct {
	// SeamPolicy is "gutter" or "none".
	SeamPolicy string `yaml:"seam_policy"`
}

// TelemetryConfig controls telemetry side effects.
type TelemetryConfig struct {
	LowBatteryMillivolts int `yaml:"low_battery_mv"`
}

// SyncConfig holds the album sync configuration.
type SyncConfig struct {
	Enabled         bool          `yaml:"enabled"`
	IntervalSeconds int           `yaml:"interval_seconds"`
	Interval        time.Duration `yaml:"-"` // Ignored by YAML parser
	HTTPProxy       string        `yaml:"http_proxy"`
	Request         SyncRequest   `yaml:"request"`
}

// SyncRequest defines the HTTP request for the album manifest.
type SyncRequest struct {
	URL      string            `yaml:"url"`
	Headers  map[string]string `yaml:"headers"`
	PageSize int               `yaml:"pageSize"`
	Payload  map[string]any    `yaml:"payload"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// applyEnv lets deployments keep secrets out of the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("POSTGRES_CONNECTION_STRING"); v != "" {
		cfg.Database.DSN = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 5000
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 60
	}

	if cfg.Pool.Size <= 0 {
		cfg.Pool.Size = 2
	}
	if cfg.Dispatcher.Workers <= 0 {
		cfg.Dispatcher.Workers = 2
	}
	if cfg.Dispatcher.Workers > cfg.Pool.Size {
		log.Printf("dispatcher.workers (%d) exceeds pool.size (%d); surplus workers will see exhausted pools",
			cfg.Dispatcher.Workers, cfg.Pool.Size)
	}

	if cfg.Frame.SeamPolicy == "" {
		cfg.Frame.SeamPolicy = "gutter"
	}
	if cfg.Telemetry.LowBatteryMillivolts <= 0 {
		cfg.Telemetry.LowBatteryMillivolts = 3300
	}

	if cfg.Sync.IntervalSeconds <= 0 {
		cfg.Sync.IntervalSeconds = 3600
	}
	cfg.Sync.Interval = time.Duration(cfg.Sync.IntervalSeconds) * time.Second
	if cfg.Sync.Request.PageSize <= 0 {
		cfg.Sync.Request.PageSize = 100
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}
	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}
