package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for lockstepd.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Sync       SyncConfig       `yaml:"sync"`
	Token      TokenConfig      `yaml:"token"`
	Security   SecurityConfig   `yaml:"security"`
	Logging    LoggingConfig    `yaml:"logging"`
	Admin      AdminConfig      `yaml:"admin"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// ServerConfig contains the public HTTP listener settings.
type ServerConfig struct {
	ListenAddress string        `yaml:"listen_address"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
	MaxBodySize   int64         `yaml:"max_body_size"`
}

// SyncConfig contains the synchronization engine settings.
type SyncConfig struct {
	// ForceWindow is how long a force update locks out competing
	// non-force updates.
	ForceWindow time.Duration `yaml:"force_window"`
	// PushBuffer is the per-connection buffer of undelivered frames;
	// a client that falls further behind starts losing frames.
	PushBuffer int `yaml:"push_buffer"`
}

// TokenConfig contains session token settings. The signing key is never
// read from the file; it comes exclusively from LOCKSTEP_SIGN_KEY.
type TokenConfig struct {
	Issuer string        `yaml:"issuer"`
	TTL    time.Duration `yaml:"ttl"`
	// SignKey is populated from the environment at load time.
	SignKey string `yaml:"-"`
}

// SecurityConfig contains security-related settings.
type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig contains per-IP rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	// RingSize is the number of recent records kept for the admin /logs
	// endpoint; zero disables the ring.
	RingSize int `yaml:"ring_size"`
}

// AdminConfig contains the loopback admin listener settings (health,
// metrics, recent logs).
type AdminConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ListenAddress  string `yaml:"listen_address"`
	HealthEndpoint string `yaml:"health_endpoint"`
	Detailed       bool   `yaml:"detailed"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	MetricsEnabled  bool   `yaml:"metrics_enabled"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
}

// SignKeyEnv is the environment variable holding the token signing secret.
const SignKeyEnv = "LOCKSTEP_SIGN_KEY"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress: "127.0.0.1:3001",
			ReadTimeout:   30 * time.Second,
			DrainTimeout:  30 * time.Second,
			MaxBodySize:   65536, // 64KB
		},
		Sync: SyncConfig{
			ForceWindow: 1500 * time.Millisecond,
			PushBuffer:  16,
		},
		Token: TokenConfig{
			Issuer: "lockstepd",
			TTL:    24 * time.Hour,
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 300,
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
			RingSize:   500,
		},
		Admin: AdminConfig{
			Enabled:        true,
			ListenAddress:  "127.0.0.1:3002",
			HealthEndpoint: "/health",
			Detailed:       true,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled:  false,
			MetricsEndpoint: "/metrics",
		},
	}
}

// Load reads a config file and applies environment variable overrides.
// A missing path loads pure defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found at %s", path)
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w (check YAML indentation)", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors. The signing key is not
// required here: the daemon starts without one and fails token operations
// closed until it is provided.
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("server.listen_address is invalid: %w", err)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be positive")
	}
	if c.Server.DrainTimeout <= 0 {
		return fmt.Errorf("server.drain_timeout must be positive")
	}
	if c.Server.DrainTimeout > 5*time.Minute {
		return fmt.Errorf("server.drain_timeout must not exceed 5m")
	}
	if c.Server.MaxBodySize <= 0 {
		return fmt.Errorf("server.max_body_size must be positive")
	}
	if c.Server.MaxBodySize > 16777216 {
		return fmt.Errorf("server.max_body_size must not exceed 16777216 (16MB)")
	}

	if c.Sync.ForceWindow <= 0 {
		return fmt.Errorf("sync.force_window must be positive")
	}
	if c.Sync.ForceWindow > time.Minute {
		return fmt.Errorf("sync.force_window must not exceed 1m")
	}
	if c.Sync.PushBuffer <= 0 {
		return fmt.Errorf("sync.push_buffer must be positive")
	}

	if c.Token.Issuer == "" {
		return fmt.Errorf("token.issuer is required")
	}
	if c.Token.TTL <= 0 {
		return fmt.Errorf("token.ttl must be positive")
	}

	if c.Security.RateLimit.Enabled {
		if c.Security.RateLimit.RequestsPerMinute <= 0 {
			return fmt.Errorf("security.rate_limit.requests_per_minute must be positive")
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "text":
		// valid
	default:
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	if c.Logging.RingSize < 0 {
		return fmt.Errorf("logging.ring_size must not be negative")
	}

	if c.Admin.Enabled {
		if c.Admin.ListenAddress == "" {
			return fmt.Errorf("admin.listen_address is required when admin is enabled")
		}
		if _, _, err := net.SplitHostPort(c.Admin.ListenAddress); err != nil {
			return fmt.Errorf("admin.listen_address is invalid: %w", err)
		}
		host, _, _ := net.SplitHostPort(c.Admin.ListenAddress)
		ip := net.ParseIP(host)
		if ip != nil && !ip.IsLoopback() {
			return fmt.Errorf("admin.listen_address should bind to a loopback address (e.g. 127.0.0.1) to avoid exposing metrics and logs")
		}
		if c.Server.ListenAddress == c.Admin.ListenAddress {
			return fmt.Errorf("server.listen_address and admin.listen_address must be different")
		}
	}

	return nil
}

// applyEnvOverrides applies LOCKSTEP_ prefixed environment variables.
// Convention: LOCKSTEP_ + uppercase + underscores for nesting.
func applyEnvOverrides(cfg *Config) {
	envMap := map[string]func(string){
		"LOCKSTEP_SERVER_LISTEN_ADDRESS": func(v string) { cfg.Server.ListenAddress = v },
		"LOCKSTEP_SERVER_READ_TIMEOUT":   func(v string) { cfg.Server.ReadTimeout = parseDuration(v, cfg.Server.ReadTimeout) },
		"LOCKSTEP_SERVER_DRAIN_TIMEOUT":  func(v string) { cfg.Server.DrainTimeout = parseDuration(v, cfg.Server.DrainTimeout) },
		"LOCKSTEP_SERVER_MAX_BODY_SIZE":  func(v string) { cfg.Server.MaxBodySize = parseInt64(v, cfg.Server.MaxBodySize) },
		"LOCKSTEP_SYNC_FORCE_WINDOW":     func(v string) { cfg.Sync.ForceWindow = parseDuration(v, cfg.Sync.ForceWindow) },
		"LOCKSTEP_SYNC_PUSH_BUFFER":      func(v string) { cfg.Sync.PushBuffer = parseInt(v, cfg.Sync.PushBuffer) },
		"LOCKSTEP_TOKEN_ISSUER":          func(v string) { cfg.Token.Issuer = v },
		"LOCKSTEP_TOKEN_TTL":             func(v string) { cfg.Token.TTL = parseDuration(v, cfg.Token.TTL) },
		"LOCKSTEP_SECURITY_RATE_LIMIT_ENABLED": func(v string) {
			cfg.Security.RateLimit.Enabled = parseBool(v, cfg.Security.RateLimit.Enabled)
		},
		"LOCKSTEP_SECURITY_RATE_LIMIT_REQUESTS_PER_MINUTE": func(v string) {
			cfg.Security.RateLimit.RequestsPerMinute = parseInt(v, cfg.Security.RateLimit.RequestsPerMinute)
		},
		"LOCKSTEP_LOGGING_LEVEL":         func(v string) { cfg.Logging.Level = v },
		"LOCKSTEP_LOGGING_FORMAT":        func(v string) { cfg.Logging.Format = v },
		"LOCKSTEP_LOGGING_FILE":          func(v string) { cfg.Logging.File = v },
		"LOCKSTEP_ADMIN_ENABLED":         func(v string) { cfg.Admin.Enabled = parseBool(v, cfg.Admin.Enabled) },
		"LOCKSTEP_ADMIN_LISTEN_ADDRESS":  func(v string) { cfg.Admin.ListenAddress = v },
		"LOCKSTEP_MONITORING_METRICS_ENABLED": func(v string) {
			cfg.Monitoring.MetricsEnabled = parseBool(v, cfg.Monitoring.MetricsEnabled)
		},
	}

	for env, setter := range envMap {
		if v := os.Getenv(env); v != "" {
			setter(v)
		}
	}

	// The signing secret is environment-only so it never lands in a
	// world-readable config file.
	cfg.Token.SignKey = os.Getenv(SignKeyEnv)
}

// ApplyReloadableFields returns a copy of c with reloadable fields from newCfg.
// Non-reloadable: listen addresses, token settings, push buffer.
func (c *Config) ApplyReloadableFields(newCfg *Config) *Config {
	updated := *c
	updated.Security.RateLimit = newCfg.Security.RateLimit
	updated.Logging.Level = newCfg.Logging.Level
	updated.Server.MaxBodySize = newCfg.Server.MaxBodySize
	updated.Sync.ForceWindow = newCfg.Sync.ForceWindow
	return &updated
}

// IsReloadSafe checks if only reloadable fields changed between configs.
func IsReloadSafe(old, new *Config) []string {
	var warnings []string
	if old.Server.ListenAddress != new.Server.ListenAddress {
		warnings = append(warnings, "server.listen_address requires restart")
	}
	if old.Admin.ListenAddress != new.Admin.ListenAddress {
		warnings = append(warnings, "admin.listen_address requires restart")
	}
	if old.Token != new.Token {
		warnings = append(warnings, "token settings require restart")
	}
	if old.Sync.PushBuffer != new.Sync.PushBuffer {
		warnings = append(warnings, "sync.push_buffer requires restart")
	}
	return warnings
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt64(s string, fallback int64) int64 {
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseInt(s string, fallback int) int {
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return fallback
	}
	return v
}

func parseBool(s string, fallback bool) bool {
	s = strings.ToLower(s)
	switch s {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
