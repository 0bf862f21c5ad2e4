// Package config provides the application configuration for the tracker agent.
// Values come from defaults, an optional YAML file and AICT_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides, e.g. AICT_PORT or AICT_SCHEDULER__AUTO_REFRESH.
const EnvPrefix = "AICT_"

// TrackerDirName is the per-user directory holding auth.json and config.yaml.
const TrackerDirName = ".ai-consumption-tracker"

// Config is the root application configuration.
type Config struct {
	// Host is the listen address of the HTTP API.
	Host string `yaml:"host" json:"host"`

	// Port is the listen port of the HTTP API.
	Port int `yaml:"port" json:"port"`

	// DatabasePath is the SQLite file, "~/" is expanded.
	DatabasePath string `yaml:"database-path" json:"database-path"`

	// Debug enables debug logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LogDir is where agent.log is written when LoggingToFile is set.
	LogDir string `yaml:"log-dir" json:"log-dir"`

	// LoggingToFile writes logs to LogDir in addition to stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// TrackerDir overrides the directory of the primary auth.json.
	TrackerDir string `yaml:"tracker-dir" json:"tracker-dir"`

	// RequestTimeout bounds every outbound provider request.
	RequestTimeout time.Duration `yaml:"request-timeout" json:"request-timeout"`

	// ProxyURL routes provider requests through an http, https or socks5 proxy.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// AllowRemote accepts API requests from non-loopback clients.
	AllowRemote bool `yaml:"allow-remote" json:"allow-remote"`

	// WatchConfig re-runs discovery when auth.json changes.
	WatchConfig bool `yaml:"watch-config" json:"watch-config"`

	Auth             AuthConfig      `yaml:"auth" json:"auth"`
	Scheduler        SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	RefreshRateLimit RateLimitConfig `yaml:"refresh-rate-limit" json:"refresh-rate-limit"`
	Gemini           GeminiConfig    `yaml:"gemini" json:"gemini"`
}

// AuthConfig enables HTTP basic auth on the API when both fields are set.
type AuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// SchedulerConfig seeds the background refresh loop.
type SchedulerConfig struct {
	// AutoRefresh toggles scheduled refreshes.
	AutoRefresh bool `yaml:"auto-refresh" json:"auto-refresh"`

	// RefreshIntervalMinutes is the minimum age of the newest record before a refresh is due.
	RefreshIntervalMinutes int `yaml:"refresh-interval-minutes" json:"refresh-interval-minutes"`

	// Tick is how often the due check runs.
	Tick time.Duration `yaml:"tick" json:"tick"`

	// RetentionDays is the history retention window.
	RetentionDays int `yaml:"retention-days" json:"retention-days"`
}

// RateLimitConfig paces manual refresh requests.
type RateLimitConfig struct {
	PerMinute int `yaml:"per-minute" json:"per-minute"`
	Burst     int `yaml:"burst" json:"burst"`
}

// GeminiConfig holds the OAuth client used to refresh Gemini account tokens.
type GeminiConfig struct {
	ClientID     string `yaml:"client-id" json:"client-id"`
	ClientSecret string `yaml:"client-secret" json:"-"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Host:           "127.0.0.1",
		Port:           8080,
		DatabasePath:   "./agent.db",
		LogDir:         filepath.Join(DefaultTrackerDir(), "logs"),
		RequestTimeout: 10 * time.Second,
		WatchConfig:    true,
		Scheduler: SchedulerConfig{
			AutoRefresh:            true,
			RefreshIntervalMinutes: 5,
			Tick:                   60 * time.Second,
			RetentionDays:          30,
		},
		RefreshRateLimit: RateLimitConfig{
			PerMinute: 6,
			Burst:     2,
		},
	}
}

// DefaultTrackerDir returns ~/.ai-consumption-tracker, or a relative fallback without a home.
func DefaultTrackerDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return TrackerDirName
	}
	return filepath.Join(home, TrackerDirName)
}

// DefaultConfigPath returns the default location of config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(DefaultTrackerDir(), "config.yaml")
}

// LoadConfig builds the configuration from defaults, the YAML file at path
// (a missing file is not an error) and AICT_* environment variables.
//
// Parameters:
//   - path: YAML file path; empty uses DefaultConfigPath
//
// Returns:
//   - *Config: The merged configuration
//   - error: Parse, unmarshal or validation error
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}

	k := koanf.New(".")

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps AICT_SCHEDULER__AUTO_REFRESH to scheduler.auto-refresh.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	s = strings.ReplaceAll(s, "__", ".")
	return strings.ReplaceAll(s, "_", "-")
}

// Validate checks ranges and fills zero values that have no useful meaning.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Scheduler.RefreshIntervalMinutes <= 0 {
		return fmt.Errorf("invalid refresh interval: %d minutes", c.Scheduler.RefreshIntervalMinutes)
	}
	if c.Scheduler.Tick <= 0 {
		c.Scheduler.Tick = 60 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.RefreshRateLimit.Burst <= 0 {
		c.RefreshRateLimit.Burst = 1
	}
	return nil
}

// ResolvedTrackerDir returns TrackerDir when set, else the default tracker directory.
func (c *Config) ResolvedTrackerDir() string {
	if c.TrackerDir != "" {
		return c.TrackerDir
	}
	return DefaultTrackerDir()
}

// GeminiClient returns the Gemini OAuth client id and secret, falling back to
// GEMINI_OAUTH_CLIENT_ID and GEMINI_OAUTH_CLIENT_SECRET.
func (c *Config) GeminiClient() (string, string) {
	id, secret := c.Gemini.ClientID, c.Gemini.ClientSecret
	if id == "" {
		id = os.Getenv("GEMINI_OAUTH_CLIENT_ID")
	}
	if secret == "" {
		secret = os.Getenv("GEMINI_OAUTH_CLIENT_SECRET")
	}
	return id, secret
}
