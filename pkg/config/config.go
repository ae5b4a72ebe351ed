// Package config loads the gateway configuration from a YAML file, then
// applies SIGNET_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/signet/pkg/observability"
)

// CurrentVersion is the configuration format written by this build.
const CurrentVersion = "1.0.0"

// SupportedVersions is the range of configuration formats this build reads.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

// Config holds gateway configuration.
type Config struct {
	Version       string               `yaml:"version"`
	Listen        string               `yaml:"listen"`
	BaseURL       string               `yaml:"base_url"`
	DataDir       string               `yaml:"data_dir"`
	Storage       StorageConfig        `yaml:"storage"`
	KeystorePath  string               `yaml:"keystore_path"`
	Prompt        PromptConfig         `yaml:"prompt"`
	Notifications NotificationsConfig  `yaml:"notifications"`
	HTTP          HTTPConfig           `yaml:"http"`
	Log           LogConfig            `yaml:"log"`
	Observability observability.Config `yaml:"observability"`
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	Backend       string `yaml:"backend"` // file | sqlite | postgres | redis | memory
	Path          string `yaml:"path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
	PostgresDSN   string `yaml:"postgres_dsn"`
}

// PromptConfig controls confirmation surfaces.
type PromptConfig struct {
	Opener          string        `yaml:"opener"` // browser | headless
	Width           int           `yaml:"width"`
	Height          int           `yaml:"height"`
	ScreenWidth     int           `yaml:"screen_width"`
	ScreenHeight    int           `yaml:"screen_height"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	TokenTTL        time.Duration `yaml:"token_ttl"`
	PreviewMaxBytes int           `yaml:"preview_max_bytes"`
}

// NotificationsConfig bounds decision notifications.
type NotificationsConfig struct {
	PerMinute int `yaml:"per_minute"`
}

// HTTPConfig configures the transport.
type HTTPConfig struct {
	RateLimit   float64  `yaml:"rate_limit"` // requests per second per client
	Burst       int      `yaml:"burst"`
	CORSOrigins []string `yaml:"cors_origins"`

	// ManagementToken guards /v1/policies. Empty disables those endpoints.
	ManagementToken string `yaml:"management_token"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := "signet"
	if dir, err := os.UserConfigDir(); err == nil {
		dataDir = filepath.Join(dir, "signet")
	}
	obs := observability.DefaultConfig()
	return &Config{
		Version: CurrentVersion,
		Listen:  "127.0.0.1:7447",
		DataDir: dataDir,
		Storage: StorageConfig{Backend: "file", RedisPrefix: "signet:"},
		Prompt: PromptConfig{
			Opener:          "browser",
			Width:           440,
			Height:          420,
			ScreenWidth:     1920,
			ScreenHeight:    1080,
			RetryDelay:      500 * time.Millisecond,
			PreviewMaxBytes: 4096,
		},
		Notifications: NotificationsConfig{PerMinute: 30},
		HTTP:          HTTPConfig{RateLimit: 20, Burst: 40},
		Log:           LogConfig{Level: "INFO", Format: "text"},
		Observability: *obs,
	}
}

// Load reads path (optional) over the defaults, applies the environment and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %q: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.fillDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"SIGNET_LISTEN":          &c.Listen,
		"SIGNET_BASE_URL":        &c.BaseURL,
		"SIGNET_DATA_DIR":        &c.DataDir,
		"SIGNET_STORAGE_BACKEND": &c.Storage.Backend,
		"SIGNET_STORAGE_PATH":    &c.Storage.Path,
		"SIGNET_REDIS_ADDR":      &c.Storage.RedisAddr,
		"SIGNET_REDIS_PASSWORD":  &c.Storage.RedisPassword,
		"SIGNET_POSTGRES_DSN":    &c.Storage.PostgresDSN,
		"SIGNET_KEYSTORE_PATH":   &c.KeystorePath,
		"SIGNET_PROMPT_OPENER":   &c.Prompt.Opener,
		"SIGNET_LOG_LEVEL":       &c.Log.Level,
		"SIGNET_LOG_FORMAT":      &c.Log.Format,
		"SIGNET_OTLP_ENDPOINT":   &c.Observability.OTLPEndpoint,

		"SIGNET_MANAGEMENT_TOKEN": &c.HTTP.ManagementToken,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	if v, ok := lookup("SIGNET_OTLP_ENDPOINT"); ok && v != "" {
		c.Observability.Enabled = true
	}
	if v, ok := lookup("SIGNET_REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SIGNET_REDIS_DB: %w", err)
		}
		c.Storage.RedisDB = n
	}
	if v, ok := lookup("SIGNET_PROMPT_RETRY_DELAY"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SIGNET_PROMPT_RETRY_DELAY: %w", err)
		}
		c.Prompt.RetryDelay = d
	}
	return nil
}

func (c *Config) fillDerived() {
	if c.BaseURL == "" {
		c.BaseURL = "http://" + c.Listen
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Storage.Path == "" {
		switch c.Storage.Backend {
		case "sqlite":
			c.Storage.Path = filepath.Join(c.DataDir, "settings.db")
		case "", "file":
			c.Storage.Path = filepath.Join(c.DataDir, "settings.json")
		}
	}
	if c.KeystorePath == "" {
		c.KeystorePath = filepath.Join(c.DataDir, "keystore.json")
	}
}

// Validate checks the version range and field values.
func (c *Config) Validate() error {
	v, err := semver.NewVersion(c.Version)
	if err != nil {
		return fmt.Errorf("config version %q: %w", c.Version, err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(v) {
		return fmt.Errorf("config version %s not in supported range %s", v, SupportedVersions)
	}

	switch c.Storage.Backend {
	case "", "file", "sqlite", "postgres", "redis", "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "redis" && c.Storage.RedisAddr == "" {
		return errors.New("storage.redis_addr is required for the redis backend")
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresDSN == "" {
		return errors.New("storage.postgres_dsn is required for the postgres backend")
	}
	switch c.Prompt.Opener {
	case "browser", "headless":
	default:
		return fmt.Errorf("unknown prompt opener %q", c.Prompt.Opener)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Prompt.RetryDelay < 0 {
		return errors.New("prompt.retry_delay must not be negative")
	}
	return nil
}
