// Package config loads the offline proxy configuration from environment
// variables and an optional YAML manifest.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// Config is the proxy configuration.
type Config struct {
	OriginURL string `env:"OFFLINE_ORIGIN_URL,required"`
	Port      string `env:"OFFLINE_PORT" envDefault:"8080"`
	Version   string `env:"OFFLINE_VERSION" envDefault:"1"`
	UserAgent string `env:"OFFLINE_USER_AGENT" envDefault:"offline-cache/0.1.0"`

	Store      string `env:"OFFLINE_STORE" envDefault:"memory"`
	RedisURL   string `env:"REDIS_URL" envDefault:"localhost:6379"`
	SQLitePath string `env:"OFFLINE_SQLITE_PATH" envDefault:"offline-cache.db"`

	FetchTimeout time.Duration `env:"OFFLINE_FETCH_TIMEOUT" envDefault:"10s"`
	APIPrefix    string        `env:"OFFLINE_API_PREFIX" envDefault:"/api/"`
	ManifestPath string        `env:"OFFLINE_MANIFEST"`

	ResyncInterval    time.Duration `env:"OFFLINE_RESYNC_INTERVAL" envDefault:"30s"`
	ResyncMaxAttempts int           `env:"OFFLINE_RESYNC_MAX_ATTEMPTS" envDefault:"5"`
	RefreshLimit      int           `env:"OFFLINE_REFRESH_LIMIT" envDefault:"10"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
	LogFile   string `env:"LOG_FILE"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the proxy configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges and the store selection.
func (c Config) Validate() error {
	u, err := url.Parse(c.OriginURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("OFFLINE_ORIGIN_URL must be an absolute URL, got %q", c.OriginURL)
	}
	switch c.Store {
	case StoreMemory, StoreRedis, StoreSQLite:
	default:
		return fmt.Errorf("OFFLINE_STORE must be memory, redis or sqlite, got %q", c.Store)
	}
	if c.FetchTimeout <= 0 {
		return errors.New("OFFLINE_FETCH_TIMEOUT must be positive")
	}
	if c.ResyncInterval <= 0 {
		return errors.New("OFFLINE_RESYNC_INTERVAL must be positive")
	}
	if c.ResyncMaxAttempts <= 0 {
		return errors.New("OFFLINE_RESYNC_MAX_ATTEMPTS must be positive")
	}
	if c.Version == "" {
		return errors.New("OFFLINE_VERSION must not be empty")
	}
	return nil
}

// Manifest lists the install assets and the rule overrides of an application.
type Manifest struct {
	Precache          []string `yaml:"precache"`
	APIEndpoints      []string `yaml:"apiEndpoints"`
	MutationEndpoints []string `yaml:"mutationEndpoints"`
	StaticPages       []string `yaml:"staticPages"`
}

// LoadManifest reads a YAML manifest. An empty path yields an empty manifest.
func LoadManifest(filename string) (Manifest, error) {
	var manifest Manifest
	if filename == "" {
		return manifest, nil
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return manifest, fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return manifest, fmt.Errorf("parse manifest: %w", err)
	}
	return manifest, nil
}
