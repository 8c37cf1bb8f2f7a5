package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the stepdeck configuration
type Config struct {
	Title    string         `yaml:"title"`
	Deck     string         `yaml:"deck"` // Deck file, relative to the config directory
	Server   ServerConfig   `yaml:"server"`
	Sync     SyncConfig     `yaml:"sync"`
	Store    StoreConfig    `yaml:"store"`
	Features FeaturesConfig `yaml:"features"`
}

// ServerConfig configures the relay server
type ServerConfig struct {
	Port           int              `yaml:"port"`
	Host           string           `yaml:"host"`
	Debug          bool             `yaml:"debug"`
	AllowedOrigins []string         `yaml:"allowed_origins,omitempty"` // WebSocket origins; empty allows all
	RateLimit      *RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig limits inbound WebSocket messages per connection
type RateLimitConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second,omitempty"` // Default: 20
	Burst             int     `yaml:"burst,omitempty"`               // Default: 40
}

// SyncConfig configures presenter and follower clients
type SyncConfig struct {
	Room           string `yaml:"room"`
	Offset         int    `yaml:"offset"`          // NEXT transitions a follower stays ahead
	Initial        string `yaml:"initial"`         // Step to start on when no fragment is given
	ReconnectDelay string `yaml:"reconnect_delay"` // Initial backoff (e.g., "250ms"). Default: 250ms
	MaxReconnects  *int   `yaml:"max_reconnects,omitempty"`
}

// StoreConfig selects where the relay keeps each room's last position
type StoreConfig struct {
	Driver string `yaml:"driver"` // "memory", "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

// FeaturesConfig toggles optional behavior
type FeaturesConfig struct {
	HotReload    bool   `yaml:"hot_reload"`
	DeckCacheTTL string `yaml:"deck_cache_ttl"` // Default: 5m
}

// GetMessagesPerSecond returns the per-connection message rate (default: 20)
func (c ServerConfig) GetMessagesPerSecond() float64 {
	if c.RateLimit == nil || c.RateLimit.MessagesPerSecond <= 0 {
		return 20
	}
	return c.RateLimit.MessagesPerSecond
}

// GetBurst returns the per-connection burst size (default: 40)
func (c ServerConfig) GetBurst() int {
	if c.RateLimit == nil || c.RateLimit.Burst <= 0 {
		return 40
	}
	return c.RateLimit.Burst
}

// Addr returns the listen address
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetRoom returns the room name (default: "default")
func (c SyncConfig) GetRoom() string {
	if c.Room == "" {
		return "default"
	}
	return c.Room
}

// GetOffset returns the follower offset, never negative
func (c SyncConfig) GetOffset() int {
	if c.Offset < 0 {
		return 0
	}
	return c.Offset
}

// GetReconnectDelay returns the initial reconnect backoff (default: 250ms)
func (c SyncConfig) GetReconnectDelay() time.Duration {
	if c.ReconnectDelay == "" {
		return 250 * time.Millisecond
	}
	d, err := time.ParseDuration(c.ReconnectDelay)
	if err != nil || d <= 0 {
		return 250 * time.Millisecond
	}
	return d
}

// GetMaxReconnects returns the reconnect attempt limit (default: 5, 0 disables retries)
func (c SyncConfig) GetMaxReconnects() int {
	if c.MaxReconnects == nil || *c.MaxReconnects < 0 {
		return 5
	}
	return *c.MaxReconnects
}

// GetDriver returns the store driver (default: "memory")
func (c StoreConfig) GetDriver() string {
	if c.Driver == "" {
		return "memory"
	}
	return c.Driver
}

// GetDeckCacheTTL returns how long a parsed deck is reused (default: 5m)
func (c FeaturesConfig) GetDeckCacheTTL() time.Duration {
	if c.DeckCacheTTL == "" {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(c.DeckCacheTTL)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// Validate checks values that have no sensible fallback
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Store.GetDriver() {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store.driver %q (want memory, sqlite or postgres)", c.Store.Driver)
	}
	return nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Title: "stepdeck",
		Deck:  "deck.md",
		Server: ServerConfig{
			Port:  8080,
			Host:  "localhost",
			Debug: false,
		},
		Sync: SyncConfig{
			Room: "default",
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Features: FeaturesConfig{
			HotReload: false,
		},
	}
}

// Load loads configuration from a YAML file
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return config, nil
}

// LoadFromDir looks for stepdeck.yaml, then stepdeck.yml, in the given directory.
// If neither is found, returns the default configuration
func LoadFromDir(dir string) (*Config, error) {
	for _, name := range []string{"stepdeck.yaml", "stepdeck.yml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return DefaultConfig(), nil
}

// DeckPath resolves the configured deck file against dir
func (c *Config) DeckPath(dir string) string {
	if filepath.IsAbs(c.Deck) {
		return c.Deck
	}
	return filepath.Join(dir, c.Deck)
}

// Save writes the configuration to a YAML file
func (c *Config) Save(configPath string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
