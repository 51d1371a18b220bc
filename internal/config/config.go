// Package config handles Quotient configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/quotient/config.yaml, /etc/quotient/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "quotient", "config.yaml"))
	}

	paths = append(paths, "/etc/quotient/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Quotient configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Auth     AuthConfig     `yaml:"auth"`
	Model    ModelConfig    `yaml:"model"`
	Catalog  CatalogConfig  `yaml:"catalog"`
	Rates    RatesConfig    `yaml:"rates"`
	Search   SearchConfig   `yaml:"search"`
	Sessions SessionsConfig `yaml:"sessions"`
	Outbound OutboundConfig `yaml:"outbound"`
	LogLevel string         `yaml:"log_level"`
	LogJSON  bool           `yaml:"log_json"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AuthConfig defines the shared-secret credential for the admin surface.
type AuthConfig struct {
	// APIKey is compared against the x-api-key request header.
	// If empty, the admin endpoints refuse all requests.
	APIKey string `yaml:"api_key"`
}

// ModelConfig defines the language-model backend connection.
type ModelConfig struct {
	BaseURL   string  `yaml:"base_url"` // OpenAI-compatible endpoint root
	APIKey    string  `yaml:"api_key"`
	Name      string  `yaml:"name"`               // e.g. gpt-4o
	MaxSteps  int     `yaml:"max_steps"`          // reasoning loop bound (default 8)
	RateLimit float64 `yaml:"requests_per_second"` // outbound request rate; 0 = unlimited
}

// CatalogConfig defines the pricing catalog content store.
type CatalogConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	PageID  string `yaml:"page_id"`
}

// RatesConfig defines the exchange-rate provider.
type RatesConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// SearchConfig defines web search providers.
type SearchConfig struct {
	// Primary selects the default provider ("brave" or "searxng").
	Primary string `yaml:"primary"`
	Brave   struct {
		APIKey string `yaml:"api_key"`
	} `yaml:"brave"`
	SearXNG struct {
		URL string `yaml:"url"`
	} `yaml:"searxng"`
}

// SessionsConfig defines conversation session behavior.
type SessionsConfig struct {
	// MaxTurns caps the per-session history length (oldest trimmed first).
	MaxTurns int `yaml:"max_turns"`
	// IdleTimeoutMin evicts sessions inactive beyond this many minutes.
	// Zero disables eviction.
	IdleTimeoutMin int `yaml:"idle_timeout_min"`
	// DropOnDisconnect clears a session when its WebSocket closes.
	// Default false: sessions survive disconnects so clients can reconnect
	// with the same id.
	DropOnDisconnect bool `yaml:"drop_on_disconnect"`
	// ArchivePath is the SQLite file for the turn archive. Empty disables archiving.
	ArchivePath string `yaml:"archive_path"`
}

// IdleTimeout returns the idle eviction threshold as a duration.
func (s SessionsConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMin) * time.Minute
}

// OutboundConfig bounds outbound connection fan-out during traffic spikes.
type OutboundConfig struct {
	// MaxConcurrent caps in-flight outbound HTTP requests across all
	// adapters. Zero means no cap.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080},
		Model: ModelConfig{
			BaseURL:  "https://api.openai.com/v1",
			Name:     "gpt-4o",
			MaxSteps: 8,
		},
		Catalog: CatalogConfig{
			BaseURL: "https://api.notion.com/v1",
		},
		Rates: RatesConfig{
			BaseURL: "https://v6.exchangerate-api.com/v6",
		},
		Search: SearchConfig{Primary: "brave"},
		Sessions: SessionsConfig{
			MaxTurns:       200,
			IdleTimeoutMin: 120,
		},
		Outbound: OutboundConfig{MaxConcurrent: 32},
	}
}
