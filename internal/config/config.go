package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the provider node configuration
type Config struct {
	Gateway struct {
		URL    string `yaml:"url"`    // Gateway base URL (e.g., https://comfyclaw.app)
		APIKey string `yaml:"api_key"` // Provider API key (ccn_sk_...)
	} `yaml:"gateway"`

	Store struct {
		Path string `yaml:"path"` // JSON config store path (servers/workflows/templates)
	} `yaml:"store"`

	History struct {
		Path string `yaml:"path"` // SQLite job history path (default: ./data/history.db)
	} `yaml:"history"`

	Dashboard struct {
		Enabled bool   `yaml:"enabled"` // Whether to enable the dashboard (default: false)
		Address string `yaml:"address"` // Dashboard server address (default: :8787)
	} `yaml:"dashboard"`

	Provider struct {
		Workflows []string `yaml:"workflows"` // Workflow IDs to offer (default: all published)
	} `yaml:"provider"`
}

// Load reads the configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Validate required fields
	if cfg.Gateway.URL == "" {
		return nil, fmt.Errorf("gateway.url is required")
	}
	if cfg.Gateway.APIKey == "" {
		return nil, fmt.Errorf("gateway.api_key is required")
	}
	if cfg.Store.Path == "" {
		return nil, fmt.Errorf("store.path is required")
	}

	if cfg.History.Path == "" {
		cfg.History.Path = "./data/history.db"
	}
	if cfg.Dashboard.Address == "" {
		cfg.Dashboard.Address = ":8787"
	}

	return &cfg, nil
}
