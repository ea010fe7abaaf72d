// Package config resolves the loom home directory and loads the YAML
// configuration file that selects providers and carries their credentials.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the contents of <home>/config.yaml. Zero values are valid;
// every field has a sensible default or disables the provider it backs.
type Config struct {
	// PreferredProvider is the identifier the router selects first.
	// Stale or unknown identifiers fall back to the first registered
	// provider.
	PreferredProvider string `yaml:"preferred_provider"`

	CLI struct {
		// Binary is the agent CLI executable name or path. Defaults to
		// "claude".
		Binary string `yaml:"binary"`
	} `yaml:"cli"`

	Direct struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"` // default https://api.anthropic.com
		Model   string `yaml:"model"`
	} `yaml:"direct"`

	Remote struct {
		URL    string `yaml:"url"`
		Secret string `yaml:"secret"`
	} `yaml:"remote"`

	Server struct {
		Addr   string `yaml:"addr"`   // default :3737
		Secret string `yaml:"secret"` // shared secret for /api endpoints
	} `yaml:"server"`
}

// Path returns the config file location under home.
func Path(home string) string {
	return filepath.Join(home, "config.yaml")
}

// Load reads the config file under home. A missing file yields defaults,
// not an error; a malformed file is an error.
func Load(home string) (*Config, error) {
	cfg := &Config{}
	b, err := os.ReadFile(Path(home))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", Path(home), err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the config file under home, creating the directory if needed.
func Save(home string, cfg *Config) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(Path(home), b, 0o600)
}

func (c *Config) applyDefaults() {
	if c.CLI.Binary == "" {
		c.CLI.Binary = "claude"
	}
	if c.Direct.BaseURL == "" {
		c.Direct.BaseURL = "https://api.anthropic.com"
	}
	if c.Direct.Model == "" {
		c.Direct.Model = "claude-sonnet-4-20250514"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":3737"
	}
	// Env overrides for credentials, so secrets can stay out of the file.
	if v := os.Getenv("LOOM_API_KEY"); v != "" {
		c.Direct.APIKey = v
	}
	if v := os.Getenv("LOOM_REMOTE_SECRET"); v != "" {
		c.Remote.Secret = v
	}
	if v := os.Getenv("LOOM_SERVER_SECRET"); v != "" {
		c.Server.Secret = v
	}
}
