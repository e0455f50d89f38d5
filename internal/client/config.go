package client

import (
	"fmt"
	"os"
	"path/filepath"

	"corral/pkg/protocol"

	"github.com/BurntSushi/toml"
)

// Config is the CLI configuration file.
type Config struct {
	API    APIConfig    `toml:"api"`
	Output OutputConfig `toml:"output"`
	Create CreateConfig `toml:"create"`
}

// APIConfig selects the server.
type APIConfig struct {
	BaseURL string `toml:"base_url"`
}

// OutputConfig selects the default output format.
type OutputConfig struct {
	Format string `toml:"format"`
}

// CreateConfig holds defaults for new instances.
type CreateConfig struct {
	RDPPassword string `toml:"rdp_password,omitempty"`
}

// DefaultConfig returns the built-in CLI configuration.
func DefaultConfig() Config {
	return Config{
		API:    APIConfig{BaseURL: protocol.DefaultAPIURL},
		Output: OutputConfig{Format: "table"},
	}
}

// ConfigPath returns $XDG_CONFIG_HOME/corral/config.toml, or the platform
// equivalent.
func ConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("determine config directory: %w", err)
	}
	return filepath.Join(dir, "corral", "config.toml"), nil
}

// LoadConfig reads the CLI configuration at path. Empty fields keep their
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parse config file %s: %w", path, err)
	}
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = protocol.DefaultAPIURL
	}
	if cfg.Output.Format == "" {
		cfg.Output.Format = "table"
	}
	return cfg, nil
}

// LoadDefaultConfig loads the file at ConfigPath. A missing or invalid file
// yields the defaults.
func LoadDefaultConfig() Config {
	path, err := ConfigPath()
	if err != nil {
		return DefaultConfig()
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// SaveConfig writes cfg to path, creating the directory if needed.
func SaveConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		f.Close()
		return fmt.Errorf("encode config: %w", err)
	}
	return f.Close()
}
