// Package config handles application settings loading.
//
// Settings are the machine-level knobs (which device, where the rules
// file lives, log level); the remapping rules themselves use the text
// grammar handled by the rules package.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	KeyboardDevice string `yaml:"keyboard_device"`
	RulesFile      string `yaml:"rules_file"`
	LogLevel       string `yaml:"log_level"`
	Tray           bool   `yaml:"tray"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Tray:     true,
	}
}

// Load reads settings from the specified path or the default locations.
// A missing file is not an error; defaults are returned.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Search paths in order of priority
	searchPaths := []string{}

	if configPath != "" {
		searchPaths = append(searchPaths, configPath)
	}

	// User config directory (use SUDO_USER if running as root via sudo)
	if sudoUser := os.Getenv("SUDO_USER"); sudoUser != "" {
		searchPaths = append(searchPaths, filepath.Join("/home", sudoUser, ".config", "keyshift", "config.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "keyshift", "config.yaml"))
	}

	// System config directory
	searchPaths = append(searchPaths, "/etc/keyshift/config.yaml")

	for _, path := range searchPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
		break
	}

	return cfg, nil
}
