package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// TomlConfig carries relay settings loaded from an optional config file.
// Every field can also be set through a flag or environment variable, which
// take precedence over the file.
type TomlConfig struct {
	Port          int    `toml:"port"`
	HubPort       int    `toml:"hub_port"`
	HubURL        string `toml:"hub_url"`
	Database      string `toml:"database"`
	AllowedOrigin string `toml:"allowed_origin"`
	MaxEntries    int    `toml:"max_entries"`
}

func LoadConfig(path string) (*TomlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config TomlConfig
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}
