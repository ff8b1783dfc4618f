package config

import (
	"fmt"
	"os"
)

// EnvConfigPath names the environment variable consulted when no --config
// flag is given.
const EnvConfigPath = "RELAY_CONFIG"

// DefaultConfigFile is looked up in the working directory last.
const DefaultConfigFile = "relay.yaml"

// Discover resolves the config file to load.
// Priority order: explicit path, $RELAY_CONFIG, ./relay.yaml.
// An empty result with nil error means built-in defaults apply.
func Discover(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	if path := os.Getenv(EnvConfigPath); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("$%s points to missing file: %s", EnvConfigPath, path)
		}
		return path, nil
	}

	if _, err := os.Stat(DefaultConfigFile); err == nil {
		return DefaultConfigFile, nil
	}
	return "", nil
}

// LoadOrDefault discovers and loads the config, falling back to Defaults
// when no file is found.
func LoadOrDefault(explicit string) (*Config, error) {
	path, err := Discover(explicit)
	if err != nil {
		return nil, err
	}
	if path == "" {
		cfg := Defaults()
		if err := validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return Load(path)
}
