package ml

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// BaseConfig provides common configuration functionality
type BaseConfig struct {
	ConfigPath string `json:"-"`
}

// LoadConfig loads configuration from a file, falling back to environment
// variables. It reports where the values came from: the file path, or "env".
func (c *BaseConfig) LoadConfig(configPath string, envPrefix string, config interface{}) (string, error) {
	// An explicit path must be readable
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return "", fmt.Errorf("read %s config: %w", envPrefix, err)
		}
		if err := json.Unmarshal(data, config); err != nil {
			return "", fmt.Errorf("parse %s config: %w", envPrefix, err)
		}
		return configPath, nil
	}

	// Try default config file in config directory
	defaultPath := filepath.Join("config", fmt.Sprintf("%s.json", envPrefix))
	if data, err := os.ReadFile(defaultPath); err == nil {
		if err := json.Unmarshal(data, config); err == nil {
			return defaultPath, nil
		}
	}

	// Fall back to environment variables
	return "env", nil
}
