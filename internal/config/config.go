package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server struct {
		Port      string `json:"port" yaml:"port"`
		StaticDir string `json:"static_dir" yaml:"static_dir"`
		Debug     bool   `json:"debug" yaml:"debug"`
	} `json:"server" yaml:"server"`

	Log struct {
		Mode string `json:"mode" yaml:"mode"` // "dev" or "prod"
	} `json:"log" yaml:"log"`

	Database struct {
		Path string `json:"path" yaml:"path"`
	} `json:"database" yaml:"database"`

	Cache struct {
		Type      string `json:"type" yaml:"type"` // "sqlite", "redis" or "memory"
		Key       string `json:"key" yaml:"key"`
		RedisAddr string `json:"redis_addr" yaml:"redis_addr"`
	} `json:"cache" yaml:"cache"`

	Remote struct {
		DSN string `json:"dsn" yaml:"dsn"` // empty disables the remote store
	} `json:"remote" yaml:"remote"`

	Auth struct {
		JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
		Issuer    string `json:"issuer" yaml:"issuer"`
	} `json:"auth" yaml:"auth"`

	Products struct {
		BaseURL   string `json:"base_url" yaml:"base_url"`
		UserAgent string `json:"user_agent" yaml:"user_agent"`
	} `json:"products" yaml:"products"`

	ML struct {
		Type       string `json:"type" yaml:"type"` // "local" or "google"
		ConfigPath string `json:"config_path" yaml:"config_path"`
	} `json:"ml" yaml:"ml"`

	Tracing struct {
		Enabled     bool    `json:"enabled" yaml:"enabled"`
		ServiceName string  `json:"service_name" yaml:"service_name"`
		SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio"`
	} `json:"tracing" yaml:"tracing"`

	Scan struct {
		HistoryCap        int `json:"history_cap" yaml:"history_cap"`
		CooldownMS        int `json:"cooldown_ms" yaml:"cooldown_ms"`
		LookupTimeoutMS   int `json:"lookup_timeout_ms" yaml:"lookup_timeout_ms"`
		AnalysisTimeoutMS int `json:"analysis_timeout_ms" yaml:"analysis_timeout_ms"`
		StoreTimeoutMS    int `json:"store_timeout_ms" yaml:"store_timeout_ms"`
		// SyncIntervalS is how often pending records are pushed to the
		// remote store while someone is signed in.
		SyncIntervalS int `json:"sync_interval_s" yaml:"sync_interval_s"`
	} `json:"scan" yaml:"scan"`
}

// LoadConfig loads configuration from a JSON or YAML file. A missing file is
// not an error: defaults and environment variables are applied instead.
func LoadConfig(configPath string) (*Config, error) {
	var config Config

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := decode(configPath, data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	applyEnv(&config)
	applyDefaults(&config)
	return &config, nil
}

// Validate checks the settings the websocket server cannot run without.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is not set in config file")
	}
	return nil
}

func decode(path string, data []byte, out *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, out)
	default:
		return json.Unmarshal(data, out)
	}
}

func applyEnv(c *Config) {
	if v := os.Getenv("HEALTHSCAN_PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("HEALTHSCAN_LOG_MODE"); v != "" {
		c.Log.Mode = v
	}
	if v := os.Getenv("HEALTHSCAN_REMOTE_DSN"); v != "" {
		c.Remote.DSN = v
	}
	if v := os.Getenv("HEALTHSCAN_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("HEALTHSCAN_REDIS_ADDR"); v != "" {
		c.Cache.RedisAddr = v
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv("OTEL_ENABLED"))) {
	case "1", "true", "yes", "on":
		c.Tracing.Enabled = true
	}
}

func applyDefaults(c *Config) {
	if c.Server.StaticDir == "" {
		c.Server.StaticDir = "./static"
	}
	if c.Log.Mode == "" {
		c.Log.Mode = "dev"
	}
	if c.Database.Path == "" {
		c.Database.Path = "healthscan.db"
	}
	if c.Cache.Type == "" {
		c.Cache.Type = "sqlite"
	}
	if c.Cache.Key == "" {
		c.Cache.Key = "scan_history"
	}
	if c.Products.BaseURL == "" {
		c.Products.BaseURL = "https://world.openfoodfacts.org/api/v0"
	}
	if c.Products.UserAgent == "" {
		c.Products.UserAgent = "healthscan/1.0"
	}
	if c.ML.Type == "" {
		c.ML.Type = "local"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "healthscan"
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	if c.Scan.HistoryCap <= 0 {
		c.Scan.HistoryCap = 100
	}
	if c.Scan.CooldownMS <= 0 {
		c.Scan.CooldownMS = 1000
	}
	if c.Scan.LookupTimeoutMS <= 0 {
		c.Scan.LookupTimeoutMS = 10_000
	}
	if c.Scan.AnalysisTimeoutMS <= 0 {
		c.Scan.AnalysisTimeoutMS = 30_000
	}
	if c.Scan.StoreTimeoutMS <= 0 {
		c.Scan.StoreTimeoutMS = 5_000
	}
	if c.Scan.SyncIntervalS <= 0 {
		c.Scan.SyncIntervalS = 300
	}
}

func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Scan.CooldownMS) * time.Millisecond
}

func (c *Config) LookupTimeout() time.Duration {
	return time.Duration(c.Scan.LookupTimeoutMS) * time.Millisecond
}

func (c *Config) AnalysisTimeout() time.Duration {
	return time.Duration(c.Scan.AnalysisTimeoutMS) * time.Millisecond
}

func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Scan.StoreTimeoutMS) * time.Millisecond
}

func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Scan.SyncIntervalS) * time.Second
}

// GetConfigPath returns the path to the configuration file
func GetConfigPath() string {
	// First try environment variable
	if path := os.Getenv("HEALTHSCAN_CONFIG"); path != "" {
		return path
	}

	// Then try config directory
	configDir := "config"
	if _, err := os.Stat(configDir); err == nil {
		return filepath.Join(configDir, "config.json")
	}

	// Finally, try current directory
	return "config.json"
}
