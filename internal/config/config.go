// Package config provides configuration loading and structs for the embedd server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug    bool           `yaml:"debug"`
	Server   ServerConfig   `yaml:"server"`
	Models   ModelsConfig   `yaml:"models"`
	Cache    CacheConfig    `yaml:"cache"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Engine   EngineConfig   `yaml:"engine"`
	Storage  StorageConfig  `yaml:"storage"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Warmup   WarmupConfig   `yaml:"warmup"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host      string          `yaml:"host"`
	Port      int             `yaml:"port"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// CORSConfig holds CORS settings; enabled defaults to true when unset.
type CORSConfig struct {
	Enabled *bool    `yaml:"enabled"`
	Origins []string `yaml:"origins"`
}

// EnabledOrDefault returns whether CORS is enabled; defaults to true.
func (c *CORSConfig) EnabledOrDefault() bool {
	if c.Enabled != nil {
		return *c.Enabled
	}
	return true
}

// RateLimitConfig holds per-IP rate limiting settings (off by default).
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// ModelsConfig lists required (warm-up) and allowed models. An empty allowed
// list permits any model.
type ModelsConfig struct {
	Required []string `yaml:"required"`
	Allowed  []string `yaml:"allowed"`
}

// CacheConfig holds model cache limits.
type CacheConfig struct {
	TTLSeconds           int `yaml:"ttl_seconds"`
	MaxModels            int `yaml:"max_models"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

// TTL returns the idle expiry as a duration.
func (c *CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// SweepInterval returns the sweep interval as a duration.
func (c *CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// DispatchConfig holds request dispatch limits.
type DispatchConfig struct {
	Workers               int `yaml:"workers"`
	MaxTextLength         int `yaml:"max_text_length"`
	MaxBatchSize          int `yaml:"max_batch_size"`
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// RequestTimeout returns the per-request deadline as a duration.
func (c *DispatchConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// EngineConfig holds embedding engine settings.
type EngineConfig struct {
	Type       string                   `yaml:"type"` // onnx | mock
	ModelDir   string                   `yaml:"model_dir"`
	Dimensions int                      `yaml:"dimensions"`
	MaxTokens  int                      `yaml:"max_tokens"`
	Models     map[string]ModelOverride `yaml:"models"`
}

// ModelOverride sets per-model artifact file and dimension.
type ModelOverride struct {
	File       string `yaml:"file"`
	Dimensions int    `yaml:"dimensions"`
}

// StorageConfig holds the load-audit database path. Empty disables auditing.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// MetricsConfig gates the /metrics endpoint; enabled defaults to true.
type MetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// EnabledOrDefault returns whether metrics are enabled; defaults to true.
func (c *MetricsConfig) EnabledOrDefault() bool {
	if c.Enabled != nil {
		return *c.Enabled
	}
	return true
}

// WarmupConfig holds warm-up settings.
type WarmupConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// Load reads and parses the config file at path, expands paths, and applies
// defaults. Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Engine.ModelDir = expandPath(cfg.Engine.ModelDir, configDir)
	if cfg.Storage.DatabasePath != "" {
		cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	}

	return &cfg, nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative
// to configDir; other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
