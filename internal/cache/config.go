// File path: internal/cache/config.go
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config controls where blobs live and how misses are downloaded.
type Config struct {
	Root string `json:"root"`

	MaxRetries int `json:"max_retries"`
	Workers    int `json:"workers"`

	RetryBackoff    time.Duration `json:"-"`
	RetryBackoffStr string        `json:"retry_backoff"`

	Timeout       time.Duration `json:"-"`
	TimeoutString string        `json:"timeout"`
}

func (c Config) Merge(override Config) Config {
	result := c
	if strings.TrimSpace(override.Root) != "" {
		result.Root = strings.TrimSpace(override.Root)
	}
	if override.MaxRetries > 0 {
		result.MaxRetries = override.MaxRetries
	}
	if override.Workers > 0 {
		result.Workers = override.Workers
	}
	if override.RetryBackoff > 0 {
		result.RetryBackoff = override.RetryBackoff
	}
	if strings.TrimSpace(override.RetryBackoffStr) != "" {
		result.RetryBackoffStr = strings.TrimSpace(override.RetryBackoffStr)
	}
	if override.Timeout > 0 {
		result.Timeout = override.Timeout
	}
	if strings.TrimSpace(override.TimeoutString) != "" {
		result.TimeoutString = strings.TrimSpace(override.TimeoutString)
	}
	return result
}

func LoadConfig() (Config, error) {
	cfg := Config{}
	if path := strings.TrimSpace(os.Getenv("NEUROPIL_CACHE_CONFIG_FILE")); path != "" {
		fileCfg, err := loadConfigFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = cfg.Merge(fileCfg)
	}
	envCfg, err := loadConfigEnv()
	if err != nil {
		return Config{}, err
	}
	cfg = cfg.Merge(envCfg)
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Root) == "" {
		c.Root = filepath.Join("data", "cache")
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RetryBackoff <= 0 {
		if c.RetryBackoffStr != "" {
			if parsed, err := time.ParseDuration(c.RetryBackoffStr); err == nil {
				c.RetryBackoff = parsed
			}
		}
		if c.RetryBackoff <= 0 {
			c.RetryBackoff = 250 * time.Millisecond
		}
	}
	if c.Timeout <= 0 {
		if c.TimeoutString != "" {
			if parsed, err := time.ParseDuration(c.TimeoutString); err == nil {
				c.Timeout = parsed
			}
		}
		if c.Timeout <= 0 {
			c.Timeout = 5 * time.Minute
		}
	}
}

func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("read cache config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse cache config: %w", err)
	}
	return cfg, nil
}

func loadConfigEnv() (Config, error) {
	cfg := Config{}
	if root := strings.TrimSpace(os.Getenv("NEUROPIL_CACHE_DIR")); root != "" {
		cfg.Root = root
	}
	if retries := strings.TrimSpace(os.Getenv("NEUROPIL_CACHE_MAX_RETRIES")); retries != "" {
		value, err := strconv.Atoi(retries)
		if err != nil {
			return Config{}, fmt.Errorf("parse NEUROPIL_CACHE_MAX_RETRIES: %w", err)
		}
		if value > 0 {
			cfg.MaxRetries = value
		}
	}
	if workers := strings.TrimSpace(os.Getenv("NEUROPIL_CACHE_WORKERS")); workers != "" {
		value, err := strconv.Atoi(workers)
		if err != nil {
			return Config{}, fmt.Errorf("parse NEUROPIL_CACHE_WORKERS: %w", err)
		}
		if value > 0 {
			cfg.Workers = value
		}
	}
	if backoff := strings.TrimSpace(os.Getenv("NEUROPIL_CACHE_RETRY_BACKOFF")); backoff != "" {
		cfg.RetryBackoffStr = backoff
		if parsed, err := time.ParseDuration(backoff); err == nil {
			cfg.RetryBackoff = parsed
		}
	}
	if timeout := strings.TrimSpace(os.Getenv("NEUROPIL_CACHE_TIMEOUT")); timeout != "" {
		cfg.TimeoutString = timeout
		if parsed, err := time.ParseDuration(timeout); err == nil {
			cfg.Timeout = parsed
		}
	}
	return cfg, nil
}
