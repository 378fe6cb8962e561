// File path: internal/warehouse/config.go
package warehouse

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config controls how the warehouse client pages queries and manages its
// HTTP connections.
type Config struct {
	BaseURL string `json:"base_url"`

	PageSize    int `json:"page_size"`
	MaxParallel int `json:"max_parallel"`
	MaxRetries  int `json:"max_retries"`

	Timeout       time.Duration `json:"-"`
	TimeoutString string        `json:"timeout"`

	HTTPMaxIdleConns       int           `json:"http_max_idle_conns"`
	HTTPMaxIdlePerHost     int           `json:"http_max_idle_per_host"`
	HTTPIdleConnTimeout    time.Duration `json:"-"`
	HTTPIdleConnTimeoutStr string        `json:"http_idle_conn_timeout"`
}

func (c Config) Merge(override Config) Config {
	result := c
	if strings.TrimSpace(override.BaseURL) != "" {
		result.BaseURL = strings.TrimSpace(override.BaseURL)
	}
	if override.PageSize > 0 {
		result.PageSize = override.PageSize
	}
	if override.MaxParallel > 0 {
		result.MaxParallel = override.MaxParallel
	}
	if override.MaxRetries > 0 {
		result.MaxRetries = override.MaxRetries
	}
	if override.Timeout > 0 {
		result.Timeout = override.Timeout
	}
	if strings.TrimSpace(override.TimeoutString) != "" {
		result.TimeoutString = strings.TrimSpace(override.TimeoutString)
	}
	if override.HTTPMaxIdleConns > 0 {
		result.HTTPMaxIdleConns = override.HTTPMaxIdleConns
	}
	if override.HTTPMaxIdlePerHost > 0 {
		result.HTTPMaxIdlePerHost = override.HTTPMaxIdlePerHost
	}
	if override.HTTPIdleConnTimeout > 0 {
		result.HTTPIdleConnTimeout = override.HTTPIdleConnTimeout
	}
	if strings.TrimSpace(override.HTTPIdleConnTimeoutStr) != "" {
		result.HTTPIdleConnTimeoutStr = strings.TrimSpace(override.HTTPIdleConnTimeoutStr)
	}
	return result
}

func LoadConfig() (Config, error) {
	cfg := Config{}
	if path := strings.TrimSpace(os.Getenv("NEUROPIL_WAREHOUSE_CONFIG_FILE")); path != "" {
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
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = "http://api.brain-map.org"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.PageSize <= 0 {
		c.PageSize = 2000
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 4
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Timeout <= 0 {
		if c.TimeoutString != "" {
			if parsed, err := time.ParseDuration(c.TimeoutString); err == nil {
				c.Timeout = parsed
			}
		}
		if c.Timeout <= 0 {
			c.Timeout = 60 * time.Second
		}
	}
	if c.HTTPMaxIdleConns <= 0 {
		c.HTTPMaxIdleConns = 32
	}
	if c.HTTPMaxIdlePerHost <= 0 {
		c.HTTPMaxIdlePerHost = 8
	}
	if c.HTTPIdleConnTimeout <= 0 {
		if c.HTTPIdleConnTimeoutStr != "" {
			if parsed, err := time.ParseDuration(c.HTTPIdleConnTimeoutStr); err == nil {
				c.HTTPIdleConnTimeout = parsed
			}
		}
		if c.HTTPIdleConnTimeout <= 0 {
			c.HTTPIdleConnTimeout = 90 * time.Second
		}
	}
}

func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("read warehouse config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse warehouse config: %w", err)
	}
	return cfg, nil
}

func loadConfigEnv() (Config, error) {
	cfg := Config{}
	if base := strings.TrimSpace(os.Getenv("NEUROPIL_WAREHOUSE_URL")); base != "" {
		cfg.BaseURL = base
	}
	if size := strings.TrimSpace(os.Getenv("NEUROPIL_WAREHOUSE_PAGE_SIZE")); size != "" {
		value, err := strconv.Atoi(size)
		if err != nil {
			return Config{}, fmt.Errorf("parse NEUROPIL_WAREHOUSE_PAGE_SIZE: %w", err)
		}
		if value > 0 {
			cfg.PageSize = value
		}
	}
	if parallel := strings.TrimSpace(os.Getenv("NEUROPIL_WAREHOUSE_MAX_PARALLEL")); parallel != "" {
		value, err := strconv.Atoi(parallel)
		if err != nil {
			return Config{}, fmt.Errorf("parse NEUROPIL_WAREHOUSE_MAX_PARALLEL: %w", err)
		}
		if value > 0 {
			cfg.MaxParallel = value
		}
	}
	if retries := strings.TrimSpace(os.Getenv("NEUROPIL_WAREHOUSE_MAX_RETRIES")); retries != "" {
		value, err := strconv.Atoi(retries)
		if err != nil {
			return Config{}, fmt.Errorf("parse NEUROPIL_WAREHOUSE_MAX_RETRIES: %w", err)
		}
		if value > 0 {
			cfg.MaxRetries = value
		}
	}
	if timeout := strings.TrimSpace(os.Getenv("NEUROPIL_WAREHOUSE_TIMEOUT")); timeout != "" {
		cfg.TimeoutString = timeout
		if parsed, err := time.ParseDuration(timeout); err == nil {
			cfg.Timeout = parsed
		}
	}
	if maxIdle := strings.TrimSpace(os.Getenv("NEUROPIL_WAREHOUSE_HTTP_MAX_IDLE_CONNS")); maxIdle != "" {
		value, err := strconv.Atoi(maxIdle)
		if err != nil {
			return Config{}, fmt.Errorf("parse NEUROPIL_WAREHOUSE_HTTP_MAX_IDLE_CONNS: %w", err)
		}
		if value > 0 {
			cfg.HTTPMaxIdleConns = value
		}
	}
	if maxIdleHost := strings.TrimSpace(os.Getenv("NEUROPIL_WAREHOUSE_HTTP_MAX_IDLE_PER_HOST")); maxIdleHost != "" {
		value, err := strconv.Atoi(maxIdleHost)
		if err != nil {
			return Config{}, fmt.Errorf("parse NEUROPIL_WAREHOUSE_HTTP_MAX_IDLE_PER_HOST: %w", err)
		}
		if value > 0 {
			cfg.HTTPMaxIdlePerHost = value
		}
	}
	if idleTimeout := strings.TrimSpace(os.Getenv("NEUROPIL_WAREHOUSE_HTTP_IDLE_CONN_TIMEOUT")); idleTimeout != "" {
		cfg.HTTPIdleConnTimeoutStr = idleTimeout
		if parsed, err := time.ParseDuration(idleTimeout); err == nil {
			cfg.HTTPIdleConnTimeout = parsed
		}
	}
	return cfg, nil
}
