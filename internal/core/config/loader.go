package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/pixelforge/conductor/internal/infra/comfy"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Backend.BaseURL == "" {
		return nil, fmt.Errorf("backend.base_url is required")
	}

	// Set defaults if necessary
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Backend.Retry.MaxRetries == 0 && cfg.Backend.Retry.BaseDelay == 0 {
		cfg.Backend.Retry = comfy.DefaultRetryConfig
	}
	if cfg.Backend.Breaker.FailureThreshold == 0 {
		cfg.Backend.Breaker = comfy.DefaultBreakerConfig
	}
	if cfg.Backend.Pool.MaxReconnectAttempts == 0 {
		pool := comfy.DefaultPoolConfig
		pool.URL = cfg.Backend.Pool.URL
		cfg.Backend.Pool = pool
	}

	return &cfg, nil
}
