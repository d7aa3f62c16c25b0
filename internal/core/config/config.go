package config

import (
	comfyclient "github.com/pixelforge/conductor/internal/infra/comfy"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server  ServerConfig       `yaml:"server"`
	Backend comfyclient.Config `yaml:"backend"`
	Logging LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds the metrics/health HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}
