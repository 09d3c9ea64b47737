package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig holds audit store configuration
type StorageConfig struct {
	// DatabasePath is the SQLite file holding the audit log
	DatabasePath string `yaml:"database_path"`

	// BackupDir receives pre-reset snapshots
	BackupDir string `yaml:"backup_dir"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "5001",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			DatabasePath: "audit_tracker.db",
			BackupDir:    "backups",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds configuration from defaults, an optional YAML file, and
// AUDIT_-prefixed environment overrides, in that order
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnv layers environment overrides on top of file/default values
func (c *Config) applyEnv() {
	c.Server.Host = getEnv("AUDIT_HOST", c.Server.Host)
	c.Server.Port = getEnv("AUDIT_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvDuration("AUDIT_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("AUDIT_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvDuration("AUDIT_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownTimeout = getEnvDuration("AUDIT_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Storage.DatabasePath = getEnv("AUDIT_DATABASE_PATH", c.Storage.DatabasePath)
	c.Storage.BackupDir = getEnv("AUDIT_BACKUP_DIR", c.Storage.BackupDir)

	c.Logging.Level = getEnv("AUDIT_LOG_LEVEL", c.Logging.Level)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("audit database path is required")
	}
	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
