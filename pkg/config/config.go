// Package config loads and validates the server configuration from file,
// environment, and defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete server configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (VELD_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Storage Configuration Pattern:
// Each storage backend defines its own configuration type and factory.
// The Config struct contains type-specific sections (storage.jsonfile,
// storage.memory, storage.badger) and only the section matching the
// selected type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains the LDAP frontend settings
	Server ServerConfig `mapstructure:"server"`

	// Storage specifies the directory backend and its configuration
	Storage StorageConfig `mapstructure:"storage"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains the LDAP frontend settings.
type ServerConfig struct {
	// Listen is the TCP address to bind, e.g. "0.0.0.0:389"
	Listen string `mapstructure:"listen" validate:"required"`

	// MaxConnections caps simultaneously served clients. 0 means
	// unlimited.
	MaxConnections int `mapstructure:"max_connections" validate:"gte=0"`

	// RequestsPerSecond rate-limits messages per connection. 0 disables
	// limiting.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`

	// RequestBurst is the rate limiter burst size
	RequestBurst int `mapstructure:"request_burst" validate:"gte=0"`

	// WriteTarget names the source file that LDAP write operations go
	// to. Required with the jsonfile backend when several sources are
	// configured.
	WriteTarget string `mapstructure:"write_target"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`
}

// StorageConfig specifies the directory backend configuration.
//
// The Type field determines which backend is used. Only the corresponding
// type-specific section is read.
type StorageConfig struct {
	// Type specifies which backend to use
	// Valid values: jsonfile, memory, badger
	Type string `mapstructure:"type" validate:"required,oneof=jsonfile memory badger"`

	// Jsonfile contains federated JSON file backend configuration
	// Only used when Type = "jsonfile"
	Jsonfile map[string]any `mapstructure:"jsonfile"`

	// Memory contains in-memory backend configuration
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory"`

	// Badger contains BadgerDB backend configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (VELD_*)
//  2. Configuration file
//  3. Default values
//
// An empty configPath uses the default location and tolerates a missing
// file.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures environment variables and config file discovery.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the VELD_ prefix and underscores.
	// Example: VELD_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("VELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. A missing
// file is acceptable; defaults apply. Viper reports a missing file two
// ways depending on whether the path was explicit or discovered.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path. Uses
// XDG_CONFIG_HOME if set, otherwise ~/.config, falling back to the
// current directory.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "veld")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "veld")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
