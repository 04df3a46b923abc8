// Package config loads pgshovel configuration from file, environment, and flags.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the full pgshovel configuration.
type Config struct {
	Source      PostgreSQLConfig `mapstructure:"source"`
	Destination PostgreSQLConfig `mapstructure:"destination"`
	Dump        DumpConfig       `mapstructure:"dump"`
	Log         LogConfig        `mapstructure:"log"`
}

// PostgreSQLConfig holds connection configuration for one side of the pipeline.
type PostgreSQLConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Database        string `mapstructure:"database"`
	User            string `mapstructure:"user"`
	PasswordCommand string `mapstructure:"password_command"`
	SSLMode         string `mapstructure:"sslmode"`
}

// ConnectionParams returns the connection parameters with defaults applied.
func (c *PostgreSQLConfig) ConnectionParams() (host string, port int, database, user, passwordCommand, sslmode string) {
	host = c.Host
	if host == "" {
		host = "localhost"
	}

	port = c.Port
	if port == 0 {
		port = 5432
	}

	database = c.Database
	if database == "" {
		database = "postgres"
	}

	user = c.User
	if user == "" {
		user = "postgres"
	}

	passwordCommand = c.PasswordCommand

	sslmode = c.SSLMode
	if sslmode == "" {
		sslmode = "prefer"
	}

	return
}

// DumpConfig holds dump pipeline configuration.
type DumpConfig struct {
	Table              string `mapstructure:"table"`
	KeyColumn          string `mapstructure:"key_column"`
	Workers            int    `mapstructure:"workers"`
	ArchiveDir         string `mapstructure:"archive_dir"`
	ArchiveCompression string `mapstructure:"archive_compression"`
	Verify             bool   `mapstructure:"verify"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
	Path  string `mapstructure:"path"`
}

// Load loads configuration from the default search path.
func Load() (*Config, error) {
	return LoadFromPath("")
}

// LoadFromPath loads configuration from a specific path.
// If configPath is empty, it searches default locations.
func LoadFromPath(configPath string) (*Config, error) {
	v := viper.New()

	v.AutomaticEnv()
	v.SetEnvPrefix("PGSHOVEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	applyDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		if configDir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(configDir, "pgshovel"))
		}
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "pgshovel"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, use defaults
			return configFromViper(v)
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	return configFromViper(v)
}

// ApplyURL overlays connection settings from a postgres:// URL onto the
// config. Passwords embedded in the URL are rejected: they leak through
// process listings, so credentials come from password_command or PGPASSWORD.
func (c *PostgreSQLConfig) ApplyURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid connection URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("connection URL must use postgres:// scheme, got %q", u.Scheme)
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		return fmt.Errorf("connection URL must not embed a password; use password_command or PGPASSWORD")
	}

	if host := u.Hostname(); host != "" {
		c.Host = host
	}
	if portStr := u.Port(); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("invalid port in connection URL: %w", err)
		}
		c.Port = port
	}
	if db := strings.TrimPrefix(u.Path, "/"); db != "" {
		c.Database = db
	}
	if u.User != nil && u.User.Username() != "" {
		c.User = u.User.Username()
	}
	if sslmode := u.Query().Get("sslmode"); sslmode != "" {
		c.SSLMode = sslmode
	}

	return nil
}

// configFromViper extracts the config from a viper instance.
func configFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyDefaults sets default configuration values.
func applyDefaults(v *viper.Viper) {
	defaultUser := os.Getenv("USER")
	if defaultUser == "" {
		defaultUser = "postgres"
	}

	v.SetDefault("source.host", "localhost")
	v.SetDefault("source.port", 5432)
	v.SetDefault("source.database", "postgres")
	v.SetDefault("source.user", defaultUser)
	v.SetDefault("source.sslmode", "prefer")

	v.SetDefault("destination.host", "localhost")
	v.SetDefault("destination.port", 5432)
	v.SetDefault("destination.database", "postgres")
	v.SetDefault("destination.user", defaultUser)
	v.SetDefault("destination.sslmode", "prefer")

	v.SetDefault("dump.key_column", "id")
	v.SetDefault("dump.workers", 4)
	v.SetDefault("dump.archive_dir", "")
	v.SetDefault("dump.archive_compression", "zstd")
	v.SetDefault("dump.verify", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.path", "")
}

// Validate checks that the configuration has valid values.
func (c *Config) Validate() error {
	if c.Source.Port < 0 || c.Source.Port > 65535 {
		return fmt.Errorf("source.port must be between 1 and 65535")
	}
	if c.Destination.Port < 0 || c.Destination.Port > 65535 {
		return fmt.Errorf("destination.port must be between 1 and 65535")
	}
	if err := c.Dump.Validate(); err != nil {
		return err
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	return nil
}

// Validate checks that dump config has valid values.
func (dc *DumpConfig) Validate() error {
	// Workers bound matches the pool's clamp (0 means use default).
	if dc.Workers != 0 && (dc.Workers < 1 || dc.Workers > 16) {
		return fmt.Errorf("dump.workers must be between 1 and 16")
	}

	switch dc.ArchiveCompression {
	case "", "none", "gzip", "lz4", "zstd":
	default:
		return fmt.Errorf("dump.archive_compression must be one of: none, gzip, lz4, zstd")
	}

	return nil
}
