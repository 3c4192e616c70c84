package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all engine configuration.
type Config struct {
	Inventory InventoryConfig `mapstructure:"inventory"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	SSH       SSHConfig       `mapstructure:"ssh"`
	Deploy    DeployConfig    `mapstructure:"deploy"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
}

// InventoryConfig locates the fleet document.
type InventoryConfig struct {
	Path string `mapstructure:"path"`
}

// DatabaseConfig holds state store configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// SecretsConfig holds the encrypted secrets file configuration.
// The passphrase is only ever read from the environment
// (BTCFLEET_SECRETS_PASSPHRASE); it has no config-file equivalent
// so it cannot end up committed next to the inventory.
type SecretsConfig struct {
	Path       string `mapstructure:"path"`
	Passphrase string `mapstructure:"passphrase"`
}

// SSHConfig holds remote execution configuration.
type SSHConfig struct {
	User             string        `mapstructure:"user"`
	Port             int           `mapstructure:"port"`
	KeyPath          string        `mapstructure:"key_path"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	RemoteDir        string        `mapstructure:"remote_dir"`
	ProvisionCommand string        `mapstructure:"provision_command"`
	MaxDiagnostic    int           `mapstructure:"max_diagnostic"`
}

// DeployConfig holds convergence run configuration.
type DeployConfig struct {
	Workers        int           `mapstructure:"workers"`
	PerHostTimeout time.Duration `mapstructure:"per_host_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
}

// ServerConfig holds the discovery endpoint configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("inventory.path", "./hosts.yml")
	v.SetDefault("database.dsn", "./data/btcfleet.db")
	v.SetDefault("secrets.path", "./secrets.yml")
	v.SetDefault("secrets.passphrase", "")

	v.SetDefault("ssh.user", "btcfleet")
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.key_path", "")
	v.SetDefault("ssh.connect_timeout", "10s")
	v.SetDefault("ssh.remote_dir", ".btcfleet")
	v.SetDefault("ssh.provision_command", "btcfleet-provision")
	v.SetDefault("ssh.max_diagnostic", 4096)

	v.SetDefault("deploy.workers", 4)
	v.SetDefault("deploy.per_host_timeout", "5m")
	v.SetDefault("deploy.max_attempts", 3)
	v.SetDefault("deploy.retry_delay", "2s")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only fail on parse errors; a missing file means defaults.
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("BTCFLEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
// Logs go to stderr so command output on stdout stays parseable.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
