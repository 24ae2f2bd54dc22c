package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Storage ConfigStorage `toml:"storage"`
	Sync    ConfigSync    `toml:"sync"`
}

// ConfigDefault holds general settings.
type ConfigDefault struct {
	BaseURL     string `toml:"base_url"`
	Environment string `toml:"environment"`
	LogLevel    string `toml:"log_level"`
}

// ConfigAuth holds the bearer token sent to the remote.
type ConfigAuth struct {
	Token string `toml:"token"`
}

// ConfigStorage selects the local backend.
type ConfigStorage struct {
	Backend string `toml:"backend"` // memory, file, sqlite, redis
	DSN     string `toml:"dsn"`
}

// ConfigSync holds engine settings.
type ConfigSync struct {
	Interval  string `toml:"interval"` // Go duration, e.g. "30s"
	DemoSeeds bool   `toml:"demo_seeds"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and overlays CHATSYNC_* environment
// variables (a .env file in the working directory is honoured). A missing
// file yields defaults.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	_ = godotenv.Load()
	applyEnv(cfg, os.Getenv)
	return cfg, nil
}

func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return cfg, nil
}

// saveConfig writes the config struct back to disk as TOML. Environment
// overrides are not persisted.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Default: ConfigDefault{Environment: "development", LogLevel: "info"},
		Storage: ConfigStorage{Backend: "file"},
		Sync:    ConfigSync{Interval: "30s"},
	}
}

func applyEnv(cfg *Config, getenv func(string) string) {
	overrides := []struct {
		key string
		dst *string
	}{
		{"CHATSYNC_TOKEN", &cfg.Auth.Token},
		{"CHATSYNC_BASE_URL", &cfg.Default.BaseURL},
		{"CHATSYNC_STORAGE", &cfg.Storage.Backend},
		{"CHATSYNC_STORAGE_DSN", &cfg.Storage.DSN},
		{"CHATSYNC_LOG_LEVEL", &cfg.Default.LogLevel},
	}
	for _, o := range overrides {
		if v := getenv(o.key); v != "" {
			*o.dst = v
		}
	}
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "environment":
			cfg.Default.Environment = value
		case "log_level":
			if _, err := zerolog.ParseLevel(value); err != nil {
				return fmt.Errorf("invalid log level %q", value)
			}
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "storage":
		switch field {
		case "backend":
			switch value {
			case "memory", "file", "sqlite", "redis":
			default:
				return fmt.Errorf("unknown backend %q (valid: memory, file, sqlite, redis)", value)
			}
			cfg.Storage.Backend = value
		case "dsn":
			cfg.Storage.DSN = value
		default:
			return fmt.Errorf("unknown field %q in section [storage]", field)
		}
	case "sync":
		switch field {
		case "interval":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid interval %q: %w", value, err)
			}
			cfg.Sync.Interval = value
		case "demo_seeds":
			switch value {
			case "true":
				cfg.Sync.DemoSeeds = true
			case "false":
				cfg.Sync.DemoSeeds = false
			default:
				return fmt.Errorf("demo_seeds must be true or false")
			}
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, storage, sync)", section)
	}
	return nil
}

// ============================================================================
// Logging
// ============================================================================

// newLogger builds a console logger in development and JSON otherwise.
func newLogger(cfg *Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Default.Environment == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stderr).
			With().
			Timestamp().
			Logger()
	}

	level, err := zerolog.ParseLevel(cfg.Default.LogLevel)
	if err != nil || cfg.Default.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:          "chatsync",
	Short:        "Local-first chat sync CLI",
	Long:         "Command-line interface for the chatsync engine.\nOpen conversations, send and recall messages, and watch a conversation sync.",
	SilenceUsage: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
