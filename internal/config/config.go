// Package config loads the worker's environment-driven settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment   string
	ConfigDirPath string
	UISocketPath  string
}

func NewConfig() (*Config, error) {
	env := os.Getenv("MAILSYNC_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintln(os.Stderr, "Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:   env,
		ConfigDirPath: os.Getenv("CONFIG_DIR_PATH"),
		UISocketPath:  os.Getenv("MAILSYNC_UI_SOCKET"),
	}

	if config.ConfigDirPath == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("CONFIG_DIR_PATH is not set and no user config dir exists: %w", err)
		}
		config.ConfigDirPath = filepath.Join(base, "mailsync")
	}

	if err := os.MkdirAll(config.ConfigDirPath, 0o755); err != nil {
		return nil, fmt.Errorf("creating config dir: %w", err)
	}

	return config, nil
}

// DatabasePath returns the per-account database location.
func (c *Config) DatabasePath(accountID string) string {
	return filepath.Join(c.ConfigDirPath, accountID+".db")
}

// FilesRoot returns the root under which attachment bytes are stored.
func (c *Config) FilesRoot() string {
	return c.ConfigDirPath
}

// LogPath returns the rotating log file location.
func (c *Config) LogPath() string {
	return filepath.Join(c.ConfigDirPath, "logs", "mailsync.log")
}
