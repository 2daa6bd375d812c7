// Package config loads engine configuration from the environment. A .env
// file in the working directory is honored when present.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the engine configuration.
type Config struct {
	// DatabasePath is where the sqlite store lives.
	DatabasePath string
	// LogLevel is a logrus level name.
	LogLevel string
	// ConnectTimeoutSeconds bounds every IMAP dial.
	ConnectTimeoutSeconds int
	// MaxSendAttempts bounds delivery retries per message.
	MaxSendAttempts int
	// SyncBatchSize is how many messages one FETCH round trip carries.
	SyncBatchSize int
}

// Load reads configuration from the environment, with defaults suitable for
// a single-user installation.
func Load() (*Config, error) {
	// A missing .env file is not an error; the environment may carry
	// everything already.
	_ = godotenv.Load()

	cfg := &Config{
		DatabasePath:          getEnv("MAILSYNC_DB_PATH", defaultDatabasePath()),
		LogLevel:              getEnv("MAILSYNC_LOG_LEVEL", "info"),
		ConnectTimeoutSeconds: getEnvInt("MAILSYNC_CONNECT_TIMEOUT", 30),
		MaxSendAttempts:       getEnvInt("MAILSYNC_MAX_SEND_ATTEMPTS", 3),
		SyncBatchSize:         getEnvInt("MAILSYNC_SYNC_BATCH_SIZE", 50),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("MAILSYNC_DB_PATH is required")
	}
	if c.ConnectTimeoutSeconds < 1 || c.ConnectTimeoutSeconds > 300 {
		return fmt.Errorf("MAILSYNC_CONNECT_TIMEOUT must be between 1 and 300")
	}
	if c.MaxSendAttempts < 1 || c.MaxSendAttempts > 10 {
		return fmt.Errorf("MAILSYNC_MAX_SEND_ATTEMPTS must be between 1 and 10")
	}
	if c.SyncBatchSize < 1 || c.SyncBatchSize > 500 {
		return fmt.Errorf("MAILSYNC_SYNC_BATCH_SIZE must be between 1 and 500")
	}
	return nil
}

func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mailsync.db"
	}
	return filepath.Join(home, ".config", "mailsync", "mailsync.db")
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
