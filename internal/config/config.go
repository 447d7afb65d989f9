// Package config loads omnisync settings from the environment.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values.
type Config struct {
	// Service connection
	APIURL        string
	ClientTimeout time.Duration

	// Job polling
	PollInterval    time.Duration
	MaxPollFailures int

	// Identity
	CredentialsFile string

	// Logging
	LogFile  string
	LogLevel slog.Level

	// Metrics endpoint served by `omnisync watch` (disabled when empty)
	MetricsAddr string
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		APIURL:        strings.TrimSuffix(getEnv("OMNISYNC_API_URL", getEnv("VITE_API_URL", "http://localhost:8000")), "/"),
		ClientTimeout: getDuration("OMNISYNC_CLIENT_TIMEOUT", 5*time.Minute),

		PollInterval:    getDuration("OMNISYNC_POLL_INTERVAL", time.Second),
		MaxPollFailures: getInt("OMNISYNC_POLL_MAX_FAILURES", 3),

		CredentialsFile: getEnv("OMNISYNC_CREDENTIALS", defaultCredentialsFile()),

		LogFile:  getEnv("OMNISYNC_LOG_FILE", "/tmp/omnisync.log"),
		LogLevel: parseLogLevel(getEnv("OMNISYNC_LOG_LEVEL", "INFO")),

		MetricsAddr: getEnv("OMNISYNC_METRICS_ADDR", ""),
	}
}

func defaultCredentialsFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "omnisync", "credentials.yaml")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil && d > 0 {
			return d
		}
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			return n
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
