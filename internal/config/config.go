// Package config loads runtime configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the runtime configuration for doselog.
type Config struct {
	DataDir           string
	APIBaseURL        string
	AuthRefreshURL    string
	AuthRefreshToken  string
	LogLevel          string
	StorageQuotaBytes int64
	SyncInterval      time.Duration
	QueueInterval     time.Duration
	RequestsPerSecond float64
}

// Load reads configuration from the environment with development defaults.
func Load() Config {
	return Config{
		DataDir:           getEnv("DOSELOG_DATA_DIR", defaultDataDir()),
		APIBaseURL:        getEnv("DOSELOG_API_URL", "http://localhost:8080"),
		AuthRefreshURL:    getEnv("DOSELOG_AUTH_URL", "http://localhost:8080/auth/refresh"),
		AuthRefreshToken:  getEnv("DOSELOG_REFRESH_TOKEN", ""),
		LogLevel:          getEnv("DOSELOG_LOG_LEVEL", "info"),
		StorageQuotaBytes: getEnvInt64("DOSELOG_STORAGE_QUOTA", 5*1024*1024),
		SyncInterval:      getEnvDuration("DOSELOG_SYNC_INTERVAL", 15*time.Minute),
		QueueInterval:     getEnvDuration("DOSELOG_QUEUE_INTERVAL", 30*time.Second),
		RequestsPerSecond: getEnvFloat("DOSELOG_API_RPS", 10),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".doselog"
	}
	return home + "/.doselog"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
