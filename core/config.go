package core

import (
	"os"
	"strconv"
	"time"
)

// LoggingConfig controls the production logger. Zero values fall back to
// environment variables, then to sane defaults (info-level JSON on stdout).
type LoggingConfig struct {
	Level      string `json:"level"`       // debug | info | warn | error
	Format     string `json:"format"`      // json | text
	Output     string `json:"output"`      // stdout | stderr
	TimeFormat string `json:"time_format"` // Go time layout
}

// DevelopmentConfig enables development conveniences. PrettyLogs switches
// the logger to human-readable text; DebugLogging lowers the level floor.
// Never enable in production.
type DevelopmentConfig struct {
	Enabled      bool `json:"enabled"`
	DebugLogging bool `json:"debug_logging"`
	PrettyLogs   bool `json:"pretty_logs"`
}

// DefaultLoggingConfig builds a LoggingConfig from FLEX_LOG_* environment
// variables with production defaults.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:      getEnvString("FLEX_LOG_LEVEL", "info"),
		Format:     getEnvString("FLEX_LOG_FORMAT", "json"),
		Output:     getEnvString("FLEX_LOG_OUTPUT", "stdout"),
		TimeFormat: getEnvString("FLEX_LOG_TIME_FORMAT", "2006-01-02T15:04:05.000Z07:00"),
	}
}

// DefaultDevelopmentConfig builds a DevelopmentConfig from FLEX_DEV_*
// environment variables. Development mode is off unless explicitly enabled.
func DefaultDevelopmentConfig() DevelopmentConfig {
	return DevelopmentConfig{
		Enabled:      getEnvBool("FLEX_DEV_MODE", false),
		DebugLogging: getEnvBool("FLEX_DEBUG", false),
		PrettyLogs:   getEnvBool("FLEX_PRETTY_LOGS", false),
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
