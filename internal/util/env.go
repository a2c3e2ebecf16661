// Package util provides environment variable parsing helpers for the SpinPipe commands.
package util

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// EnvOr returns the trimmed value of key, or def when it is unset or blank.
func EnvOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// FirstEnv returns the first non-blank value among keys, or "".
func FirstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

// ParseBoolEnv parses a boolean environment variable with a default value.
// Accepts: true/1/yes/on and false/0/no/off (case-insensitive). Invalid values return default.
func ParseBoolEnv(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		slog.Warn("ParseBoolEnv: invalid boolean value, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
}

// ParseDurationEnv parses a Go duration ("30s", "2m") with a default value.
func ParseDurationEnv(key string, defaultValue time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		slog.Warn("ParseDurationEnv: invalid duration, using default", "key", key, "value", val, "default", defaultValue)
		return defaultValue
	}
	return d
}
