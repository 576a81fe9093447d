package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// parsed returns the value of key converted by parse, or def when key is
// unset. A value that does not parse is reported and replaced by def.
func parsed[T any](key string, def T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		slog.Warn("Ignoring invalid environment value", "key", key, "value", raw, "error", err)
		return def
	}
	return v
}

// GetEnv returns the environment variable value or a default.
func GetEnv(key, defaultValue string) string {
	return parsed(key, defaultValue, func(s string) (string, error) { return s, nil })
}

// GetIntEnv returns an integer environment variable or a default.
func GetIntEnv(key string, defaultValue int) int {
	return parsed(key, defaultValue, strconv.Atoi)
}

// GetBoolEnv returns a boolean environment variable or a default.
func GetBoolEnv(key string, defaultValue bool) bool {
	return parsed(key, defaultValue, strconv.ParseBool)
}

// GetDurationEnv returns a duration environment variable ("5s", "2m") or a
// default.
func GetDurationEnv(key string, defaultValue time.Duration) time.Duration {
	return parsed(key, defaultValue, time.ParseDuration)
}

// GetSecretFile reads a secret from a mounted file such as a Docker secret.
// An empty path means the secret is not configured.
func GetSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("Failed to read secret file", "path", path, "error", err)
		return ""
	}
	return strings.TrimSpace(string(data))
}
