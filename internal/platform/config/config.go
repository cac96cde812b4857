package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables that are not already set. If .env does not exist,
// Load returns an error but callers can ignore it and use system env or
// defaults. Pass one or more paths to load from specific files; with no
// paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := strings.TrimSpace(os.Getenv(key)); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := GetEnv(key, ""); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvFloat returns the float value of the environment variable named by key.
// "inf" and "+inf" are accepted for unbounded values.
func GetEnvFloat(key string, fallback float64) float64 {
	if s := GetEnv(key, ""); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return fallback
}

// GetEnvBool returns the boolean value of the environment variable named by key,
// or fallback if it cannot be parsed by strconv.ParseBool.
func GetEnvBool(key string, fallback bool) bool {
	if s := GetEnv(key, ""); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvDuration returns the time.Duration value of the environment variable
// named by key ("500ms", "2s"), or fallback when unset or invalid.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := GetEnv(key, ""); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}
