// Package config provides configuration helpers for voicelab commands.
package config

import (
	"fmt"
	"os"
)

// Default endpoints and settings for commands.
const (
	DefaultBrokerURL    = "http://localhost:8787"
	DefaultCredsvcPort  = "8787"
	DefaultVoice        = "sage"
	DefaultLogLevel     = "info"
)

// Env returns the value of an environment variable or the fallback if unset.
func Env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// EnvRequired returns the value of an environment variable.
// Exits with a usage hint if not set.
func EnvRequired(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fmt.Fprintf(os.Stderr, "Error: %s environment variable is required\n", key)
		fmt.Fprintf(os.Stderr, "Usage: %s=... go run ./cmd/...\n", key)
		os.Exit(1)
	}
	return v
}

// BrokerURL returns the credential broker base URL from BROKER_URL.
func BrokerURL() string {
	return Env("BROKER_URL", DefaultBrokerURL)
}

// CredsvcPort returns the port for cmd/credsvc from CREDSVC_PORT.
func CredsvcPort() string {
	return Env("CREDSVC_PORT", DefaultCredsvcPort)
}

// LogLevel returns the log level from LOG_LEVEL.
func LogLevel() string {
	return Env("LOG_LEVEL", DefaultLogLevel)
}
