// Package config provides environment configuration helpers for voxbridge
// commands.
package config

import (
	"fmt"
	"os"
)

// Defaults for local development.
const (
	DefaultBackendURL = "ws://127.0.0.1:8765"
	DefaultListenAddr = ":8090"
	DefaultSpoolDir   = "/tmp/voxbridge-fallback"
)

// BackendURL returns the AI backend websocket URL from BACKEND_URL.
// Falls back to the provided default, or the package default when empty.
func BackendURL(defaultURL string) string {
	if url := os.Getenv("BACKEND_URL"); url != "" {
		return url
	}
	if defaultURL != "" {
		return defaultURL
	}
	return DefaultBackendURL
}

// AuthToken returns the backend auth token from BACKEND_AUTH_TOKEN.
// Empty means the backend does not require authentication.
func AuthToken() string {
	return os.Getenv("BACKEND_AUTH_TOKEN")
}

// AuthTokenRequired returns the backend auth token from BACKEND_AUTH_TOKEN.
// Exits if not set.
func AuthTokenRequired() string {
	token := os.Getenv("BACKEND_AUTH_TOKEN")
	if token == "" {
		fmt.Fprintln(os.Stderr, "Error: BACKEND_AUTH_TOKEN environment variable is required")
		fmt.Fprintln(os.Stderr, "Usage: BACKEND_AUTH_TOKEN=secret go run ./cmd/voxbridge")
		os.Exit(1)
	}
	return token
}

// ListenAddr returns the media server listen address from LISTEN_ADDR.
func ListenAddr(defaultAddr string) string {
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		return addr
	}
	if defaultAddr != "" {
		return defaultAddr
	}
	return DefaultListenAddr
}

// SpoolDir returns the fallback WAV spool directory from SPOOL_DIR.
func SpoolDir(defaultDir string) string {
	if dir := os.Getenv("SPOOL_DIR"); dir != "" {
		return dir
	}
	if defaultDir != "" {
		return defaultDir
	}
	return DefaultSpoolDir
}

// LogLevel returns the log level from LOG_LEVEL, defaulting to info.
func LogLevel() string {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		return level
	}
	return "info"
}
