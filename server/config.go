package main

import (
	"os"
	"time"
)

// Config is the relay server configuration, sourced from the
// environment.
type Config struct {
	// Addr is the listen address (REMOTEDESK_ADDR, default ":8080").
	Addr string
	// DBPath locates the directory database (REMOTEDESK_DB, default
	// "remotedesk.db").
	DBPath string
	// LogLevel is a zerolog level name (REMOTEDESK_LOG, default
	// "info").
	LogLevel string
	// ShutdownGrace bounds graceful shutdown
	// (REMOTEDESK_SHUTDOWN_GRACE, default 10s).
	ShutdownGrace time.Duration
}

// FromEnv reads the configuration, falling back to defaults for unset
// variables.
func FromEnv() Config {
	cfg := Config{
		Addr:          ":8080",
		DBPath:        "remotedesk.db",
		LogLevel:      "info",
		ShutdownGrace: 10 * time.Second,
	}
	if v := os.Getenv("REMOTEDESK_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("REMOTEDESK_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("REMOTEDESK_LOG"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REMOTEDESK_SHUTDOWN_GRACE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ShutdownGrace = d
		}
	}
	return cfg
}
