package main

import (
	"os"
	"strconv"
)

// Config is the daemon configuration, sourced from the environment.
type Config struct {
	// ServerURL points at the relay (REMOTEDESK_SERVER, default
	// "http://localhost:8080").
	ServerURL string
	// DeviceID overrides the persisted identity
	// (REMOTEDESK_DEVICE_ID).
	DeviceID string
	// FPS caps the capture rate (REMOTEDESK_FPS).
	FPS int
	// JPEGQuality sets frame encoding quality (REMOTEDESK_QUALITY).
	JPEGQuality int
	// LogLevel is a zerolog level name (REMOTEDESK_LOG).
	LogLevel string
	// MetricsAddr serves the Prometheus endpoint
	// (REMOTEDESK_METRICS_ADDR, empty disables it).
	MetricsAddr string
}

// FromEnv reads the configuration, falling back to defaults and the
// persisted device identity.
func FromEnv() Config {
	cfg := Config{
		ServerURL: "http://localhost:8080",
		LogLevel:  "info",
	}
	if v := os.Getenv("REMOTEDESK_SERVER"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("REMOTEDESK_LOG"); v != "" {
		cfg.LogLevel = v
	}
	cfg.MetricsAddr = os.Getenv("REMOTEDESK_METRICS_ADDR")
	if v := os.Getenv("REMOTEDESK_FPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FPS = n
		}
	}
	if v := os.Getenv("REMOTEDESK_QUALITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.JPEGQuality = n
		}
	}
	cfg.DeviceID = os.Getenv("REMOTEDESK_DEVICE_ID")
	if cfg.DeviceID == "" {
		cfg.DeviceID = deviceID(".remotedesk-device-id")
	}
	return cfg
}
