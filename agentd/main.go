// Agentd is the device-side daemon: it registers the machine with the
// relay server, waits for session requests, and serves approved
// sessions with real screen capture and input injection.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/remotedesk/remotedesk/agent"
	"github.com/remotedesk/remotedesk/pkg/directory"
	"github.com/remotedesk/remotedesk/pkg/inject"
	"github.com/remotedesk/remotedesk/pkg/signaling"
	"github.com/remotedesk/remotedesk/pkg/stats"
)

const version = "0.1.0"

func main() {
	cfg := FromEnv()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)

	dir := &directory.HTTPClient{BaseURL: cfg.ServerURL}

	// Per-session signaling over the relay's websocket endpoint.
	wsURL := strings.Replace(cfg.ServerURL, "http", "ws", 1) + "/signal"
	newSignaling := func(ctx context.Context, sessionID string) (*signaling.Client, func(), error) {
		bus, err := signaling.DialWS(ctx, wsURL, sessionID, signaling.FromAgent, log)
		if err != nil {
			return nil, nil, err
		}
		return signaling.NewClient(bus), func() { bus.Close() }, nil
	}

	// The shared client only serves as a fallback; every session dials
	// its own relay connection.
	sharedBus := signaling.NewMemoryBus()

	metrics := stats.NewMetrics()
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Warn().Err(err).Msg("metrics endpoint stopped")
			}
		}()
	}

	ag, err := agent.New(agent.Config{
		DeviceID:     cfg.DeviceID,
		Directory:    dir,
		Signaling:    signaling.NewClient(sharedBus),
		NewSignaling: newSignaling,
		Metadata:     directory.HostMetadata(version),
		Sink:         inject.NewRobot(),
		Metrics:      metrics,
		FPS:          cfg.FPS,
		JPEGQuality:  cfg.JPEGQuality,
		Log:          log,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("agent setup")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		log.Info().Msg("shutting down")
		cancel()
	}()

	log.Info().Str("device", cfg.DeviceID).Str("server", cfg.ServerURL).Msg("agent running")
	if err := ag.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("agent stopped")
	}
}

// deviceID returns a stable identifier, generating and persisting one
// on first run.
func deviceID(path string) string {
	if raw, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id
		}
	}
	id := uuid.NewString()
	os.WriteFile(path, []byte(id+"\n"), 0o600)
	return id
}
