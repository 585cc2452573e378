// The relay server is the meeting point of the system: it holds the
// device/session directory behind a small REST API and relays the
// signaling handshake between the two peers of each session over
// websockets. Screen and input data never pass through it.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/remotedesk/remotedesk/pkg/directory"
)

func main() {
	cfg := FromEnv()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)

	store, err := directory.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open directory database")
	}
	defer store.Close()

	srv := newServer(store, log)
	httpSrv := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.routes(),
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("relay server listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}
}
