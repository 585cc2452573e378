package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/remotedesk/remotedesk/pkg/directory"
	"github.com/remotedesk/remotedesk/pkg/stats"
)

// server bundles the REST directory API, the signaling relay and the
// metrics endpoint.
type server struct {
	store   *directory.SQLite
	rooms   *roomSet
	metrics *stats.Metrics
	log     zerolog.Logger
}

func newServer(store *directory.SQLite, log zerolog.Logger) *server {
	return &server{
		store:   store,
		rooms:   newRoomSet(),
		metrics: stats.NewMetrics(),
		log:     log,
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /signal", s.handleSignal)
	mux.HandleFunc("POST /api/announce", s.handleAnnounce)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /api/sessions/{id}/status", s.handleSetStatus)
	mux.HandleFunc("GET /api/devices", s.handleListDevices)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

type announceRequest struct {
	DeviceID string                   `json:"device_id"`
	Metadata directory.DeviceMetadata `json:"metadata"`
}

func (s *server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var req announceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		http.Error(w, "bad announce body", http.StatusBadRequest)
		return
	}
	if err := s.store.Announce(r.Context(), req.DeviceID, req.Metadata); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createSessionRequest struct {
	DeviceID     string `json:"device_id"`
	ControllerID string `json:"controller_id"`
}

func (s *server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		http.Error(w, "bad session body", http.StatusBadRequest)
		return
	}
	sess, err := s.store.CreateSession(r.Context(), req.DeviceID, req.ControllerID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.log.Info().Str("session", sess.ID).Str("device", req.DeviceID).
		Str("controller", req.ControllerID).Msg("session requested")
	writeJSON(w, http.StatusCreated, sess)
}

func (s *server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		http.Error(w, "device_id is required", http.StatusBadRequest)
		return
	}
	since := time.Now().UTC().Add(-time.Minute)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "bad since timestamp", http.StatusBadRequest)
			return
		}
		since = t
	}
	sessions, err := s.store.SessionsSince(r.Context(), deviceID, since)
	if err != nil {
		s.fail(w, err)
		return
	}
	if sessions == nil {
		sessions = []directory.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

type setStatusRequest struct {
	Status directory.Status `json:"status"`
}

func (s *server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad status body", http.StatusBadRequest)
		return
	}
	switch req.Status {
	case directory.StatusPending, directory.StatusActive, directory.StatusDenied, directory.StatusEnded:
	default:
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	prev, err := s.store.Session(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.store.SetSessionStatus(r.Context(), id, req.Status); err != nil {
		s.fail(w, err)
		return
	}
	s.observeTransition(prev.Status, req.Status, id)
	s.log.Info().Str("session", id).Str("from", string(prev.Status)).
		Str("to", string(req.Status)).Msg("session status")
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if devices == nil {
		devices = []*directory.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

// observeTransition keeps the session gauges in step with directory
// status changes.
func (s *server) observeTransition(from, to directory.Status, sessionID string) {
	if from == to {
		return
	}
	if to == directory.StatusActive {
		s.metrics.ActiveSessions.Inc()
		return
	}
	if from == directory.StatusActive && to.Terminal() {
		s.metrics.ActiveSessions.Dec()
		s.metrics.ForgetSession(sessionID)
	}
	if to.Terminal() {
		s.metrics.SessionsTotal.WithLabelValues(string(to)).Inc()
	}
}

func (s *server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, directory.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, directory.ErrDeviceBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.log.Error().Err(err).Msg("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
