// Package health serves the daemon's HTTP health, readiness and counter
// endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/securechat/internal/chat"
	"github.com/mesmerverse/securechat/internal/model"
	"github.com/mesmerverse/securechat/internal/storage"
)

// Source is the chat service as seen by the health server.
type Source interface {
	Connected() bool
	Stats() chat.Stats
	OutboxDepth(ctx context.Context) (int, error)
	DeliveryState(ctx context.Context, messageID string) (model.DeliveryState, error)
}

// Pinger checks a dependency, typically the local store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server provides HTTP health check endpoints
type Server struct {
	port    int
	source  Source
	store   Pinger
	version string
	started time.Time
	server  *http.Server
}

// Status is the /health response body
type Status struct {
	Healthy      bool   `json:"healthy"`
	StoreOK      bool   `json:"store_ok"`
	BusConnected bool   `json:"bus_connected"`
	Uptime       string `json:"uptime"`
	Version      string `json:"version"`
}

// StatsResponse is the /stats response body
type StatsResponse struct {
	chat.Stats
	OutboxDepth int `json:"outbox_depth"`
}

// NewServer creates a health server
func NewServer(port int, source Source, store Pinger, version string) *Server {
	h := &Server{
		port:    port,
		source:  source,
		store:   store,
		version: version,
		started: time.Now(),
	}
	h.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return h
}

// Handler returns the router serving all endpoints
func (h *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/messages/{messageId}/state", h.handleDeliveryState).Methods(http.MethodGet)
	return r
}

// Start starts the health server and blocks until it stops
func (h *Server) Start() {
	log.Info().Int("port", h.port).Msg("Starting health server")

	if err := h.server.ListenAndServe(); err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Health server error")
	}
}

// Stop stops the health server
func (h *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.server.Shutdown(ctx)
}

// handleHealth reports healthy while the local store answers. The bus may be
// down: sends queue and the service keeps working.
func (h *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := Status{
		StoreOK:      h.store.Ping(r.Context()) == nil,
		BusConnected: h.source.Connected(),
		Uptime:       time.Since(h.started).String(),
		Version:      h.version,
	}
	status.Healthy = status.StoreOK

	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// handleReady reports ready only while realtime delivery is possible
func (h *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.source.Connected() {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	}
}

func (h *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	depth, err := h.source.OutboxDepth(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to read outbox depth")
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{Stats: h.source.Stats(), OutboxDepth: depth})
}

func (h *Server) handleDeliveryState(w http.ResponseWriter, r *http.Request) {
	messageID := mux.Vars(r)["messageId"]

	state, err := h.source.DeliveryState(r.Context(), messageID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "message not found", http.StatusNotFound)
		return
	case errors.Is(err, chat.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		log.Error().Err(err).Str("message_id", messageID).Msg("Failed to read delivery state")
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message_id": messageID, "state": string(state)})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
