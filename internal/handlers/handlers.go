package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwebster45206/phase-engine/internal/metrics"
	"github.com/jwebster45206/phase-engine/pkg/chat"
	"github.com/jwebster45206/phase-engine/pkg/phase"
	"github.com/jwebster45206/phase-engine/pkg/state"
)

// Engine is the part of the orchestrator the API drives.
type Engine interface {
	CreateSession(ctx context.Context) (*state.GameState, error)
	CurrentPhase(ctx context.Context, sessionID string) (phase.Phase, error)
	RunTurn(ctx context.Context, sessionID string, input string) (*chat.Stream, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewRouter registers every API route on a new mux, wrapped in
// RequestLogger.
func NewRouter(engine Engine, store Pinger, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	sessions := NewSessionHandler(engine, logger)
	mux.HandleFunc("POST /v1/sessions", sessions.Create)
	mux.HandleFunc("GET /v1/sessions/{id}/phase", sessions.Phase)

	mux.Handle("POST /v1/turns", NewTurnHandler(engine, logger))
	mux.Handle("GET /health", NewHealthHandler(store, logger))
	if gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(gatherer))
	}
	return RequestLogger(mux, logger)
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Error encoding response", "error", err, "status", status)
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, status int, msg string) {
	writeJSON(w, logger, status, ErrorResponse{Error: msg})
}
