package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/jwebster45206/phase-engine/internal/orchestrator"
)

type SessionResponse struct {
	SessionID string `json:"session_id"`
	Phase     string `json:"phase"`
	PhaseName string `json:"phase_name,omitempty"`
}

type SessionHandler struct {
	engine Engine
	logger *slog.Logger
}

func NewSessionHandler(engine Engine, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		engine: engine,
		logger: logger,
	}
}

// Create starts a new session at the first configured phase.
// POST /v1/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	gs, err := h.engine.CreateSession(r.Context())
	if err != nil {
		h.logger.Error("Error creating session", "error", err)
		writeError(w, h.logger, http.StatusInternalServerError, "Failed to create session.")
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, SessionResponse{
		SessionID: gs.ID,
		Phase:     gs.Phase,
	})
}

// Phase reports the session's current phase.
// GET /v1/sessions/{id}/phase
func (h *SessionHandler) Phase(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "Invalid session ID format.")
		return
	}

	p, err := h.engine.CurrentPhase(r.Context(), id)
	if errors.Is(err, orchestrator.ErrSessionNotFound) {
		writeError(w, h.logger, http.StatusNotFound, "Session not found.")
		return
	}
	if err != nil {
		h.logger.Error("Error loading session phase", "error", err, "session_id", id)
		writeError(w, h.logger, http.StatusInternalServerError, "Failed to load session.")
		return
	}
	writeJSON(w, h.logger, http.StatusOK, SessionResponse{
		SessionID: id,
		Phase:     string(p),
		PhaseName: p.DisplayName(),
	})
}
