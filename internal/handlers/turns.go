package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/jwebster45206/phase-engine/internal/logger"
	"github.com/jwebster45206/phase-engine/internal/orchestrator"
	"github.com/jwebster45206/phase-engine/pkg/chat"
)

// TurnStatusTrailer reports how a streamed turn ended: ok, degraded, or
// error.
const TurnStatusTrailer = "X-Turn-Status"

// TurnHandler streams one player turn as chunked plain text.
type TurnHandler struct {
	engine Engine
	logger *slog.Logger
}

func NewTurnHandler(engine Engine, logger *slog.Logger) *TurnHandler {
	return &TurnHandler{
		engine: engine,
		logger: logger,
	}
}

// ServeHTTP handles POST /v1/turns
func (h *TurnHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req chat.TurnRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		h.logger.Warn("Invalid request body", "error", err)
		writeError(w, h.logger, http.StatusBadRequest, "Invalid request body. Expected JSON with 'session_id' and 'message' fields.")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := uuid.Parse(req.SessionID); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "Invalid session ID format.")
		return
	}

	log := h.logger.With("session_id", req.SessionID)
	stream, err := h.engine.RunTurn(r.Context(), req.SessionID, req.Message)
	if errors.Is(err, orchestrator.ErrSessionNotFound) {
		writeError(w, h.logger, http.StatusNotFound, "Session not found.")
		return
	}
	if err != nil {
		logger.WithError(log, err).Error("Error starting turn")
		writeError(w, h.logger, http.StatusInternalServerError, "Failed to start turn. Please try again.")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Trailer", TurnStatusTrailer)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for fragment := range stream.Chunks() {
		if _, err := io.WriteString(w, fragment); err != nil {
			// client went away; Wait drains the rest so the turn can finish
			log.Warn("Failed to write fragment", "error", err)
			break
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	status := "ok"
	if _, err := stream.Wait(); err != nil {
		logger.WithError(log, err).Error("Turn failed")
		status = "error"
	} else if stream.Degraded() {
		status = "degraded"
	}
	w.Header().Set(TurnStatusTrailer, status)
}
