package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"buffer-orchestrator/internal/manifest"
	"buffer-orchestrator/internal/platform/logger"
)

const jsonContentType = "application/json"

// Handler exposes session HTTP endpoints using go-chi.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler returns a Handler that uses the given Service and Logger.
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: logger.OrDiscard(log)}
}

// Routes mounts the handlers on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/status", h.ListSessions)
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Route("/{session_id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/seek", h.Seek)
			r.Post("/pause", h.Pause)
			r.Post("/bitrate", h.SetBitrate)
		})
	})
}

// ListSessions handles GET /sessions and GET /status.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.svc.List())
}

// GetSession handles GET /sessions/{session_id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))
	st, ok := h.svc.Get(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// Seek handles POST /sessions/{session_id}/seek.
// Body: { "position": 12.5 }.
func (h *Handler) Seek(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))
	var body struct {
		Position *float64 `json:"position"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Position == nil || *body.Position < 0 {
		h.log.Debug("invalid seek body", slog.String("session_id", string(id)))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.control(w, id, "seek", h.svc.Seek(id, *body.Position))
}

// Pause handles POST /sessions/{session_id}/pause.
// Body: { "paused": true }.
func (h *Handler) Pause(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))
	var body struct {
		Paused bool `json:"paused"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.control(w, id, "pause", h.svc.SetPaused(id, body.Paused))
}

// SetBitrate handles POST /sessions/{session_id}/bitrate.
// Body: { "type": "video", "bitrate": 1500000 }; a negative bitrate goes back
// to automatic mode.
func (h *Handler) SetBitrate(w http.ResponseWriter, r *http.Request) {
	id := SessionID(chi.URLParam(r, "session_id"))
	var body struct {
		Type    manifest.StreamType `json:"type"`
		Bitrate int                 `json:"bitrate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !validStreamType(body.Type) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.control(w, id, "bitrate", h.svc.SetManualBitrate(id, body.Type, body.Bitrate))
}

func (h *Handler) control(w http.ResponseWriter, id SessionID, action string, err error) {
	switch {
	case err == nil:
		h.log.Info("session control applied", slog.String("session_id", string(id)), slog.String("action", action))
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrSessionNotFound):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, ErrSessionNotRunning):
		w.WriteHeader(http.StatusConflict)
	default:
		h.log.Error("session control failed", slog.String("session_id", string(id)), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("encode response", slog.String("error", err.Error()))
	}
}

func validStreamType(typ manifest.StreamType) bool {
	for _, t := range manifest.StreamTypes {
		if t == typ {
			return true
		}
	}
	return false
}
