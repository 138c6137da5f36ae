package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sgu731/studycap/internal/agents"
	"github.com/sgu731/studycap/internal/eventstore"
	"github.com/sgu731/studycap/internal/session"
)

type snapshotter interface {
	Snapshot(ctx context.Context) (session.Snapshot, error)
}

type recordingStore interface {
	ListRecordings(ctx context.Context, limit int) ([]eventstore.Recording, error)
	GetRecording(ctx context.Context, id int64) (eventstore.Recording, error)
}

type handlers struct {
	sessions   snapshotter
	recordings recordingStore
	agents     func() []agents.Agent
	ready      func() bool
	metrics    http.Handler
	logger     *slog.Logger
}

func (h *handlers) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	mux.HandleFunc("GET /session", h.handleSession)
	mux.HandleFunc("GET /recordings", h.handleRecordings)
	mux.HandleFunc("GET /recordings/{id}", h.handleRecording)
	mux.HandleFunc("GET /recordings/{id}/audio", h.handleRecordingAudio)
	mux.HandleFunc("GET /devices", h.handleDevices)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
	return mux
}

func (h *handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) handleReady(w http.ResponseWriter, _ *http.Request) {
	if h.ready != nil && h.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (h *handlers) handleSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.Snapshot(r.Context())
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	h.writeJSON(w, snap)
}

func (h *handlers) handleRecordings(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	list, err := h.recordings.ListRecordings(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []eventstore.Recording{}
	}
	h.writeJSON(w, list)
}

func (h *handlers) recording(w http.ResponseWriter, r *http.Request) (eventstore.Recording, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, errors.New("invalid recording id"))
		return eventstore.Recording{}, false
	}
	rec, err := h.recordings.GetRecording(r.Context(), id)
	if errors.Is(err, eventstore.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, err)
		return eventstore.Recording{}, false
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return eventstore.Recording{}, false
	}
	return rec, true
}

func (h *handlers) handleRecording(w http.ResponseWriter, r *http.Request) {
	if rec, ok := h.recording(w, r); ok {
		h.writeJSON(w, rec)
	}
}

func (h *handlers) handleRecordingAudio(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.recording(w, r)
	if !ok {
		return
	}
	mime := rec.AudioMIME
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Length", strconv.Itoa(len(rec.Audio)))
	_, _ = w.Write(rec.Audio)
}

func (h *handlers) handleDevices(w http.ResponseWriter, _ *http.Request) {
	list := []agents.Agent{}
	if h.agents != nil {
		list = h.agents()
	}
	h.writeJSON(w, list)
}

func (h *handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("encode response failed", slog.String("error", err.Error()))
	}
}

func (h *handlers) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
