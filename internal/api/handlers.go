package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexiqai/transcription-pipeline/internal/observability"
	"github.com/lexiqai/transcription-pipeline/internal/pipeline"
	"github.com/lexiqai/transcription-pipeline/internal/storage"
)

const maxBodyBytes = 1 << 16

// Sessions is the session lifecycle the API drives
type Sessions interface {
	Start(ctx context.Context, key string, cfg pipeline.SessionConfig) error
	Stop(ctx context.Context, key string) error
	Status(key string) *pipeline.Snapshot
	ActiveSessions() []string
	DefaultConfig() pipeline.SessionConfig
}

// Transcripts reads persisted transcript data
type Transcripts interface {
	ChunksForSession(ctx context.Context, sessionID string) ([]storage.Chunk, error)
	SessionStatus(ctx context.Context, sessionID string) (*storage.StatusRecord, error)
}

// StartRequest holds optional per-session overrides
type StartRequest struct {
	SpeakerName    string   `json:"speakerName,omitempty"`
	WindowSeconds  *float64 `json:"windowSeconds,omitempty"`
	OverlapSeconds *float64 `json:"overlapSeconds,omitempty"`
}

// TranscriptResponse is the body of the transcript endpoint
type TranscriptResponse struct {
	SessionKey string                `json:"session_key"`
	Status     *storage.StatusRecord `json:"status,omitempty"`
	Chunks     []storage.Chunk       `json:"chunks"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler serves the session control API
type Handler struct {
	sessions    Sessions
	transcripts Transcripts
	logger      zerolog.Logger
}

// NewHandler creates the control API handler
func NewHandler(sessions Sessions, transcripts Transcripts, logger zerolog.Logger) *Handler {
	return &Handler{
		sessions:    sessions,
		transcripts: transcripts,
		logger:      logger,
	}
}

// Register mounts the API routes on mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions/{key}", h.startSession)
	mux.HandleFunc("DELETE /sessions/{key}", h.stopSession)
	mux.HandleFunc("GET /sessions/{key}", h.getSession)
	mux.HandleFunc("GET /sessions", h.listSessions)
	mux.HandleFunc("GET /sessions/{key}/transcript", h.getTranscript)
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var req StartRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	cfg := h.sessions.DefaultConfig()
	if req.SpeakerName != "" {
		cfg.SpeakerName = strings.TrimSpace(req.SpeakerName)
	}
	if req.WindowSeconds != nil {
		cfg.Buffer.WindowSeconds = *req.WindowSeconds
	}
	if req.OverlapSeconds != nil {
		cfg.Buffer.OverlapSeconds = *req.OverlapSeconds
	}
	if err := cfg.Buffer.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	logger := h.logger.With().Str("session_key", key).Logger()

	if err := h.sessions.Start(r.Context(), key, cfg); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrAlreadyActive):
			writeError(w, http.StatusConflict, err.Error())
		default:
			logger.Error().Err(err).Msg("Failed to start session")
			observability.RecordError("start_session", "api")
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	logger.Info().Msg("Session started")
	writeJSON(w, http.StatusCreated, h.sessions.Status(key))
}

func (h *Handler) stopSession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	if err := h.sessions.Stop(r.Context(), key); err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Warn().Err(err).Str("session_key", key).Msg("Session stopped with error")
		observability.RecordError("stop_session", "api")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	snap := h.sessions.Status(r.PathValue("key"))
	if snap == nil {
		writeError(w, http.StatusNotFound, "session not streaming")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"sessions": h.sessions.ActiveSessions(),
	})
}

func (h *Handler) getTranscript(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	chunks, err := h.transcripts.ChunksForSession(r.Context(), key)
	if err != nil {
		h.logger.Error().Err(err).Str("session_key", key).Msg("Failed to read transcript")
		writeError(w, http.StatusInternalServerError, "failed to read transcript")
		return
	}
	status, err := h.transcripts.SessionStatus(r.Context(), key)
	if err != nil {
		h.logger.Error().Err(err).Str("session_key", key).Msg("Failed to read session status")
		writeError(w, http.StatusInternalServerError, "failed to read session status")
		return
	}
	if status == nil && len(chunks) == 0 {
		writeError(w, http.StatusNotFound, "no transcript for session")
		return
	}
	if chunks == nil {
		chunks = []storage.Chunk{}
	}

	writeJSON(w, http.StatusOK, TranscriptResponse{
		SessionKey: key,
		Status:     status,
		Chunks:     chunks,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}
