package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/OpenChannel/internal/channel"
	"github.com/BTreeMap/OpenChannel/internal/models"
	"github.com/BTreeMap/OpenChannel/internal/relay"
)

// maxSendMessageBytes caps the /sendMessage request body.
const maxSendMessageBytes = 1 << 20

// HealthStatus is the result of GET /health.
type HealthStatus struct {
	Status        string `json:"status"`
	Timestamp     string `json:"timestamp"`
	Conversations int    `json:"conversations"`
}

// sendMessageHandler relays a helpdesk reply (POST /sendMessage).
func (s *Server) sendMessageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.sendMessageHandler: processing reply", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.sendMessageHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req models.SendMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendMessageBytes)).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			slog.Warn("Server.sendMessageHandler: request body too large", "limit", tooLarge.Limit)
			writeJSONResponse(w, http.StatusRequestEntityTooLarge, models.Error("Request body too large"))
			return
		}
		slog.Warn("Server.sendMessageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	state, err := s.replier.Send(r.Context(), req)
	if err != nil {
		status := statusForSendError(err)
		if status >= http.StatusInternalServerError {
			slog.Error("Server.sendMessageHandler: reply not delivered", "thread_id", req.Interaction.ThreadID, "state", state, "status", status, "error", err)
		} else {
			slog.Warn("Server.sendMessageHandler: reply rejected", "thread_id", req.Interaction.ThreadID, "status", status, "error", err)
		}
		writeJSONResponse(w, status, models.Error(err.Error()))
		return
	}

	slog.Info("Server.sendMessageHandler: reply delivered", "thread_id", req.Interaction.ThreadID, "state", state)
	writeTextResponse(w, http.StatusOK, "ok")
}

// statusForSendError maps outbound relay errors to HTTP statuses.
func statusForSendError(err error) int {
	switch {
	case errors.Is(err, relay.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, channel.ErrAttachmentsUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// healthHandler reports liveness and the number of known conversations (GET /health).
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", http.MethodGet+", "+http.MethodHead)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	health := HealthStatus{Status: string(models.APIStatusOK), Timestamp: s.now().UTC().Format(time.RFC3339)}
	if s.counter != nil {
		n, err := s.counter.Count(r.Context())
		if err != nil {
			slog.Error("Server.healthHandler: conversation count failed", "error", err)
			health.Status = string(models.APIStatusError)
			writeJSONResponse(w, http.StatusServiceUnavailable, health)
			return
		}
		health.Conversations = n
	}
	writeJSONResponse(w, http.StatusOK, health)
}
