package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/internal/log"
	"github.com/parley-ai/parley/internal/orchestrator"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/tools"
)

// writeJSON writes a JSON response with the given status code. Encoding
// failures after WriteHeader cannot reach the client; they are logged.
func writeJSON(logger log.Logger, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("encoding JSON response", "error", err)
	}
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeError writes a JSON error response.
func writeError(logger log.Logger, w http.ResponseWriter, status int, code, message string) {
	writeJSON(logger, w, status, ErrorResponse{Error: code, Message: message})
}

// writeDomainError maps a domain error to its HTTP representation.
func writeDomainError(logger log.Logger, w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	}
	writeError(logger, w, status, code, err.Error())
}

func errorStatus(err error) (int, string) {
	var invErr *tools.InvocationError
	switch {
	case errors.Is(err, chat.ErrChatNotFound), errors.Is(err, chat.ErrMessageNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, orchestrator.ErrChatBusy):
		return http.StatusConflict, "chat_busy"
	case errors.Is(err, orchestrator.ErrNoActiveGeneration):
		return http.StatusNotFound, "no_active_generation"
	case errors.Is(err, provider.ErrUnknownProvider):
		return http.StatusBadRequest, "unknown_provider"
	case errors.Is(err, chat.ErrMessageImmutable):
		return http.StatusConflict, "message_immutable"
	case errors.As(err, &invErr):
		return http.StatusBadGateway, "tool_invocation_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
