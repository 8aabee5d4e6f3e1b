package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/internal/log"
	"github.com/parley-ai/parley/internal/orchestrator"
)

// MaxMessageLength bounds the user message body.
const MaxMessageLength = 100_000

// GenerateHandler serves message sending (with the streamed response)
// and generation cancellation.
type GenerateHandler struct {
	store  Store
	gen    Generator
	logger log.Logger
}

// NewGenerateHandler creates a generate handler.
func NewGenerateHandler(store Store, gen Generator, logger log.Logger) *GenerateHandler {
	return &GenerateHandler{store: store, gen: gen, logger: logger}
}

// RegisterRoutes registers the generation routes.
func (h *GenerateHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chats/{id}/messages", h.send)
	mux.HandleFunc("POST /api/chats/{id}/stop", h.stop)
}

// SendMessageRequest is the request body for sending a message.
type SendMessageRequest struct {
	Content  string `json:"content"`
	Provider string `json:"provider,omitempty"`
}

// send persists the user message, starts a generation, and streams its
// events as SSE until the terminal done event. Closing the connection
// only drops the stream; the generation runs to completion and the
// result is readable from the transcript afterwards.
func (h *GenerateHandler) send(w http.ResponseWriter, r *http.Request) {
	user := callerID(r)
	if user == "" {
		writeError(h.logger, w, http.StatusUnauthorized, "missing_identity", "X-User-ID header required")
		return
	}
	chatID, err := pathChatID(r)
	if err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "invalid_request", "invalid chat id")
		return
	}

	var req SendMessageRequest
	r.Body = http.MaxBytesReader(w, r.Body, MaxMessageLength+4096)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(h.logger, w, http.StatusBadRequest, "invalid_request", "content is required")
		return
	}
	if len(req.Content) > MaxMessageLength {
		writeError(h.logger, w, http.StatusBadRequest, "invalid_request", "content too long")
		return
	}

	g, err := h.gen.Start(r.Context(), orchestrator.Request{
		ChatID:   chatID,
		UserID:   user,
		Content:  []chat.Part{chat.TextPart(req.Content)},
		Provider: req.Provider,
	})
	if err != nil {
		writeDomainError(h.logger, w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		// Generation is already running; drop the stream and let the
		// client fetch the result from the transcript.
		g.Detach()
		writeError(h.logger, w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("client disconnected", "chat_id", chatID)
			g.Detach()
			return
		case ev, open := <-g.Events:
			if !open {
				return
			}
			if err := writeEvent(w, flusher, string(ev.Kind), ev); err != nil {
				h.logger.Debug("dropping stream", "chat_id", chatID, "error", err)
				g.Detach()
				return
			}
		}
	}
}

// stop cancels the chat's in-flight generation.
func (h *GenerateHandler) stop(w http.ResponseWriter, r *http.Request) {
	user := callerID(r)
	if user == "" {
		writeError(h.logger, w, http.StatusUnauthorized, "missing_identity", "X-User-ID header required")
		return
	}
	chatID, err := pathChatID(r)
	if err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "invalid_request", "invalid chat id")
		return
	}
	if _, err := h.store.GetChat(r.Context(), user, chatID); err != nil {
		writeDomainError(h.logger, w, err)
		return
	}
	if err := h.gen.Stop(chatID); err != nil {
		writeDomainError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// writeEvent writes one SSE event with a JSON payload and flushes it.
func writeEvent(w io.Writer, flusher http.Flusher, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	flusher.Flush()
	return nil
}
