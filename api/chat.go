package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/internal/log"
)

// Request validation bounds.
const (
	MaxTitleLength   = 200
	DefaultListLimit = 100
	MaxListLimit     = 1000
	MaxListOffset    = 100000
)

// ChatHandler serves the chat CRUD endpoints.
type ChatHandler struct {
	store  Store
	logger log.Logger
}

// NewChatHandler creates a chat handler.
func NewChatHandler(store Store, logger log.Logger) *ChatHandler {
	return &ChatHandler{store: store, logger: logger}
}

// RegisterRoutes registers the chat CRUD routes.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chats", h.create)
	mux.HandleFunc("GET /api/chats", h.list)
	mux.HandleFunc("DELETE /api/chats", h.deleteAll)
	mux.HandleFunc("GET /api/chats/{id}", h.get)
	mux.HandleFunc("PATCH /api/chats/{id}", h.rename)
	mux.HandleFunc("DELETE /api/chats/{id}", h.delete)
	mux.HandleFunc("GET /api/chats/{id}/messages", h.messages)
}

// CreateChatRequest is the request body for creating a chat.
type CreateChatRequest struct {
	Title *string `json:"title"`
}

func (h *ChatHandler) create(w http.ResponseWriter, r *http.Request) {
	user := callerID(r)
	if user == "" {
		writeError(h.logger, w, http.StatusUnauthorized, "missing_identity", "X-User-ID header required")
		return
	}

	var req CreateChatRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(h.logger, w, http.StatusBadRequest, "invalid_request", "invalid request body")
			return
		}
	}
	if req.Title != nil && len(*req.Title) > MaxTitleLength {
		writeError(h.logger, w, http.StatusBadRequest, "invalid_request", "title too long")
		return
	}

	c, err := h.store.CreateChat(r.Context(), user, req.Title)
	if err != nil {
		writeDomainError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusCreated, c)
}

func (h *ChatHandler) list(w http.ResponseWriter, r *http.Request) {
	user := callerID(r)
	if user == "" {
		writeError(h.logger, w, http.StatusUnauthorized, "missing_identity", "X-User-ID header required")
		return
	}

	limit := parseIntParam(r, "limit", DefaultListLimit, 1, MaxListLimit)
	offset := parseIntParam(r, "offset", 0, 0, MaxListOffset)

	chats, err := h.store.ListChats(r.Context(), user, int32(limit), int32(offset))
	if err != nil {
		writeDomainError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, map[string]any{
		"chats":  chats,
		"total":  len(chats),
		"limit":  limit,
		"offset": offset,
	})
}

func (h *ChatHandler) get(w http.ResponseWriter, r *http.Request) {
	user, chatID, ok := h.identify(w, r)
	if !ok {
		return
	}
	c, err := h.store.GetChat(r.Context(), user, chatID)
	if err != nil {
		writeDomainError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, c)
}

// RenameChatRequest is the request body for renaming a chat.
type RenameChatRequest struct {
	Title string `json:"title"`
}

func (h *ChatHandler) rename(w http.ResponseWriter, r *http.Request) {
	user, chatID, ok := h.identify(w, r)
	if !ok {
		return
	}

	var req RenameChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.Title == "" || len(req.Title) > MaxTitleLength {
		writeError(h.logger, w, http.StatusBadRequest, "invalid_request", "title must be 1-200 characters")
		return
	}

	c, err := h.store.UpdateChatTitle(r.Context(), user, chatID, req.Title)
	if err != nil {
		writeDomainError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, c)
}

func (h *ChatHandler) delete(w http.ResponseWriter, r *http.Request) {
	user, chatID, ok := h.identify(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteChat(r.Context(), user, chatID); err != nil {
		writeDomainError(h.logger, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) deleteAll(w http.ResponseWriter, r *http.Request) {
	user := callerID(r)
	if user == "" {
		writeError(h.logger, w, http.StatusUnauthorized, "missing_identity", "X-User-ID header required")
		return
	}
	if err := h.store.DeleteChats(r.Context(), user); err != nil {
		writeDomainError(h.logger, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) messages(w http.ResponseWriter, r *http.Request) {
	user, chatID, ok := h.identify(w, r)
	if !ok {
		return
	}

	// Ownership check before touching the transcript.
	if _, err := h.store.GetChat(r.Context(), user, chatID); err != nil {
		writeDomainError(h.logger, w, err)
		return
	}

	limit := parseIntParam(r, "limit", 0, 0, MaxListLimit)
	offset := parseIntParam(r, "offset", 0, 0, MaxListOffset)

	msgs, err := h.store.Messages(r.Context(), chatID, int32(limit), int32(offset))
	if err != nil {
		writeDomainError(h.logger, w, err)
		return
	}
	writeJSON(h.logger, w, http.StatusOK, map[string]any{
		"messages": msgs,
		"total":    len(msgs),
	})
}

// identify extracts caller identity and the chat id, writing the error
// response itself when either is missing.
func (h *ChatHandler) identify(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	user := callerID(r)
	if user == "" {
		writeError(h.logger, w, http.StatusUnauthorized, "missing_identity", "X-User-ID header required")
		return "", uuid.Nil, false
	}
	chatID, err := pathChatID(r)
	if err != nil {
		writeError(h.logger, w, http.StatusBadRequest, "invalid_request", "invalid chat id")
		return "", uuid.Nil, false
	}
	return user, chatID, true
}

// parseIntParam parses an integer query parameter with bounds.
func parseIntParam(r *http.Request, name string, defaultVal, min, max int) int {
	str := r.URL.Query().Get(name)
	if str == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return defaultVal
	}
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
