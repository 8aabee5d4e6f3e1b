package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/internal/orchestrator"
)

// Store is the persistence surface the handlers need. It is satisfied
// by *chat.Store.
type Store interface {
	CreateChat(ctx context.Context, userID string, title *string) (*chat.Chat, error)
	GetChat(ctx context.Context, userID string, chatID uuid.UUID) (*chat.Chat, error)
	ListChats(ctx context.Context, userID string, limit, offset int32) ([]*chat.Chat, error)
	UpdateChatTitle(ctx context.Context, userID string, chatID uuid.UUID, title string) (*chat.Chat, error)
	DeleteChat(ctx context.Context, userID string, chatID uuid.UUID) error
	DeleteChats(ctx context.Context, userID string) error
	Messages(ctx context.Context, chatID uuid.UUID, limit, offset int32) ([]*chat.Message, error)
}

// Generator runs response generations. It is satisfied by
// *orchestrator.Orchestrator.
type Generator interface {
	Start(ctx context.Context, req orchestrator.Request) (*orchestrator.Generation, error)
	Stop(chatID uuid.UUID) error
}

// Pinger is the readiness dependency. It is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// userIDHeader carries the authenticated caller identity, set by the
// upstream auth layer.
const userIDHeader = "X-User-ID"

// callerID extracts the caller identity. Empty means unauthenticated.
func callerID(r *http.Request) string {
	return r.Header.Get(userIDHeader)
}

// pathChatID parses the {id} path segment.
func pathChatID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue("id"))
}
