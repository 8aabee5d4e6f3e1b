package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/parley-ai/parley/internal/log"
)

// DB is the database surface the store needs. It is satisfied by
// *pgxpool.Pool; tests substitute a mock.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists chats and messages in PostgreSQL.
//
// Store is safe for concurrent use. All state lives in PostgreSQL; the
// chat row is locked (SELECT ... FOR UPDATE) while sequence numbers are
// assigned, so concurrent appends to the same chat serialize at the
// database.
type Store struct {
	db     DB
	logger log.Logger
}

// NewStore creates a Store backed by the given database handle.
func NewStore(db DB, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{db: db, logger: logger}
}

// CreateChat creates a new chat for the given user.
func (s *Store) CreateChat(ctx context.Context, userID string, title *string) (*Chat, error) {
	c := &Chat{ID: uuid.New(), UserID: userID, Title: title}

	row := s.db.QueryRow(ctx, `
		INSERT INTO chats (id, user_id, title)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`,
		c.ID, c.UserID, c.Title)
	if err := row.Scan(&c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}

	s.logger.Debug("created chat", "id", c.ID, "user_id", userID)
	return c, nil
}

// GetChat retrieves a chat by id, scoped to the owning user.
// Returns ErrChatNotFound if the chat does not exist or belongs to a
// different user; callers cannot distinguish the two cases.
func (s *Store) GetChat(ctx context.Context, userID string, chatID uuid.UUID) (*Chat, error) {
	c := &Chat{}
	row := s.db.QueryRow(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM chats
		WHERE id = $1 AND user_id = $2`,
		chatID, userID)
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("get chat %s: %w", chatID, err)
	}
	return c, nil
}

// ListChats lists a user's chats ordered by most recently updated.
func (s *Store) ListChats(ctx context.Context, userID string, limit, offset int32) ([]*Chat, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM chats
		WHERE user_id = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []*Chat
	for rows.Next() {
		c := &Chat{}
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return chats, nil
}

// UpdateChatTitle sets a chat's title and bumps updated_at.
func (s *Store) UpdateChatTitle(ctx context.Context, userID string, chatID uuid.UUID, title string) (*Chat, error) {
	c := &Chat{}
	row := s.db.QueryRow(ctx, `
		UPDATE chats
		SET title = $3, updated_at = now()
		WHERE id = $1 AND user_id = $2
		RETURNING id, user_id, title, created_at, updated_at`,
		chatID, userID, title)
	if err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("update chat title %s: %w", chatID, err)
	}
	return c, nil
}

// DeleteChat deletes a chat and all of its messages (CASCADE).
func (s *Store) DeleteChat(ctx context.Context, userID string, chatID uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM chats WHERE id = $1 AND user_id = $2`,
		chatID, userID)
	if err != nil {
		return fmt.Errorf("delete chat %s: %w", chatID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChatNotFound
	}
	s.logger.Debug("deleted chat", "id", chatID)
	return nil
}

// DeleteChats deletes all chats owned by the user.
func (s *Store) DeleteChats(ctx context.Context, userID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM chats WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete chats for %s: %w", userID, err)
	}
	return nil
}

// AppendMessage inserts a message at the end of the chat's sequence.
//
// The chat row is locked for the duration of the transaction so that
// sequence numbers stay gapless under concurrent writers. The chat's
// updated_at is bumped in the same transaction.
func (s *Store) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	if msg.ChatID == uuid.Nil {
		return nil, fmt.Errorf("append message: chat id is required")
	}
	if !ValidStatus(msg.Status) {
		return nil, fmt.Errorf("append message: %w: %q", ErrInvalidStatus, msg.Status)
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}

	contentJSON, err := MarshalParts(msg.Content)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", err)
		}
	}()

	// Lock the chat row; serializes sequence assignment per chat.
	var lockedID uuid.UUID
	if err := tx.QueryRow(ctx, `SELECT id FROM chats WHERE id = $1 FOR UPDATE`, msg.ChatID).Scan(&lockedID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("lock chat %s: %w", msg.ChatID, err)
	}

	var maxSeq int32
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence_number), 0) FROM messages WHERE chat_id = $1`,
		msg.ChatID).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("max sequence for chat %s: %w", msg.ChatID, err)
	}
	msg.SequenceNumber = maxSeq + 1

	row := tx.QueryRow(ctx, `
		INSERT INTO messages (id, chat_id, role, content, status, sequence_number)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		msg.ID, msg.ChatID, msg.Role, contentJSON, msg.Status, msg.SequenceNumber)
	if err := row.Scan(&msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE chats SET updated_at = now() WHERE id = $1`, msg.ChatID); err != nil {
		return nil, fmt.Errorf("touch chat %s: %w", msg.ChatID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.logger.Debug("appended message",
		"chat_id", msg.ChatID,
		"message_id", msg.ID,
		"role", msg.Role,
		"seq", msg.SequenceNumber)
	return msg, nil
}

// Messages returns a chat's messages ordered by sequence number.
// A limit of 0 returns all messages.
func (s *Store) Messages(ctx context.Context, chatID uuid.UUID, limit, offset int32) ([]*Message, error) {
	query := `
		SELECT id, chat_id, role, content, status, sequence_number, created_at
		FROM messages
		WHERE chat_id = $1
		ORDER BY sequence_number ASC`
	args := []any{chatID}
	if limit > 0 {
		query += ` LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages for chat %s: %w", chatID, err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m := &Message{}
		var contentJSON []byte
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &contentJSON, &m.Status, &m.SequenceNumber, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		parts, err := UnmarshalParts(contentJSON)
		if err != nil {
			s.logger.Warn("skipping malformed message content", "message_id", m.ID, "error", err)
			continue
		}
		m.Content = parts
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages for chat %s: %w", chatID, err)
	}
	return messages, nil
}

// UpdateMessageStatus transitions a message's status. Messages that
// already reached StatusComplete are immutable; attempting to change
// them returns ErrMessageImmutable.
func (s *Store) UpdateMessageStatus(ctx context.Context, messageID uuid.UUID, status string) error {
	if !ValidStatus(status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE messages SET status = $2
		WHERE id = $1 AND status <> $3`,
		messageID, status, StatusComplete)
	if err != nil {
		return fmt.Errorf("update message status %s: %w", messageID, err)
	}
	if tag.RowsAffected() == 0 {
		var existing string
		err := s.db.QueryRow(ctx, `SELECT status FROM messages WHERE id = $1`, messageID).Scan(&existing)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("update message status %s: %w", messageID, err)
		}
		return ErrMessageImmutable
	}
	return nil
}
