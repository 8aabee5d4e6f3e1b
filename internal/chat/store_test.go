package chat

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// rowScan fills the Scan destinations of one row.
type rowScan func(dest ...any) error

// scanVals builds a rowScan that assigns the given values positionally.
func scanVals(vals ...any) rowScan {
	return func(dest ...any) error {
		if len(dest) != len(vals) {
			return fmt.Errorf("scan: %d destinations, %d values", len(dest), len(vals))
		}
		for i, v := range vals {
			d := reflect.ValueOf(dest[i]).Elem()
			if v == nil {
				d.Set(reflect.Zero(d.Type()))
				continue
			}
			d.Set(reflect.ValueOf(v))
		}
		return nil
	}
}

// errScan builds a rowScan that fails with err.
func errScan(err error) rowScan {
	return func(...any) error { return err }
}

type mockRow struct{ scan rowScan }

func (r mockRow) Scan(dest ...any) error { return r.scan(dest...) }

// mockRows replays scripted rows through the pgx.Rows surface the store
// uses. The embedded interface covers the methods the store never
// calls.
type mockRows struct {
	pgx.Rows
	scans []rowScan
	idx   int
	err   error
}

func (r *mockRows) Next() bool {
	r.idx++
	return r.idx <= len(r.scans)
}

func (r *mockRows) Scan(dest ...any) error { return r.scans[r.idx-1](dest...) }
func (r *mockRows) Close()                 {}
func (r *mockRows) Err() error             { return r.err }

// mockTx satisfies pgx.Tx for the statements AppendMessage issues,
// delegating them to the parent mockDB.
type mockTx struct {
	pgx.Tx
	db         *mockDB
	committed  bool
	rolledBack bool
}

func (t *mockTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.db.QueryRow(ctx, sql, args...)
}

func (t *mockTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, args...)
}

func (t *mockTx) Commit(context.Context) error {
	t.committed = true
	return t.db.commitErr
}

func (t *mockTx) Rollback(context.Context) error {
	if t.committed {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

type execResult struct {
	tag pgconn.CommandTag
	err error
}

// mockDB scripts responses per statement kind and records every SQL
// statement with its arguments, in execution order.
type mockDB struct {
	rowQueue  []rowScan
	execQueue []execResult
	queryRows *mockRows
	queryErr  error
	beginErr  error
	commitErr error

	stmts []string
	args  [][]any
	tx    *mockTx
}

func (m *mockDB) record(sql string, args []any) {
	m.stmts = append(m.stmts, sql)
	m.args = append(m.args, args)
}

func (m *mockDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	m.record(sql, args)
	if len(m.rowQueue) == 0 {
		return mockRow{scan: errScan(errors.New("unexpected QueryRow"))}
	}
	scan := m.rowQueue[0]
	m.rowQueue = m.rowQueue[1:]
	return mockRow{scan: scan}
}

func (m *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.record(sql, args)
	if len(m.execQueue) == 0 {
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}
	res := m.execQueue[0]
	m.execQueue = m.execQueue[1:]
	return res.tag, res.err
}

func (m *mockDB) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	m.record(sql, args)
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	return m.queryRows, nil
}

func (m *mockDB) Begin(context.Context) (pgx.Tx, error) {
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	m.tx = &mockTx{db: m}
	return m.tx, nil
}

// stmtContaining returns the index of the first recorded statement
// containing the fragment, or -1.
func (m *mockDB) stmtContaining(fragment string) int {
	for i, s := range m.stmts {
		if strings.Contains(s, fragment) {
			return i
		}
	}
	return -1
}

func TestStoreCreateChat(t *testing.T) {
	now := time.Now().UTC()
	db := &mockDB{rowQueue: []rowScan{scanVals(now, now)}}
	s := NewStore(db, nil)

	title := "Trip planning"
	c, err := s.CreateChat(context.Background(), "u1", &title)
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	if c.UserID != "u1" || c.Title == nil || *c.Title != title {
		t.Errorf("chat = %+v, want user u1 with title", c)
	}
	if c.ID == uuid.Nil || !c.CreatedAt.Equal(now) {
		t.Errorf("chat = %+v, want generated id and returned timestamps", c)
	}
	if db.stmtContaining("INSERT INTO chats") != 0 {
		t.Errorf("statements = %q, want chat insert first", db.stmts)
	}
}

func TestStoreGetChat(t *testing.T) {
	chatID := uuid.New()
	now := time.Now().UTC()

	t.Run("found", func(t *testing.T) {
		db := &mockDB{rowQueue: []rowScan{
			scanVals(chatID, "u1", (*string)(nil), now, now),
		}}
		s := NewStore(db, nil)

		c, err := s.GetChat(context.Background(), "u1", chatID)
		if err != nil {
			t.Fatalf("GetChat() error = %v", err)
		}
		if c.ID != chatID || c.UserID != "u1" || c.Title != nil {
			t.Errorf("chat = %+v", c)
		}
		// Ownership is enforced in the query itself.
		if got := db.args[0]; len(got) != 2 || got[0] != chatID || got[1] != "u1" {
			t.Errorf("query args = %v, want chat id and user id", got)
		}
	})

	t.Run("no rows maps to not found", func(t *testing.T) {
		db := &mockDB{rowQueue: []rowScan{errScan(pgx.ErrNoRows)}}
		s := NewStore(db, nil)

		if _, err := s.GetChat(context.Background(), "u1", chatID); !errors.Is(err, ErrChatNotFound) {
			t.Errorf("GetChat() error = %v, want ErrChatNotFound", err)
		}
	})
}

func TestStoreListChats(t *testing.T) {
	now := time.Now().UTC()
	id1, id2 := uuid.New(), uuid.New()
	db := &mockDB{queryRows: &mockRows{scans: []rowScan{
		scanVals(id1, "u1", (*string)(nil), now, now),
		scanVals(id2, "u1", (*string)(nil), now, now),
	}}}
	s := NewStore(db, nil)

	chats, err := s.ListChats(context.Background(), "u1", 10, 0)
	if err != nil {
		t.Fatalf("ListChats() error = %v", err)
	}
	if len(chats) != 2 || chats[0].ID != id1 || chats[1].ID != id2 {
		t.Errorf("chats = %+v, want both rows in order", chats)
	}
	if db.stmtContaining("ORDER BY updated_at DESC") == -1 {
		t.Errorf("statements = %q, want recency ordering", db.stmts)
	}
}

func TestStoreUpdateChatTitle(t *testing.T) {
	chatID := uuid.New()

	t.Run("no rows maps to not found", func(t *testing.T) {
		db := &mockDB{rowQueue: []rowScan{errScan(pgx.ErrNoRows)}}
		s := NewStore(db, nil)

		if _, err := s.UpdateChatTitle(context.Background(), "u1", chatID, "x"); !errors.Is(err, ErrChatNotFound) {
			t.Errorf("UpdateChatTitle() error = %v, want ErrChatNotFound", err)
		}
	})
}

func TestStoreDeleteChat(t *testing.T) {
	chatID := uuid.New()

	tests := []struct {
		name    string
		tag     string
		wantErr error
	}{
		{"deleted", "DELETE 1", nil},
		{"missing", "DELETE 0", ErrChatNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &mockDB{execQueue: []execResult{{tag: pgconn.NewCommandTag(tt.tag)}}}
			s := NewStore(db, nil)

			err := s.DeleteChat(context.Background(), "u1", chatID)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("DeleteChat() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStoreAppendMessage(t *testing.T) {
	chatID := uuid.New()
	now := time.Now().UTC()

	db := &mockDB{rowQueue: []rowScan{
		scanVals(chatID),   // row lock
		scanVals(int32(4)), // current max sequence
		scanVals(now),      // insert returning created_at
	}}
	s := NewStore(db, nil)

	msg, err := s.AppendMessage(context.Background(), &Message{
		ChatID:  chatID,
		Role:    RoleUser,
		Content: []Part{TextPart("hi")},
		Status:  StatusComplete,
	})
	if err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if msg.SequenceNumber != 5 {
		t.Errorf("sequence = %d, want max+1 = 5", msg.SequenceNumber)
	}
	if msg.ID == uuid.Nil || !msg.CreatedAt.Equal(now) {
		t.Errorf("message = %+v, want generated id and returned created_at", msg)
	}
	if db.stmtContaining("FOR UPDATE") == -1 {
		t.Errorf("statements = %q, want the chat row locked before sequencing", db.stmts)
	}
	if db.stmtContaining("UPDATE chats SET updated_at") == -1 {
		t.Errorf("statements = %q, want the chat touched in the same transaction", db.stmts)
	}
	if !db.tx.committed || db.tx.rolledBack {
		t.Errorf("tx committed = %v rolledBack = %v, want committed only", db.tx.committed, db.tx.rolledBack)
	}
}

func TestStoreAppendMessageChatMissing(t *testing.T) {
	db := &mockDB{rowQueue: []rowScan{errScan(pgx.ErrNoRows)}}
	s := NewStore(db, nil)

	_, err := s.AppendMessage(context.Background(), &Message{
		ChatID:  uuid.New(),
		Role:    RoleUser,
		Content: []Part{TextPart("hi")},
		Status:  StatusComplete,
	})
	if !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("AppendMessage() error = %v, want ErrChatNotFound", err)
	}
	if db.tx == nil || db.tx.committed || !db.tx.rolledBack {
		t.Errorf("tx = %+v, want rolled back and never committed", db.tx)
	}
}

func TestStoreAppendMessageValidation(t *testing.T) {
	db := &mockDB{}
	s := NewStore(db, nil)

	t.Run("missing chat id", func(t *testing.T) {
		_, err := s.AppendMessage(context.Background(), &Message{Role: RoleUser, Status: StatusComplete})
		if err == nil {
			t.Error("AppendMessage() error = nil, want chat id error")
		}
	})

	t.Run("invalid status", func(t *testing.T) {
		_, err := s.AppendMessage(context.Background(), &Message{ChatID: uuid.New(), Role: RoleUser, Status: "bogus"})
		if !errors.Is(err, ErrInvalidStatus) {
			t.Errorf("AppendMessage() error = %v, want ErrInvalidStatus", err)
		}
	})

	if len(db.stmts) != 0 {
		t.Errorf("statements = %q, want none before validation passes", db.stmts)
	}
}

func TestStoreMessages(t *testing.T) {
	chatID := uuid.New()
	now := time.Now().UTC()
	content, err := MarshalParts([]Part{TextPart("hello")})
	if err != nil {
		t.Fatal(err)
	}

	db := &mockDB{queryRows: &mockRows{scans: []rowScan{
		scanVals(uuid.New(), chatID, RoleUser, content, StatusComplete, int32(1), now),
		scanVals(uuid.New(), chatID, RoleAssistant, []byte(`{broken`), StatusComplete, int32(2), now),
		scanVals(uuid.New(), chatID, RoleAssistant, content, StatusComplete, int32(3), now),
	}}}
	s := NewStore(db, nil)

	msgs, err := s.Messages(context.Background(), chatID, 0, 0)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	// The malformed row is skipped, not fatal.
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].SequenceNumber != 1 || msgs[1].SequenceNumber != 3 {
		t.Errorf("sequences = %d, %d", msgs[0].SequenceNumber, msgs[1].SequenceNumber)
	}
	if msgs[0].Text() != "hello" {
		t.Errorf("text = %q", msgs[0].Text())
	}
}

func TestStoreUpdateMessageStatus(t *testing.T) {
	msgID := uuid.New()

	t.Run("invalid status", func(t *testing.T) {
		s := NewStore(&mockDB{}, nil)
		if err := s.UpdateMessageStatus(context.Background(), msgID, "bogus"); !errors.Is(err, ErrInvalidStatus) {
			t.Errorf("error = %v, want ErrInvalidStatus", err)
		}
	})

	t.Run("updated", func(t *testing.T) {
		db := &mockDB{execQueue: []execResult{{tag: pgconn.NewCommandTag("UPDATE 1")}}}
		s := NewStore(db, nil)
		if err := s.UpdateMessageStatus(context.Background(), msgID, StatusFailed); err != nil {
			t.Errorf("error = %v", err)
		}
	})

	t.Run("complete message is immutable", func(t *testing.T) {
		db := &mockDB{
			execQueue: []execResult{{tag: pgconn.NewCommandTag("UPDATE 0")}},
			rowQueue:  []rowScan{scanVals(StatusComplete)},
		}
		s := NewStore(db, nil)
		if err := s.UpdateMessageStatus(context.Background(), msgID, StatusFailed); !errors.Is(err, ErrMessageImmutable) {
			t.Errorf("error = %v, want ErrMessageImmutable", err)
		}
	})

	t.Run("unknown message", func(t *testing.T) {
		db := &mockDB{
			execQueue: []execResult{{tag: pgconn.NewCommandTag("UPDATE 0")}},
			rowQueue:  []rowScan{errScan(pgx.ErrNoRows)},
		}
		s := NewStore(db, nil)
		if err := s.UpdateMessageStatus(context.Background(), msgID, StatusFailed); !errors.Is(err, ErrMessageNotFound) {
			t.Errorf("error = %v, want ErrMessageNotFound", err)
		}
	})
}
