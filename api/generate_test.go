package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/log"
	"github.com/parley-ai/parley/internal/orchestrator"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/testutil"
	"github.com/parley-ai/parley/internal/tools"
)

// streamEvent mirrors the wire shape of one streamed event.
type streamEvent struct {
	Kind        string     `json:"kind"`
	Part        *chat.Part `json:"part"`
	Tool        string     `json:"tool"`
	Result      string     `json:"result"`
	ToolIsError bool       `json:"tool_is_error"`
	MessageID   string     `json:"message_id"`
	Status      string     `json:"status"`
	ErrKind     string     `json:"err_kind"`
}

func decodeEvent(t *testing.T, e testutil.SSEEvent) streamEvent {
	t.Helper()
	var ev streamEvent
	require.NoError(t, json.Unmarshal([]byte(e.Data), &ev))
	return ev
}

func TestSendMessageStreams(t *testing.T) {
	adapter := testutil.NewScriptedAdapter(
		testutil.Round{Deltas: []string{"Hello, ", "world"}},
	)
	env := newTestEnv(t, adapter)
	c := env.store.Seed("alice", nil)

	rec := env.do(http.MethodPost, "/api/chats/"+c.ID.String()+"/messages", "alice", `{"content":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := testutil.ParseSSEEvents(t, rec.Body.String())

	var text string
	for _, e := range testutil.FindAllEvents(events, "delta") {
		ev := decodeEvent(t, e)
		require.NotNil(t, ev.Part)
		text += ev.Part.Text
	}
	assert.Equal(t, "Hello, world", text)

	dones := testutil.FindAllEvents(events, "done")
	require.Len(t, dones, 1)
	done := decodeEvent(t, dones[0])
	assert.Equal(t, chat.StatusComplete, done.Status)
	assert.NotEmpty(t, done.MessageID)

	msgs, err := env.store.Messages(t.Context(), c.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Text())
	assert.Equal(t, chat.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello, world", msgs[1].Text())
	assert.Equal(t, done.MessageID, msgs[1].ID.String())
}

// streamBroker resolves every call to a canned result.
type streamBroker struct {
	result string
}

func (b streamBroker) Defs() []provider.ToolDef {
	return []provider.ToolDef{{Name: "get_weather"}}
}

func (b streamBroker) Invoke(_ context.Context, call tools.Call) (tools.Result, error) {
	return tools.Result{CallID: call.ID, Name: call.Name, Content: b.result}, nil
}

func TestSendMessageStreamsToolRound(t *testing.T) {
	adapter := testutil.NewScriptedAdapter(
		testutil.Round{ToolCalls: []provider.ToolCall{
			{ID: "call_1", Name: "get_weather", Arguments: json.RawMessage(`{"city":"Tokyo"}`)},
		}},
		testutil.Round{Deltas: []string{"Sunny in Tokyo."}},
	)

	store := testutil.NewMemStore()
	o := orchestrator.New(store, stubProviders{adapter: adapter}, streamBroker{result: "sunny"}, config.DefaultGeneration(), log.NewNop())
	srv := NewServer(store, o, nil, log.NewNop())
	env := &testEnv{store: store, orch: o, handler: srv.Handler()}
	c := store.Seed("alice", nil)

	rec := env.do(http.MethodPost, "/api/chats/"+c.ID.String()+"/messages", "alice", `{"content":"weather in tokyo?"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	events := testutil.ParseSSEEvents(t, rec.Body.String())

	calls := testutil.FindAllEvents(events, "tool_call")
	require.Len(t, calls, 1)
	assert.Equal(t, "get_weather", decodeEvent(t, calls[0]).Tool)

	results := testutil.FindAllEvents(events, "tool_result")
	require.Len(t, results, 1)
	res := decodeEvent(t, results[0])
	assert.Equal(t, "get_weather", res.Tool)
	assert.Equal(t, "sunny", res.Result)
	assert.False(t, res.ToolIsError)

	dones := testutil.FindAllEvents(events, "done")
	require.Len(t, dones, 1)
	assert.Equal(t, chat.StatusComplete, decodeEvent(t, dones[0]).Status)
}

func TestSendMessageValidation(t *testing.T) {
	env := newTestEnv(t, testutil.NewScriptedAdapter())
	c := env.store.Seed("alice", nil)
	target := "/api/chats/" + c.ID.String() + "/messages"

	tests := []struct {
		name     string
		target   string
		user     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"empty content", target, "alice", `{"content":""}`, http.StatusBadRequest, "invalid_request"},
		{"malformed body", target, "alice", `{"content":`, http.StatusBadRequest, "invalid_request"},
		{"missing identity", target, "", `{"content":"hi"}`, http.StatusUnauthorized, "missing_identity"},
		{"unknown chat", "/api/chats/00000000-0000-0000-0000-000000000001/messages", "alice", `{"content":"hi"}`, http.StatusNotFound, "not_found"},
		{"malformed chat id", "/api/chats/nope/messages", "alice", `{"content":"hi"}`, http.StatusBadRequest, "invalid_request"},
		{"unknown provider", target, "alice", `{"content":"hi","provider":"acme"}`, http.StatusBadRequest, "unknown_provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, tt.target, tt.user, tt.body)
			require.Equal(t, tt.wantCode, rec.Code)

			var er ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &er))
			assert.Equal(t, tt.wantErr, er.Error)
		})
	}
}

func TestSendMessageChatBusy(t *testing.T) {
	adapter := newGatedAdapter()
	env := newTestEnv(t, adapter)
	c := env.store.Seed("alice", nil)

	g, err := env.orch.Start(t.Context(), orchestrator.Request{
		ChatID:  c.ID,
		UserID:  "alice",
		Content: []chat.Part{chat.TextPart("first")},
	})
	require.NoError(t, err)
	<-adapter.started

	rec := env.do(http.MethodPost, "/api/chats/"+c.ID.String()+"/messages", "alice", `{"content":"second"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	var er ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &er))
	assert.Equal(t, "chat_busy", er.Error)

	close(adapter.release)
	waitCtx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	_, err = g.Wait(waitCtx)
	require.NoError(t, err)
}

func TestStopGeneration(t *testing.T) {
	adapter := newGatedAdapter()
	env := newTestEnv(t, adapter)
	c := env.store.Seed("alice", nil)

	g, err := env.orch.Start(t.Context(), orchestrator.Request{
		ChatID:  c.ID,
		UserID:  "alice",
		Content: []chat.Part{chat.TextPart("take your time")},
	})
	require.NoError(t, err)
	g.Detach()
	<-adapter.started

	rec := env.do(http.MethodPost, "/api/chats/"+c.ID.String()+"/stop", "alice", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	waitCtx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	msg, err := g.Wait(waitCtx)
	require.True(t, errors.Is(err, orchestrator.ErrStopped))
	require.NotNil(t, msg)
	assert.Equal(t, chat.StatusInterrupted, msg.Status)
	assert.Equal(t, "partial", msg.Text())
}

func TestStopWithoutGeneration(t *testing.T) {
	env := newTestEnv(t, testutil.NewScriptedAdapter())
	c := env.store.Seed("alice", nil)

	rec := env.do(http.MethodPost, "/api/chats/"+c.ID.String()+"/stop", "alice", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	var er ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &er))
	assert.Equal(t, "no_active_generation", er.Error)
}

func TestStopOwnershipEnforced(t *testing.T) {
	adapter := newGatedAdapter()
	env := newTestEnv(t, adapter)
	c := env.store.Seed("alice", nil)

	g, err := env.orch.Start(t.Context(), orchestrator.Request{
		ChatID:  c.ID,
		UserID:  "alice",
		Content: []chat.Part{chat.TextPart("hi")},
	})
	require.NoError(t, err)
	g.Detach()
	<-adapter.started

	rec := env.do(http.MethodPost, "/api/chats/"+c.ID.String()+"/stop", "mallory", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	close(adapter.release)
	waitCtx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	_, err = g.Wait(waitCtx)
	require.NoError(t, err)
}

func TestSendMessageProviderFailure(t *testing.T) {
	adapter := testutil.NewScriptedAdapter(
		testutil.Round{Err: &provider.Error{Provider: "scripted", Status: 500, Message: "upstream exploded"}},
	)
	env := newTestEnv(t, adapter)
	c := env.store.Seed("alice", nil)

	rec := env.do(http.MethodPost, "/api/chats/"+c.ID.String()+"/messages", "alice", `{"content":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	events := testutil.ParseSSEEvents(t, rec.Body.String())

	errs := testutil.FindAllEvents(events, "error")
	require.Len(t, errs, 1)
	assert.Equal(t, "provider_error", decodeEvent(t, errs[0]).ErrKind)

	dones := testutil.FindAllEvents(events, "done")
	require.Len(t, dones, 1)
	assert.Equal(t, chat.StatusFailed, decodeEvent(t, dones[0]).Status)
}
