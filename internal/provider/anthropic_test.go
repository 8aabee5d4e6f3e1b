package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestAnthropicStreamDeltas(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		`{"type":"message_start"}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Bon"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"jour"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
		`{"type":"message_stop"}`,
	))
	defer srv.Close()

	a := NewAnthropic(AnthropicConfig{ID: "claude", BaseURL: srv.URL, Retry: fastRetry})
	events, err := a.Stream(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	got := collectEvents(t, events)

	var text string
	for _, ev := range got[:len(got)-1] {
		text += ev.Part.Text
	}
	if text != "Bonjour" {
		t.Errorf("concatenated deltas = %q, want %q", text, "Bonjour")
	}
	if last := got[len(got)-1]; last.StopReason != StopEndTurn {
		t.Errorf("stop reason = %q, want %q", last.StopReason, StopEndTurn)
	}
}

func TestAnthropicStreamToolUse(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		`{"type":"message_start"}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"city\""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":":\"Tokyo\"}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"}}`,
		`{"type":"message_stop"}`,
	))
	defer srv.Close()

	a := NewAnthropic(AnthropicConfig{ID: "claude", BaseURL: srv.URL, Retry: fastRetry})
	events, _ := a.Stream(context.Background(), Request{Model: "m"})
	got := collectEvents(t, events)

	if len(got) != 2 {
		t.Fatalf("got %d events, want tool call + stop", len(got))
	}
	call := got[0].ToolCall
	if call == nil || call.ID != "toolu_1" || call.Name != "get_weather" {
		t.Fatalf("tool call = %+v, want id=toolu_1 name=get_weather", call)
	}
	var args map[string]string
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		t.Fatalf("arguments %q did not reassemble to valid JSON: %v", call.Arguments, err)
	}
	if args["city"] != "Tokyo" {
		t.Errorf("arguments = %v, want city=Tokyo", args)
	}
	if got[1].StopReason != StopToolUse {
		t.Errorf("stop reason = %q, want %q", got[1].StopReason, StopToolUse)
	}
}

func TestAnthropicMaxTokens(t *testing.T) {
	srv := httptest.NewServer(sseHandler(
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"cut"}}`,
		`{"type":"message_delta","delta":{"stop_reason":"max_tokens"}}`,
		`{"type":"message_stop"}`,
	))
	defer srv.Close()

	a := NewAnthropic(AnthropicConfig{ID: "claude", BaseURL: srv.URL, Retry: fastRetry})
	events, _ := a.Stream(context.Background(), Request{Model: "m"})
	got := collectEvents(t, events)

	if last := got[len(got)-1]; last.StopReason != StopMaxTokens {
		t.Errorf("stop reason = %q, want %q", last.StopReason, StopMaxTokens)
	}
}

func TestAnthropicOverloadedRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		sseHandler(
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"ok"}}`,
			`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`,
		).ServeHTTP(w, r)
	}))
	defer srv.Close()

	a := NewAnthropic(AnthropicConfig{ID: "claude", BaseURL: srv.URL, Retry: fastRetry})
	events, _ := a.Stream(context.Background(), Request{Model: "m"})
	got := collectEvents(t, events)

	if n := hits.Load(); n != 2 {
		t.Errorf("server hits = %d, want 2", n)
	}
	if last := got[len(got)-1]; last.StopReason != StopEndTurn {
		t.Errorf("stop reason = %q, want success after retry", last.StopReason)
	}
}

func TestAnthropicRequestWire(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get("x-api-key"); key != "sk-ant-test" {
			t.Errorf("x-api-key = %q, want api key", key)
		}
		if ver := r.Header.Get("anthropic-version"); ver != anthropicVersion {
			t.Errorf("anthropic-version = %q, want %q", ver, anthropicVersion)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		sseHandler(`{"type":"message_stop"}`).ServeHTTP(w, r)
	}))
	defer srv.Close()

	a := NewAnthropic(AnthropicConfig{ID: "claude", BaseURL: srv.URL, APIKey: "sk-ant-test", Retry: fastRetry})
	events, _ := a.Stream(context.Background(), Request{
		Model:        "claude-test",
		SystemPrompt: "be brief",
		Messages: []Message{
			TextMessage(RoleUser, "hi"),
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "toolu_1", Name: "lookup", Arguments: json.RawMessage(`{"q":"x"}`)}}},
			{Role: RoleTool, ToolResult: &ToolResult{CallID: "toolu_1", Name: "lookup", Content: "42"}},
		},
	})
	collectEvents(t, events)

	if captured["system"] != "be brief" {
		t.Errorf("system = %v, want top-level system prompt", captured["system"])
	}
	if captured["max_tokens"] == nil || captured["max_tokens"].(float64) <= 0 {
		t.Error("request must carry a positive max_tokens")
	}

	msgs := captured["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("wire messages = %d, want 3", len(msgs))
	}

	assistant := msgs[1].(map[string]any)
	blocks := assistant["content"].([]any)
	toolUse := blocks[len(blocks)-1].(map[string]any)
	if toolUse["type"] != "tool_use" || toolUse["id"] != "toolu_1" {
		t.Errorf("assistant block = %v, want tool_use toolu_1", toolUse)
	}
	if _, ok := toolUse["input"].(map[string]any); !ok {
		t.Errorf("tool_use input = %T, want decoded object", toolUse["input"])
	}

	result := msgs[2].(map[string]any)
	if result["role"] != RoleUser {
		t.Errorf("tool result role = %v, want user", result["role"])
	}
	block := result["content"].([]any)[0].(map[string]any)
	if block["type"] != "tool_result" || block["tool_use_id"] != "toolu_1" {
		t.Errorf("tool result block = %v", block)
	}
}
