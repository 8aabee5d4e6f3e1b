package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"golang.org/x/time/rate"

	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/internal/log"
)

// OpenAI streams chat completions from any OpenAI-compatible endpoint
// (OpenAI, OpenRouter, vLLM, llama.cpp server). Transport is SSE over a
// single POST to /chat/completions.
type OpenAI struct {
	id      string
	baseURL string
	apiKey  string
	client  *http.Client
	retry   RetryConfig
	limiter *rate.Limiter
	logger  log.Logger
}

// OpenAIConfig configures an OpenAI-compatible adapter.
type OpenAIConfig struct {
	// ID is the provider id this adapter is registered under; it tags
	// errors and log lines.
	ID      string
	BaseURL string
	APIKey  string

	// Client is the shared HTTP client. Nil uses a default client with
	// a bounded connection pool.
	Client *http.Client

	Retry   RetryConfig   // zero value uses DefaultRetryConfig
	Limiter *rate.Limiter // nil disables proactive rate limiting
	Logger  log.Logger
}

// NewOpenAI creates an OpenAI-compatible streaming adapter.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	retry := cfg.Retry
	if retry.MaxRetries == 0 && retry.InitialInterval == 0 {
		retry = DefaultRetryConfig()
	}
	client := cfg.Client
	if client == nil {
		client = newHTTPClient()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &OpenAI{
		id:      cfg.ID,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
		retry:   retry,
		limiter: cfg.Limiter,
		logger:  logger,
	}
}

// newHTTPClient builds the shared transport with a bounded connection
// pool, reused across sessions.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: 8,
			MaxConnsPerHost:     16,
		},
	}
}

// Stream implements Adapter. The producer goroutine owns the channel
// and closes it after the terminal stop event.
func (a *OpenAI) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	events := make(chan Event, eventBuffer)
	go func() {
		defer close(events)
		runWithRetry(ctx, a.id, a.retry, a.limiter, a.logger, events, func(ctx context.Context) (bool, *Error) {
			return a.attempt(ctx, req, events)
		})
	}()
	return events, nil
}

// attempt performs one streaming call. It returns (emitted, nil) after
// sending a terminal stop event itself, or the classified error.
func (a *OpenAI) attempt(ctx context.Context, req Request, events chan<- Event) (bool, *Error) {
	body, err := json.Marshal(a.buildBody(req))
	if err != nil {
		return false, &Error{Provider: a.id, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return false, &Error{Provider: a.id, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return false, &Error{Provider: a.id, Message: err.Error(), Temporary: retryableError(err) && ctx.Err() == nil}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, &Error{
			Provider:  a.id,
			Status:    resp.StatusCode,
			Message:   strings.TrimSpace(string(snippet)),
			Temporary: retryableStatus(resp.StatusCode),
		}
	}

	return a.consume(ctx, resp.Body, events)
}

// oaiDelta mirrors the streaming chunk wire format.
type oaiDelta struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// partialCall accumulates a tool call across chunks.
type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// consume reads the SSE stream and translates chunks into events.
func (a *OpenAI) consume(ctx context.Context, body io.Reader, events chan<- Event) (bool, *Error) {
	emitted := false
	finishReason := ""
	calls := make(map[int]*partialCall)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue // SSE comments, event names, blank keep-alives
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}

		var chunk oaiDelta
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			a.logger.Debug("skipping malformed stream chunk", "provider", a.id, "error", err)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			events <- Event{Type: EventDelta, Part: chat.TextPart(choice.Delta.Content)}
			emitted = true
		}

		for _, tc := range choice.Delta.ToolCalls {
			pc := calls[tc.Index]
			if pc == nil {
				pc = &partialCall{}
				calls[tc.Index] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}

		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
	}

	if err := scanner.Err(); err != nil {
		return emitted, &Error{
			Provider:  a.id,
			Message:   fmt.Sprintf("read stream: %v", err),
			Temporary: retryableError(err) && ctx.Err() == nil,
		}
	}

	// Tool calls are emitted complete, in index order, once the stream
	// has delivered every argument fragment.
	if len(calls) > 0 {
		indexes := make([]int, 0, len(calls))
		for i := range calls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			pc := calls[i]
			events <- Event{Type: EventToolCall, ToolCall: &ToolCall{
				ID:        pc.id,
				Name:      pc.name,
				Arguments: json.RawMessage(pc.args.String()),
			}}
			emitted = true
		}
		events <- stopEvent(StopToolUse, nil)
		return emitted, nil
	}

	switch finishReason {
	case "length":
		events <- stopEvent(StopMaxTokens, nil)
	default:
		events <- stopEvent(StopEndTurn, nil)
	}
	return emitted, nil
}

// Wire request types.
type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Temperature *float32     `json:"temperature,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Stream      bool         `json:"stream"`
	Tools       []oaiTool    `json:"tools,omitempty"`
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    any           `json:"content"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Parameters  any    `json:"parameters,omitempty"`
	} `json:"function"`
}

func (a *OpenAI) buildBody(req Request) oaiRequest {
	out := oaiRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stream:    true,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}

	if req.SystemPrompt != "" {
		out.Messages = append(out.Messages, oaiMessage{Role: RoleSystem, Content: req.SystemPrompt})
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, a.wireMessage(m))
	}

	for _, t := range req.Tools {
		wt := oaiTool{Type: "function"}
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.InputSchema
		out.Tools = append(out.Tools, wt)
	}
	return out
}

func (a *OpenAI) wireMessage(m Message) oaiMessage {
	wire := oaiMessage{Role: m.Role}

	switch {
	case m.Role == RoleTool && m.ToolResult != nil:
		wire.ToolCallID = m.ToolResult.CallID
		wire.Content = m.ToolResult.Content
	case len(m.ToolCalls) > 0:
		for _, tc := range m.ToolCalls {
			wc := oaiToolCall{ID: tc.ID, Type: "function"}
			wc.Function.Name = tc.Name
			wc.Function.Arguments = string(tc.Arguments)
			wire.ToolCalls = append(wire.ToolCalls, wc)
		}
		if text := m.Text(); text != "" {
			wire.Content = text
		}
	default:
		wire.Content = wireContent(m.Parts)
	}
	return wire
}

// wireContent maps content parts to the wire. Plain text collapses to a
// string; mixed content becomes a part array. Audio parts have no
// portable chat-completions encoding and are skipped.
func wireContent(parts []chat.Part) any {
	hasMedia := false
	for _, p := range parts {
		if p.Kind == chat.PartImage {
			hasMedia = true
			break
		}
	}
	if !hasMedia {
		var text string
		for _, p := range parts {
			if p.Kind == chat.PartText {
				text += p.Text
			}
		}
		return text
	}

	var out []map[string]any
	for _, p := range parts {
		switch p.Kind {
		case chat.PartText:
			out = append(out, map[string]any{"type": "text", "text": p.Text})
		case chat.PartImage:
			out = append(out, map[string]any{"type": "image_url", "image_url": map[string]any{"url": p.URI}})
		}
	}
	return out
}
