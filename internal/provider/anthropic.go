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

// anthropicVersion is the API version header required on every call.
const anthropicVersion = "2023-06-01"

// defaultMaxTokens applies when the request does not set one; the
// Messages API requires max_tokens.
const defaultMaxTokens = 4096

// Anthropic streams responses from the Anthropic Messages API.
type Anthropic struct {
	id      string
	baseURL string
	apiKey  string
	client  *http.Client
	retry   RetryConfig
	limiter *rate.Limiter
	logger  log.Logger
}

// AnthropicConfig configures an Anthropic adapter.
type AnthropicConfig struct {
	ID      string
	BaseURL string
	APIKey  string
	Client  *http.Client
	Retry   RetryConfig
	Limiter *rate.Limiter
	Logger  log.Logger
}

// NewAnthropic creates an Anthropic Messages API streaming adapter.
func NewAnthropic(cfg AnthropicConfig) *Anthropic {
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
	return &Anthropic{
		id:      cfg.ID,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  client,
		retry:   retry,
		limiter: cfg.Limiter,
		logger:  logger,
	}
}

// Stream implements Adapter.
func (a *Anthropic) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	events := make(chan Event, eventBuffer)
	go func() {
		defer close(events)
		runWithRetry(ctx, a.id, a.retry, a.limiter, a.logger, events, func(ctx context.Context) (bool, *Error) {
			return a.attempt(ctx, req, events)
		})
	}()
	return events, nil
}

func (a *Anthropic) attempt(ctx context.Context, req Request, events chan<- Event) (bool, *Error) {
	body, err := json.Marshal(a.buildBody(req))
	if err != nil {
		return false, &Error{Provider: a.id, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return false, &Error{Provider: a.id, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if a.apiKey != "" {
		httpReq.Header.Set("x-api-key", a.apiKey)
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

// Streaming wire fragments.
type antStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`

	ContentBlock struct {
		Type string `json:"type"` // "text" | "tool_use"
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`

	Delta struct {
		Type        string `json:"type"` // "text_delta" | "input_json_delta"
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`

	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// antToolBlock accumulates a tool_use content block across deltas.
type antToolBlock struct {
	id   string
	name string
	args strings.Builder
}

func (a *Anthropic) consume(ctx context.Context, body io.Reader, events chan<- Event) (bool, *Error) {
	emitted := false
	stopReason := ""
	toolBlocks := make(map[int]*antToolBlock)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}

		var ev antStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &ev); err != nil {
			a.logger.Debug("skipping malformed stream event", "provider", a.id, "error", err)
			continue
		}

		switch ev.Type {
		case "content_block_start":
			if ev.ContentBlock.Type == "tool_use" {
				toolBlocks[ev.Index] = &antToolBlock{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
			}
		case "content_block_delta":
			switch ev.Delta.Type {
			case "text_delta":
				if ev.Delta.Text != "" {
					events <- Event{Type: EventDelta, Part: chat.TextPart(ev.Delta.Text)}
					emitted = true
				}
			case "input_json_delta":
				if tb := toolBlocks[ev.Index]; tb != nil {
					tb.args.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "message_delta":
			if ev.Delta.StopReason != "" {
				stopReason = ev.Delta.StopReason
			}
		case "error":
			return emitted, &Error{
				Provider:  a.id,
				Message:   fmt.Sprintf("%s: %s", ev.Error.Type, ev.Error.Message),
				Temporary: ev.Error.Type == "overloaded_error" && ctx.Err() == nil,
			}
		case "message_stop":
			// Terminal; remaining bytes are keep-alives.
		}
	}

	if err := scanner.Err(); err != nil {
		return emitted, &Error{
			Provider:  a.id,
			Message:   fmt.Sprintf("read stream: %v", err),
			Temporary: retryableError(err) && ctx.Err() == nil,
		}
	}

	if stopReason == "tool_use" {
		indexes := make([]int, 0, len(toolBlocks))
		for i := range toolBlocks {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			tb := toolBlocks[i]
			args := tb.args.String()
			if args == "" {
				args = "{}"
			}
			events <- Event{Type: EventToolCall, ToolCall: &ToolCall{
				ID:        tb.id,
				Name:      tb.name,
				Arguments: json.RawMessage(args),
			}}
			emitted = true
		}
		events <- stopEvent(StopToolUse, nil)
		return emitted, nil
	}

	switch stopReason {
	case "max_tokens":
		events <- stopEvent(StopMaxTokens, nil)
	default:
		events <- stopEvent(StopEndTurn, nil)
	}
	return emitted, nil
}

// Wire request types.
type antRequest struct {
	Model       string       `json:"model"`
	MaxTokens   int          `json:"max_tokens"`
	System      string       `json:"system,omitempty"`
	Messages    []antMessage `json:"messages"`
	Temperature *float32     `json:"temperature,omitempty"`
	Stream      bool         `json:"stream"`
	Tools       []antTool    `json:"tools,omitempty"`
}

type antMessage struct {
	Role    string           `json:"role"`
	Content []map[string]any `json:"content"`
}

type antTool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"input_schema"`
}

func (a *Anthropic) buildBody(req Request) antRequest {
	out := antRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		System:    req.SystemPrompt,
		Stream:    true,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = defaultMaxTokens
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, a.wireMessage(m))
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, antTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}

// wireMessage maps a transient message to the Messages API format. Tool
// results ride as user-role tool_result blocks; tool-call requests ride
// as assistant tool_use blocks, per the API's conversation shape.
func (a *Anthropic) wireMessage(m Message) antMessage {
	switch {
	case m.Role == RoleTool && m.ToolResult != nil:
		return antMessage{Role: RoleUser, Content: []map[string]any{{
			"type":        "tool_result",
			"tool_use_id": m.ToolResult.CallID,
			"content":     m.ToolResult.Content,
			"is_error":    m.ToolResult.IsError,
		}}}
	case len(m.ToolCalls) > 0:
		var content []map[string]any
		if text := m.Text(); text != "" {
			content = append(content, map[string]any{"type": "text", "text": text})
		}
		for _, tc := range m.ToolCalls {
			var input any = map[string]any{}
			if len(tc.Arguments) > 0 {
				_ = json.Unmarshal(tc.Arguments, &input)
			}
			content = append(content, map[string]any{
				"type":  "tool_use",
				"id":    tc.ID,
				"name":  tc.Name,
				"input": input,
			})
		}
		return antMessage{Role: RoleAssistant, Content: content}
	default:
		var content []map[string]any
		for _, p := range m.Parts {
			switch p.Kind {
			case chat.PartText:
				content = append(content, map[string]any{"type": "text", "text": p.Text})
			case chat.PartImage:
				content = append(content, map[string]any{
					"type":   "image",
					"source": map[string]any{"type": "url", "url": p.URI},
				})
			}
		}
		return antMessage{Role: m.Role, Content: content}
	}
}
