// Package tools brokers tool invocations to MCP servers.
//
// A Broker connects to the configured servers at startup, aggregates
// their advertised tools, and dispatches model-requested invocations.
// Arguments are validated against the advertised JSON schema before any
// server is contacted. Invocations are independent; the broker keeps no
// state between calls beyond the server sessions themselves.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/log"
	"github.com/parley-ai/parley/internal/provider"
)

// defaultCallTimeout bounds a single tool invocation when the caller
// does not configure one.
const defaultCallTimeout = 30 * time.Second

// Call is one model-requested tool invocation.
type Call struct {
	// ID is the provider-issued call id, echoed back in the result.
	ID string

	// Name is the advertised tool name.
	Name string

	// Arguments is the raw JSON argument object from the model.
	Arguments json.RawMessage
}

// Result is the outcome of a dispatched invocation. Tool-level failures
// (the server ran the tool and it failed) are data, not Go errors, so
// the model can see and react to them.
type Result struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Schema describes one advertised tool.
type Schema struct {
	Server      string
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// entry binds an advertised tool to its owning session and its resolved
// schema for argument validation.
type entry struct {
	server   string
	session  *mcp.ClientSession
	def      Schema
	resolved *jsonschema.Resolved
}

// Broker aggregates tools from the configured MCP servers and
// dispatches invocations to the owning server.
type Broker struct {
	sessions map[string]*mcp.ClientSession
	entries  map[string]*entry
	timeout  time.Duration
	logger   log.Logger
}

// Option configures a Broker.
type Option func(*Broker)

// WithCallTimeout sets the per-invocation timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// New connects to every configured server and lists its tools. A server
// that fails to connect fails startup; a tool whose schema does not
// resolve is skipped with a warning so one bad tool cannot take the
// whole server down.
func New(ctx context.Context, servers []config.ToolServer, logger log.Logger, opts ...Option) (*Broker, error) {
	b := &Broker{
		sessions: make(map[string]*mcp.ClientSession, len(servers)),
		entries:  make(map[string]*entry),
		timeout:  defaultCallTimeout,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(b)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "parley", Version: "1.0.0"}, nil)

	for _, sc := range servers {
		session, err := client.Connect(ctx, transportFor(sc), nil)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("connect tool server %q: %w", sc.ID, err)
		}
		b.sessions[sc.ID] = session

		if err := b.register(ctx, sc.ID, session); err != nil {
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

// NewFromSessions builds a broker over already-connected sessions.
func NewFromSessions(ctx context.Context, sessions map[string]*mcp.ClientSession, logger log.Logger, opts ...Option) (*Broker, error) {
	b := &Broker{
		sessions: sessions,
		entries:  make(map[string]*entry),
		timeout:  defaultCallTimeout,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	for id, session := range sessions {
		if err := b.register(ctx, id, session); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func transportFor(sc config.ToolServer) mcp.Transport {
	if sc.Transport == config.TransportHTTP {
		return &mcp.StreamableClientTransport{Endpoint: sc.URL}
	}
	return &mcp.CommandTransport{Command: exec.Command(sc.Command, sc.Args...)}
}

func (b *Broker) register(ctx context.Context, serverID string, session *mcp.ClientSession) error {
	listed, err := session.ListTools(ctx, nil)
	if err != nil {
		return fmt.Errorf("list tools on %q: %w", serverID, err)
	}

	for _, t := range listed.Tools {
		if prev, ok := b.entries[t.Name]; ok {
			b.logger.Warn("duplicate tool name, keeping first",
				"tool", t.Name, "kept", prev.server, "skipped", serverID)
			continue
		}

		var resolved *jsonschema.Resolved
		if t.InputSchema != nil {
			resolved, err = t.InputSchema.Resolve(nil)
			if err != nil {
				b.logger.Warn("skipping tool with unresolvable schema",
					"tool", t.Name, "server", serverID, "error", err)
				continue
			}
		}

		b.entries[t.Name] = &entry{
			server:  serverID,
			session: session,
			def: Schema{
				Server:      serverID,
				Name:        t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			},
			resolved: resolved,
		}
	}
	return nil
}

// ListTools returns the advertised tools, optionally filtered to one
// server. The empty server id means all servers.
func (b *Broker) ListTools(ctx context.Context, serverID string) ([]Schema, error) {
	if serverID != "" {
		if _, ok := b.sessions[serverID]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownServer, serverID)
		}
	}
	var out []Schema
	for _, e := range b.entries {
		if serverID == "" || e.server == serverID {
			out = append(out, e.def)
		}
	}
	return out, nil
}

// Defs returns every advertised tool as a provider tool definition,
// ready to offer to a model. Tools are enabled globally: every chat is
// offered the full set from the configured servers, since configuration
// carries no per-chat tool binding.
func (b *Broker) Defs() []provider.ToolDef {
	out := make([]provider.ToolDef, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, provider.ToolDef{
			Name:        e.def.Name,
			Description: e.def.Description,
			InputSchema: e.def.InputSchema,
		})
	}
	return out
}

// Invoke validates the call's arguments against the tool's schema and
// dispatches it to the owning server. Validation failures never reach
// the server. The per-call timeout bounds the dispatch.
func (b *Broker) Invoke(ctx context.Context, call Call) (Result, error) {
	e, ok := b.entries[call.Name]
	if !ok {
		return Result{}, &InvocationError{Tool: call.Name, Reason: ReasonUnknownTool}
	}

	args, err := decodeArguments(call.Arguments)
	if err != nil {
		return Result{}, &InvocationError{Tool: call.Name, Server: e.server, Reason: ReasonBadArguments, Err: err}
	}
	if e.resolved != nil {
		if err := e.resolved.Validate(args); err != nil {
			return Result{}, &InvocationError{Tool: call.Name, Server: e.server, Reason: ReasonSchemaMismatch, Err: err}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	res, err := e.session.CallTool(ctx, &mcp.CallToolParams{Name: call.Name, Arguments: args})
	if err != nil {
		return Result{}, &InvocationError{Tool: call.Name, Server: e.server, Reason: ReasonDispatchFailed, Err: err}
	}

	return Result{
		CallID:  call.ID,
		Name:    call.Name,
		Content: textContent(res),
		IsError: res.IsError,
	}, nil
}

// Close closes every server session. Errors are logged, not returned;
// shutdown proceeds regardless.
func (b *Broker) Close() {
	for id, session := range b.sessions {
		if err := session.Close(); err != nil {
			b.logger.Warn("closing tool server session", "server", id, "error", err)
		}
	}
}

// decodeArguments parses the model's raw argument JSON. An absent or
// empty payload means no arguments.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("arguments are not a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// textContent flattens a tool result's content blocks to text.
func textContent(res *mcp.CallToolResult) string {
	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}
