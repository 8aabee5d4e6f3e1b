// Package orchestrator sequences provider calls, the tool loop, and
// persistence for one response generation.
//
// A generation is an independent task: multiple chats generate in
// parallel, while a per-chat lease guarantees at most one generation
// per chat. The caller gets a Generation handle immediately; the live
// event stream is subscribable through it and the final persisted
// message is available from Wait. Client disconnects never abort a
// generation; only an explicit Stop does.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/internal/chat"
	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/log"
	"github.com/parley-ai/parley/internal/provider"
	"github.com/parley-ai/parley/internal/stream"
	"github.com/parley-ai/parley/internal/tools"
)

// Generation states, tracked for logging.
const (
	stateAwaitingProvider   = "awaiting_provider"
	stateToolCallPending    = "tool_call_pending"
	stateAwaitingToolResult = "awaiting_tool_result"
	statePersisting         = "persisting"
	stateCompleted          = "completed"
	stateFailed             = "failed"
)

// Outward error kinds on the event stream.
const (
	errKindProvider    = "provider_error"
	errKindToolLoop    = "tool_loop_limit"
	errKindStopped     = "stopped"
	errKindPersistence = "persistence_error"
)

// Store is the persistence surface the orchestrator needs. It is
// satisfied by *chat.Store.
type Store interface {
	GetChat(ctx context.Context, userID string, chatID uuid.UUID) (*chat.Chat, error)
	AppendMessage(ctx context.Context, msg *chat.Message) (*chat.Message, error)
	Messages(ctx context.Context, chatID uuid.UUID, limit, offset int32) ([]*chat.Message, error)
}

// Providers resolves adapters and their model defaults. It is satisfied
// by *provider.Registry.
type Providers interface {
	Get(id string) (provider.Adapter, error)
	Defaults(id string) (config.Provider, error)
}

// Broker dispatches tool invocations. It is satisfied by *tools.Broker.
type Broker interface {
	Defs() []provider.ToolDef
	Invoke(ctx context.Context, call tools.Call) (tools.Result, error)
}

// Request starts one generation.
type Request struct {
	ChatID uuid.UUID
	UserID string

	// Content is the new user message.
	Content []chat.Part

	// Provider optionally overrides the default provider id.
	Provider string
}

// Generation is the handle to one running (or finished) generation.
type Generation struct {
	ChatID uuid.UUID

	// UserMessage is the persisted user message that triggered this
	// generation.
	UserMessage *chat.Message

	// Session carries the live event stream and the durable content
	// accumulator.
	Session *stream.Session

	// Events is the pre-attached subscription, established before the
	// first event can flow. Detach drops it without affecting the
	// generation.
	Events <-chan stream.Event

	detach func()
	cancel context.CancelFunc
	done   chan struct{}
	result *chat.Message
	err    error
}

// Detach drops the pre-attached subscription. Generation continues and
// its content is still accumulated and persisted.
func (g *Generation) Detach() {
	g.detach()
}

// Wait blocks until the generation reaches a terminal state and returns
// the persisted assistant message. The context bounds the wait only;
// cancelling it does not stop the generation.
func (g *Generation) Wait(ctx context.Context) (*chat.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.done:
		return g.result, g.err
	}
}

// Done is closed when the generation reaches a terminal state.
func (g *Generation) Done() <-chan struct{} {
	return g.done
}

// Orchestrator runs generations.
type Orchestrator struct {
	store     Store
	providers Providers
	broker    Broker
	gen       config.Generation
	logger    log.Logger
	leases    *leaseTable

	mu     sync.Mutex
	active map[uuid.UUID]*Generation
}

// New creates an orchestrator. broker may be nil when no tool servers
// are configured; the model is then offered no tools.
func New(store Store, providers Providers, broker Broker, gen config.Generation, logger log.Logger) *Orchestrator {
	gen = gen.Normalize()
	return &Orchestrator{
		store:     store,
		providers: providers,
		broker:    broker,
		gen:       gen,
		logger:    logger,
		leases:    newLeaseTable(),
		active:    make(map[uuid.UUID]*Generation),
	}
}

// Start validates the request, persists the user message, and launches
// the generation task. It fails fast with ErrChatBusy when a generation
// already holds the chat's lease. The generation itself is detached
// from ctx: the caller going away does not cancel it.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*Generation, error) {
	if !o.leases.acquire(req.ChatID) {
		return nil, fmt.Errorf("chat %s: %w", req.ChatID, ErrChatBusy)
	}

	g, err := o.prepare(ctx, req)
	if err != nil {
		o.leases.release(req.ChatID)
		return nil, err
	}

	genCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.cancel = cancel

	o.mu.Lock()
	o.active[req.ChatID] = g
	o.mu.Unlock()

	go o.run(genCtx, g, req.Provider)
	return g, nil
}

// prepare does the synchronous part of Start: ownership check, user
// message persistence, provider resolution.
func (o *Orchestrator) prepare(ctx context.Context, req Request) (*Generation, error) {
	if _, err := o.store.GetChat(ctx, req.UserID, req.ChatID); err != nil {
		return nil, err
	}

	if _, err := o.providers.Get(req.Provider); err != nil {
		return nil, err
	}

	userMsg, err := o.store.AppendMessage(ctx, &chat.Message{
		ID:      uuid.New(),
		ChatID:  req.ChatID,
		Role:    chat.RoleUser,
		Content: req.Content,
		Status:  chat.StatusComplete,
	})
	if err != nil {
		return nil, &PersistenceError{Err: err}
	}

	g := &Generation{
		ChatID:      req.ChatID,
		UserMessage: userMsg,
		Session:     stream.NewSession(),
		done:        make(chan struct{}),
	}
	g.Events, g.detach = g.Session.Subscribe()
	return g, nil
}

// Stop cancels the chat's running generation. The partial content is
// persisted as interrupted by the generation task itself.
func (o *Orchestrator) Stop(chatID uuid.UUID) error {
	o.mu.Lock()
	g := o.active[chatID]
	o.mu.Unlock()
	if g == nil {
		return fmt.Errorf("chat %s: %w", chatID, ErrNoActiveGeneration)
	}
	g.cancel()
	return nil
}

// Active returns the chat's running generation, if any.
func (o *Orchestrator) Active(chatID uuid.UUID) (*Generation, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.active[chatID]
	return g, ok
}

// run drives one generation to a terminal state. The lease is released
// on every path, cancellation and panic-free failure included.
func (o *Orchestrator) run(ctx context.Context, g *Generation, providerID string) {
	defer close(g.done)
	defer func() {
		o.mu.Lock()
		delete(o.active, g.ChatID)
		o.mu.Unlock()
		o.leases.release(g.ChatID)
	}()

	g.result, g.err = o.generate(ctx, g, providerID)
	if g.err != nil {
		o.logger.Warn("generation finished with error", "chat_id", g.ChatID, "error", g.err)
	}
}

func (o *Orchestrator) generate(ctx context.Context, g *Generation, providerID string) (*chat.Message, error) {
	adapter, err := o.providers.Get(providerID)
	if err != nil {
		return o.finish(ctx, g, chat.StatusFailed, err)
	}
	pc, err := o.providers.Defaults(providerID)
	if err != nil {
		return o.finish(ctx, g, chat.StatusFailed, err)
	}

	history, err := o.store.Messages(ctx, g.ChatID, 0, 0)
	if err != nil {
		return o.finish(ctx, g, chat.StatusFailed, &PersistenceError{Err: err})
	}
	working := composeHistory(history)

	var defs []provider.ToolDef
	if o.broker != nil {
		defs = o.broker.Defs()
	}

	iterations := 0
	for {
		o.logger.Debug("generation state", "chat_id", g.ChatID, "state", stateAwaitingProvider, "round", iterations)

		calls, stop, err := o.providerRound(ctx, g, provider.Request{
			ChatID:      g.ChatID,
			Messages:    working,
			Model:       pc.Model,
			Temperature: pc.Temperature,
			MaxTokens:   pc.MaxTokens,
			Tools:       defs,
		}, adapter)
		if err != nil {
			return o.finish(ctx, g, chat.StatusFailed, err)
		}

		if stop.StopReason == provider.StopError {
			if ctx.Err() != nil {
				return o.finish(ctx, g, chat.StatusInterrupted, ErrStopped)
			}
			return o.finish(ctx, g, chat.StatusFailed, stop.Err)
		}
		// A stream that ends without a terminal stop event is a broken
		// adapter; it must not mint a complete message.
		if stop.StopReason == "" {
			return o.finish(ctx, g, chat.StatusFailed, &provider.Error{
				Provider: providerID,
				Message:  "stream ended without a stop event",
			})
		}
		if stop.StopReason != provider.StopToolUse {
			return o.finish(ctx, g, chat.StatusComplete, nil)
		}

		iterations++
		if iterations > o.gen.ToolLoopCap {
			return o.finish(ctx, g, chat.StatusInterrupted, ErrToolLoopLimit)
		}
		o.logger.Debug("generation state", "chat_id", g.ChatID, "state", stateToolCallPending, "calls", len(calls))

		working = append(working, provider.Message{Role: provider.RoleAssistant, ToolCalls: calls})
		for _, call := range calls {
			o.logger.Debug("generation state", "chat_id", g.ChatID, "state", stateAwaitingToolResult, "tool", call.Name)
			result := o.invokeTool(ctx, call)
			g.Session.ToolResult(result.Name, result.Content, result.IsError)

			// The result joins both the working history (so the model
			// sees it next round) and the transcript.
			working = append(working, provider.Message{Role: provider.RoleTool, ToolResult: &provider.ToolResult{
				CallID:  result.CallID,
				Name:    result.Name,
				Content: result.Content,
				IsError: result.IsError,
			}})
			if _, err := o.store.AppendMessage(ctx, chat.NewToolMessage(g.ChatID, chat.TextPart(result.Content))); err != nil {
				return o.finish(ctx, g, chat.StatusFailed, &PersistenceError{Err: err})
			}
		}
		if ctx.Err() != nil {
			return o.finish(ctx, g, chat.StatusInterrupted, ErrStopped)
		}
	}
}

// providerRound performs one adapter call and drains its event stream,
// feeding deltas into the session in emission order.
func (o *Orchestrator) providerRound(ctx context.Context, g *Generation, req provider.Request, adapter provider.Adapter) ([]provider.ToolCall, provider.Event, error) {
	roundCtx, cancel := context.WithTimeout(ctx, o.gen.RequestTimeout)
	defer cancel()

	events, err := adapter.Stream(roundCtx, req)
	if err != nil {
		return nil, provider.Event{}, err
	}

	var calls []provider.ToolCall
	var stop provider.Event
	for ev := range events {
		switch ev.Type {
		case provider.EventDelta:
			g.Session.Delta(ev.Part)
		case provider.EventToolCall:
			calls = append(calls, *ev.ToolCall)
			g.Session.ToolCall(ev.ToolCall.Name)
		case provider.EventStop:
			stop = ev
		}
	}
	return calls, stop, nil
}

// invokeTool dispatches one tool call. Broker failures become
// error-flagged results injected into the conversation so the model can
// react; they never abort the loop by themselves.
func (o *Orchestrator) invokeTool(ctx context.Context, call provider.ToolCall) tools.Result {
	errResult := func(msg string) tools.Result {
		return tools.Result{CallID: call.ID, Name: call.Name, Content: msg, IsError: true}
	}
	if o.broker == nil {
		return errResult("no tool broker configured")
	}
	res, err := o.broker.Invoke(ctx, tools.Call{ID: call.ID, Name: call.Name, Arguments: call.Arguments})
	if err != nil {
		o.logger.Warn("tool invocation failed", "tool", call.Name, "error", err)
		return errResult(err.Error())
	}
	return res
}

// finish persists the accumulated content with the terminal status and
// emits the terminal events. It runs even when ctx was cancelled; the
// write must not be lost to the same cancellation that ended the
// generation.
func (o *Orchestrator) finish(ctx context.Context, g *Generation, status string, genErr error) (*chat.Message, error) {
	o.logger.Debug("generation state", "chat_id", g.ChatID, "state", statePersisting, "status", status)
	persistCtx := context.WithoutCancel(ctx)

	parts := g.Session.Parts()
	var persisted *chat.Message
	if len(parts) > 0 || status == chat.StatusComplete {
		var err error
		persisted, err = o.store.AppendMessage(persistCtx, &chat.Message{
			ID:      uuid.New(),
			ChatID:  g.ChatID,
			Role:    chat.RoleAssistant,
			Content: parts,
			Status:  status,
		})
		if err != nil {
			g.Session.Error(errKindPersistence, err.Error())
			g.Session.Done(uuid.Nil, chat.StatusFailed)
			o.logger.Error("persisting assistant message", "chat_id", g.ChatID, "error", err)
			return nil, &PersistenceError{Err: err}
		}
	}

	if genErr != nil {
		g.Session.Error(errKind(genErr), genErr.Error())
	}

	msgID := uuid.Nil
	if persisted != nil {
		msgID = persisted.ID
	}
	g.Session.Done(msgID, status)

	endState := stateCompleted
	if genErr != nil {
		endState = stateFailed
	}
	o.logger.Debug("generation state", "chat_id", g.ChatID, "state", endState)
	return persisted, genErr
}

// errKind classifies an error for the outward stream.
func errKind(err error) string {
	var perr *PersistenceError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrToolLoopLimit):
		return errKindToolLoop
	case errors.Is(err, ErrStopped):
		return errKindStopped
	case errors.As(err, &perr):
		return errKindPersistence
	default:
		return errKindProvider
	}
}

// composeHistory maps persisted messages to provider turns. Tool-role
// messages are transcript records; without their paired call ids they
// cannot be replayed on the wire, so they are skipped.
func composeHistory(msgs []*chat.Message) []provider.Message {
	out := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == chat.RoleTool || len(m.Content) == 0 {
			continue
		}
		out = append(out, provider.Message{Role: m.Role, Parts: m.Content})
	}
	return out
}
