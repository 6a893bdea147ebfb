// Package orchestrator is the top entry point: it binds personas, session
// context, persistent memory, tools, and the client facade into chat and
// stream operations for a presentation layer.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/relay-llm/relay/llm"
	"github.com/relay-llm/relay/memory"
	"github.com/relay-llm/relay/router"
	"github.com/relay-llm/relay/session"
	"github.com/relay-llm/relay/tools"
	"github.com/relay-llm/relay/usage"
)

const (
	memoryBlendLimit = 3
	maxToolRounds    = 4
)

// LLMClient is the slice of the client facade the orchestrator uses.
type LLMClient interface {
	Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
	StreamChat(ctx context.Context, req *llm.ChatRequest) (llm.Stream, error)
	Route(ctx context.Context, role router.Role, contentSize int) (llm.Adapter, error)
	ExecuteTool(ctx context.Context, name string, args map[string]any) (any, error)
}

// Memory is the persistent memory surface.
type Memory interface {
	Remember(ctx context.Context, content string, tags []string) (memory.Entry, error)
	Retrieve(ctx context.Context, query string, limit int) ([]string, error)
}

// TurnLogger mirrors completed turns to the durable conversation log.
type TurnLogger interface {
	AppendTurn(ctx context.Context, backend string, role llm.Role, content string) error
}

// Options are per-call knobs for Chat and Stream.
type Options struct {
	Backend        string // explicit backend name or alias; empty means routed
	Persona        string // overrides the active persona for this call
	IncludeContext bool
	Tools          []llm.ToolSchema
	MaxTokens      int
	Temperature    *float64
	TaskType       string // chat, review, boilerplate, parse, ...
}

// Orchestrator drives the whole request lifecycle.
type Orchestrator struct {
	client          LLMClient
	engine          *tools.Engine
	tracker         *usage.Tracker
	session         *session.Manager
	memory          Memory
	turnLog         TurnLogger
	personas        *personaSet
	sessionMaxToken int
	logger          zerolog.Logger
}

// New creates an Orchestrator. memory and turnLog may be nil; the
// corresponding features are then skipped.
func New(client LLMClient, engine *tools.Engine, tracker *usage.Tracker, sess *session.Manager, mem Memory, turnLog TurnLogger, sessionMaxTokens int, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		client:          client,
		engine:          engine,
		tracker:         tracker,
		session:         sess,
		memory:          mem,
		turnLog:         turnLog,
		personas:        newPersonaSet(DefaultPersonas(), "general-assistant"),
		sessionMaxToken: sessionMaxTokens,
		logger:          logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Chat runs one full turn: assemble the request, call the model, resolve
// tool calls, then commit the turn to session context and the durable
// log. Quota and permission failures surface unchanged so the caller can
// tell them apart from provider exhaustion.
func (o *Orchestrator) Chat(ctx context.Context, message string, opts Options) (*llm.ChatResponse, error) {
	persona, backend, messages, err := o.prepare(ctx, message, opts)
	if err != nil {
		return nil, err
	}

	req := o.buildRequest(persona, backend, messages, opts)
	resp, err := o.client.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err = o.resolveToolCalls(ctx, req, resp)
	if err != nil {
		return nil, err
	}

	o.commitTurn(ctx, string(backend), message, resp.Content, opts)
	return resp, nil
}

// Stream runs one streaming turn. The assistant's deltas are accumulated
// and committed to context only after the stream finishes cleanly.
func (o *Orchestrator) Stream(ctx context.Context, message string, opts Options) (llm.Stream, error) {
	persona, backend, messages, err := o.prepare(ctx, message, opts)
	if err != nil {
		return nil, err
	}

	req := o.buildRequest(persona, backend, messages, opts)
	s, err := o.client.StreamChat(ctx, req)
	if err != nil {
		return nil, err
	}
	return &committingStream{
		Stream:  s,
		orch:    o,
		ctx:     ctx,
		backend: string(backend),
		message: message,
		opts:    opts,
	}, nil
}

// prepare resolves the persona and backend and assembles the message
// list: persona system prompt, blended memory, session context, then the
// new user message.
func (o *Orchestrator) prepare(ctx context.Context, message string, opts Options) (*Persona, llm.Provider, []llm.ChatMessage, error) {
	if strings.TrimSpace(message) == "" {
		return nil, "", nil, fmt.Errorf("message is empty")
	}

	persona := o.personas.Active()
	if opts.Persona != "" {
		p, ok := o.personas.Get(opts.Persona)
		if !ok {
			return nil, "", nil, fmt.Errorf("unknown persona %q", opts.Persona)
		}
		persona = p
	}

	var messages []llm.ChatMessage
	if persona.SystemPrompt != "" {
		messages = append(messages, llm.ChatMessage{Role: llm.RoleSystem, Content: persona.SystemPrompt})
	}

	if o.memory != nil {
		memories, err := o.memory.Retrieve(ctx, message, memoryBlendLimit)
		if err != nil {
			o.logger.Warn().Err(err).Msg("Memory retrieval failed, continuing without")
		}
		for _, m := range memories {
			messages = append(messages, llm.ChatMessage{
				Role:    llm.RoleSystem,
				Content: "[Memory] " + m,
			})
		}
	}

	backend, err := o.resolveBackend(ctx, persona, message, opts)
	if err != nil {
		return nil, "", nil, err
	}

	if opts.IncludeContext {
		messages = append(messages, o.session.GetContext(string(backend), o.sessionMaxToken)...)
	}
	messages = append(messages, llm.ChatMessage{Role: llm.RoleUser, Content: message})
	return persona, backend, messages, nil
}

// resolveBackend honors an explicit backend (alias-resolved), otherwise
// routes by role and payload size.
func (o *Orchestrator) resolveBackend(ctx context.Context, persona *Persona, message string, opts Options) (llm.Provider, error) {
	if opts.Backend != "" {
		return resolveAlias(opts.Backend)
	}
	adapter, err := o.client.Route(ctx, roleForTask(persona, opts.TaskType), len(message))
	if err != nil {
		return "", err
	}
	return adapter.Provider(), nil
}

// resolveAlias maps user-facing backend names onto providers.
func resolveAlias(name string) (llm.Provider, error) {
	switch strings.ToLower(name) {
	case "claude", "anthropic":
		return llm.ProviderClaude, nil
	case "openai", "codex":
		return llm.ProviderOpenAI, nil
	case "gemini", "google":
		return llm.ProviderGemini, nil
	case "ollama", "deepseek", "local":
		return llm.ProviderOllama, nil
	}
	return "", fmt.Errorf("unknown backend %q", name)
}

// roleForTask derives the routing role. The persona's character wins over
// the task type: an architect persona reviews as an architect.
func roleForTask(persona *Persona, taskType string) router.Role {
	switch persona.Name {
	case "architect":
		return router.RoleArchitect
	case "fast-parser", "context-distiller":
		return router.RoleParser
	}
	switch taskType {
	case "review":
		return router.RoleReviewer
	case "boilerplate":
		return router.RoleBoilerplate
	case "parse":
		return router.RoleParser
	}
	return router.RoleCoder
}

func (o *Orchestrator) buildRequest(persona *Persona, backend llm.Provider, messages []llm.ChatMessage, opts Options) *llm.ChatRequest {
	req := &llm.ChatRequest{
		Messages:    messages,
		Provider:    backend,
		Tools:       opts.Tools,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	if len(req.Tools) == 0 {
		req.Tools = o.engine.Tools()
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = persona.MaxTokens
	}
	if req.Temperature == nil {
		req.Temperature = persona.Temperature
	}
	return req
}

// resolveToolCalls runs bounded tool round trips: execute each requested
// call, append the results, and re-issue until the model stops asking or
// the round budget runs out. Permission denials surface immediately.
func (o *Orchestrator) resolveToolCalls(ctx context.Context, req *llm.ChatRequest, resp *llm.ChatResponse) (*llm.ChatResponse, error) {
	for round := 0; round < maxToolRounds && len(resp.ToolCalls) > 0; round++ {
		messages := append([]llm.ChatMessage{}, req.Messages...)
		messages = append(messages, llm.ChatMessage{Role: llm.RoleAssistant, Content: resp.Content})

		for _, call := range resp.ToolCalls {
			result, err := o.client.ExecuteTool(ctx, call.Name, call.Arguments)
			if llm.IsPermissionDenied(err) {
				return nil, err
			}

			var content string
			if err != nil {
				content = fmt.Sprintf("error: %v", err)
			} else if data, jsonErr := json.Marshal(result); jsonErr == nil {
				content = string(data)
			} else {
				content = fmt.Sprintf("%v", result)
			}
			messages = append(messages, llm.ChatMessage{
				Role:       llm.RoleTool,
				Content:    content,
				Name:       call.Name,
				ToolCallID: call.ID,
			})
			o.logger.Debug().
				Str("tool", call.Name).
				Bool("failed", err != nil).
				Int("round", round).
				Msg("Tool call resolved")
		}

		next := *req
		next.Messages = messages
		req = &next

		var err error
		resp, err = o.client.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// commitTurn appends the completed exchange to session context, mirrors
// it to the durable log, and runs the opportunistic distillation check.
func (o *Orchestrator) commitTurn(ctx context.Context, backend, userMessage, assistantMessage string, opts Options) {
	o.session.AddMessage(backend, llm.ChatMessage{Role: llm.RoleUser, Content: userMessage})
	o.session.AddMessage(backend, llm.ChatMessage{Role: llm.RoleAssistant, Content: assistantMessage})

	if o.turnLog != nil {
		if err := o.turnLog.AppendTurn(ctx, backend, llm.RoleUser, userMessage); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to log user turn")
		}
		if err := o.turnLog.AppendTurn(ctx, backend, llm.RoleAssistant, assistantMessage); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to log assistant turn")
		}
	}

	if o.session.ShouldDistill(backend) {
		hint := opts.TaskType
		if hint == "" || hint == "chat" {
			hint = truncate(userMessage, 60)
		}
		if err := o.session.Distill(ctx, backend, hint); err != nil {
			o.logger.Warn().Err(err).Msg("Distillation failed")
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// RegisterTool adds a tool to the engine.
func (o *Orchestrator) RegisterTool(tool tools.Tool) error {
	return o.engine.Register(tool)
}

// SetToolMode changes the tool permission mode.
func (o *Orchestrator) SetToolMode(mode tools.Mode) error {
	return o.engine.SetMode(mode)
}

// ToolMode returns the current tool permission mode.
func (o *Orchestrator) ToolMode() tools.Mode {
	return o.engine.Mode()
}

// Remember stores a persistent memory entry.
func (o *Orchestrator) Remember(ctx context.Context, text string, tags []string) error {
	if o.memory == nil {
		return fmt.Errorf("persistent memory is not configured")
	}
	_, err := o.memory.Remember(ctx, text, tags)
	return err
}

// UsageStats returns the aggregate usage over all providers.
func (o *Orchestrator) UsageStats() usage.Stats {
	return o.tracker.Stats("", "")
}

// SetPersona selects the active persona. Unknown names fail without
// changing the selection.
func (o *Orchestrator) SetPersona(name string) error {
	return o.personas.SetActive(name)
}

// ActivePersona returns the active persona.
func (o *Orchestrator) ActivePersona() *Persona {
	return o.personas.Active()
}

// Personas lists the registered persona names.
func (o *Orchestrator) Personas() []string {
	return o.personas.Names()
}

// committingStream accumulates deltas and commits the turn to context
// once the stream finishes without an error.
type committingStream struct {
	llm.Stream
	orch      *Orchestrator
	ctx       context.Context
	backend   string
	message   string
	opts      Options
	content   strings.Builder
	committed bool
}

func (s *committingStream) Next() bool {
	if s.Stream.Next() {
		if chunk := s.Stream.Chunk(); chunk != nil {
			s.content.WriteString(chunk.Delta)
		}
		return true
	}
	if !s.committed && s.Stream.Err() == nil {
		s.committed = true
		s.orch.commitTurn(s.ctx, s.backend, s.message, s.content.String(), s.opts)
	}
	return false
}
