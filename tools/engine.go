// Package tools implements the tool engine: a registry of callable tools
// with JSON-schema parameters, a permission policy, time-bounded execution,
// and an audit log.
package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relay-llm/relay/llm"
)

// Handler executes a tool with already-decoded arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one registered callable.
type Tool struct {
	Name             string
	Description      string
	Parameters       map[string]any // JSON Schema
	Handler          Handler
	RequiresApproval bool
	Category         string
	Timeout          time.Duration // zero uses the engine default
}

// Mode is the permission policy applied to tool execution.
type Mode string

const (
	ModeDeny   Mode = "deny"   // always reject
	ModeTrust  Mode = "trust"  // always allow
	ModeAuto   Mode = "auto"   // allow only whitelisted tools
	ModeManual Mode = "manual" // whitelisted or interactively approved
)

// ApprovalFunc asks for interactive approval of a tool call in manual
// mode. It receives the tool name and arguments and returns the decision.
type ApprovalFunc func(tool string, args map[string]any) bool

// Engine owns the tool registry and enforces the permission policy.
type Engine struct {
	mu             sync.Mutex
	tools          map[string]*Tool
	mode           Mode
	whitelist      []string
	approve        ApprovalFunc
	audit          *AuditLog
	defaultTimeout time.Duration
	logger         zerolog.Logger
}

// Options configures a new Engine.
type Options struct {
	Mode           Mode
	Whitelist      []string // patterns of form tool_name:path_glob
	Approve        ApprovalFunc
	Audit          *AuditLog
	DefaultTimeout time.Duration
}

// NewEngine creates an Engine. The default timeout falls back to 5 minutes.
func NewEngine(opts Options, logger zerolog.Logger) *Engine {
	if opts.Mode == "" {
		opts.Mode = ModeAuto
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Minute
	}
	return &Engine{
		tools:          make(map[string]*Tool),
		mode:           opts.Mode,
		whitelist:      opts.Whitelist,
		approve:        opts.Approve,
		audit:          opts.Audit,
		defaultTimeout: opts.DefaultTimeout,
		logger:         logger.With().Str("component", "tool_engine").Logger(),
	}
}

// Register adds a tool to the registry. Registering an empty name or nil
// handler is an error; re-registering a name replaces the previous tool.
func (e *Engine) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is empty")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %q has no handler", tool.Name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools[tool.Name] = &tool
	e.logger.Debug().Str("tool", tool.Name).Str("category", tool.Category).Msg("Tool registered")
	return nil
}

// Tools returns the schemas of all registered tools.
func (e *Engine) Tools() []llm.ToolSchema {
	e.mu.Lock()
	defer e.mu.Unlock()
	schemas := make([]llm.ToolSchema, 0, len(e.tools))
	for _, t := range e.tools {
		schemas = append(schemas, llm.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return schemas
}

// SetMode changes the permission mode.
func (e *Engine) SetMode(mode Mode) error {
	switch mode {
	case ModeDeny, ModeTrust, ModeAuto, ModeManual:
	default:
		return fmt.Errorf("unknown tool mode %q", mode)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = mode
	return nil
}

// Mode returns the current permission mode.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// SetApproval installs the interactive approval callback used in manual
// mode.
func (e *Engine) SetApproval(fn ApprovalFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.approve = fn
}

// AddWhitelistPattern appends an auto-approve pattern of form
// tool_name:path_glob.
func (e *Engine) AddWhitelistPattern(pattern string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.whitelist = append(e.whitelist, pattern)
}

// Execute looks up and runs a tool. Unknown names are a hard error. The
// permission policy is enforced first, then the handler runs bounded by the
// tool's timeout, then the attempt is audited. Denials, timeouts, and
// handler errors are all audited as failures.
func (e *Engine) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	e.mu.Lock()
	tool, ok := e.tools[name]
	mode := e.mode
	whitelist := e.whitelist
	approve := e.approve
	e.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}

	if err := e.checkPermission(tool, mode, whitelist, approve, args); err != nil {
		e.recordAudit(name, args, false)
		e.logger.Warn().Str("tool", name).Str("mode", string(mode)).Msg("Tool execution denied")
		return nil, err
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := tool.Handler(execCtx, args)
		done <- result{value: value, err: err}
	}()

	select {
	case <-execCtx.Done():
		e.recordAudit(name, args, false)
		e.logger.Error().Str("tool", name).Dur("timeout", timeout).Msg("Tool execution timed out")
		return nil, fmt.Errorf("tool %q timed out after %s", name, timeout)
	case res := <-done:
		if res.err != nil {
			e.recordAudit(name, args, false)
			e.logger.Error().Str("tool", name).Err(res.err).Msg("Tool execution failed")
			return nil, res.err
		}
		e.recordAudit(name, args, true)
		e.logger.Debug().Str("tool", name).Msg("Tool executed")
		return res.value, nil
	}
}

// checkPermission applies the permission mode. Tools that do not require
// approval bypass the policy in auto and manual modes.
func (e *Engine) checkPermission(tool *Tool, mode Mode, whitelist []string, approve ApprovalFunc, args map[string]any) error {
	switch mode {
	case ModeTrust:
		return nil
	case ModeDeny:
		return llm.NewPermissionDenied(fmt.Sprintf("tool %q denied: tool mode is deny", tool.Name))
	case ModeAuto:
		if !tool.RequiresApproval {
			return nil
		}
		if isWhitelisted(whitelist, tool.Name, args) {
			return nil
		}
		return llm.NewPermissionDenied(fmt.Sprintf("tool %q requires approval and is not whitelisted", tool.Name))
	case ModeManual:
		if !tool.RequiresApproval {
			return nil
		}
		if isWhitelisted(whitelist, tool.Name, args) {
			return nil
		}
		if approve != nil && approve(tool.Name, args) {
			return nil
		}
		return llm.NewPermissionDenied(fmt.Sprintf("tool %q was not approved", tool.Name))
	default:
		return llm.NewPermissionDenied(fmt.Sprintf("tool %q denied: unknown mode %q", tool.Name, mode))
	}
}

func (e *Engine) recordAudit(name string, args map[string]any, success bool) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Append(name, args, success); err != nil {
		e.logger.Error().Err(err).Msg("Failed to write audit entry")
	}
}
