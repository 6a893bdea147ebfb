package llm

import "time"

// Provider identifies a supported LLM backend.
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderOllama Provider = "ollama"
)

// Providers lists all supported backends in default fallback order.
func Providers() []Provider {
	return []Provider{ProviderClaude, ProviderOpenAI, ProviderGemini, ProviderOllama}
}

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChatMessage is a single message in a conversation. Ordering within a
// request is significant (oldest first).
type ChatMessage struct {
	Role       Role   `json:"role"`
	Content    string `json:"content"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolSchema describes a callable tool offered to the model.
// Parameters is a JSON Schema object.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatRequest is a provider-neutral chat request. Adapters must not
// mutate it.
type ChatRequest struct {
	Messages    []ChatMessage  `json:"messages"`
	Provider    Provider       `json:"provider,omitempty"`
	Model       string         `json:"model,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
	TopP        *float64       `json:"top_p,omitempty"`
	Stop        []string       `json:"stop,omitempty"`
	Tools       []ToolSchema   `json:"tools,omitempty"`
	ExpectJSON  bool           `json:"expect_json,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Usage reports token consumption for one request.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCost    float64 `json:"estimated_cost,omitempty"`
}

// Total returns the total token count, deriving it from prompt+completion
// when the provider did not report one.
func (u Usage) Total() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the final result of a non-streaming request.
type ChatResponse struct {
	Content      string         `json:"content"`
	Provider     Provider       `json:"provider"`
	Model        string         `json:"model,omitempty"`
	Usage        *Usage         `json:"usage,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
	ToolCalls    []ToolCall     `json:"tool_calls,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// StreamChunk is one increment of a streaming response. A stream is
// terminated by exactly one chunk with IsDone=true; a chunk carrying Err is
// terminal for that attempt regardless of IsDone.
type StreamChunk struct {
	Delta    string    `json:"delta,omitempty"`
	IsDone   bool      `json:"is_done"`
	Provider Provider  `json:"provider"`
	Model    string    `json:"model,omitempty"`
	Usage    *Usage    `json:"usage,omitempty"`
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	Err      *Error    `json:"-"`
}

// ModelInfo describes one model offered by a provider.
type ModelInfo struct {
	Name         string   `json:"name"`
	Provider     Provider `json:"provider"`
	ContextLimit int      `json:"context_limit,omitempty"`
}

// HealthStatus is the coarse availability state of a provider.
type HealthStatus string

const (
	HealthOK   HealthStatus = "ok"
	HealthDown HealthStatus = "down"
)

// ProviderHealth is the result of a health probe.
type ProviderHealth struct {
	Provider Provider      `json:"provider"`
	Status   HealthStatus  `json:"status"`
	Latency  time.Duration `json:"latency,omitempty"`
	Detail   string        `json:"detail,omitempty"`
}

// Healthy reports whether the probe found the provider usable.
func (h ProviderHealth) Healthy() bool {
	return h.Status == HealthOK
}
