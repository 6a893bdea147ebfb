// Package gemini adapts Google Gemini to the provider contract through
// the any-llm unified client.
package gemini

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	anyllm "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/relay-llm/relay/llm"
)

// Adapter talks to the Gemini API.
type Adapter struct {
	backend      anyllm.Provider
	defaultModel string
	logger       zerolog.Logger
}

// New creates an Adapter. A missing API key is an Unavailable error so
// the fallback chain can skip the provider without retrying.
func New(apiKey, defaultModel string, logger zerolog.Logger) (*Adapter, error) {
	if apiKey == "" {
		return nil, llm.NewUnavailable(llm.ProviderGemini, "gemini api key not configured", nil)
	}
	backend, err := gemini.New(anyllm.WithAPIKey(apiKey))
	if err != nil {
		return nil, llm.NewUnavailable(llm.ProviderGemini, "failed to create gemini backend", err)
	}
	return &Adapter{
		backend:      backend,
		defaultModel: defaultModel,
		logger:       logger.With().Str("component", "gemini_adapter").Logger(),
	}, nil
}

// Provider implements llm.Adapter.
func (a *Adapter) Provider() llm.Provider { return llm.ProviderGemini }

// Chat implements llm.Adapter.
func (a *Adapter) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	params, model := a.buildParams(req)

	resp, err := a.backend.Completion(ctx, params)
	if err != nil {
		return nil, mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.NewExecutionFailed(llm.ProviderGemini, "response contained no choices", nil)
	}

	choice := resp.Choices[0]
	result := &llm.ChatResponse{
		Content:      choice.Message.ContentString(),
		Provider:     llm.ProviderGemini,
		Model:        model,
		FinishReason: string(choice.FinishReason),
	}
	if resp.Usage != nil {
		result.Usage = &llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: parseArguments(tc.Function.Arguments),
		})
	}
	return result, nil
}

// StreamChat implements llm.Adapter.
func (a *Adapter) StreamChat(ctx context.Context, req *llm.ChatRequest) (llm.Stream, error) {
	params, model := a.buildParams(req)

	chunks, errs := a.backend.CompletionStream(ctx, params)
	out := llm.NewBufferedStream()
	go pumpStream(ctx, chunks, errs, model, out)
	return out, nil
}

// ListModels implements llm.Adapter. The any-llm backend exposes no model
// listing, so this reports the supported family statically.
func (a *Adapter) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	names := []string{"gemini-2.0-flash", "gemini-1.5-pro", "gemini-1.5-flash"}
	return lo.Map(names, func(name string, _ int) llm.ModelInfo {
		return llm.ModelInfo{
			Name:         name,
			Provider:     llm.ProviderGemini,
			ContextLimit: a.ContextLimit(name),
		}
	}), nil
}

// CheckHealth implements llm.Adapter. It issues a one-token completion as
// a liveness probe since the backend has no cheaper endpoint.
func (a *Adapter) CheckHealth(ctx context.Context) llm.ProviderHealth {
	start := time.Now()
	probe := &llm.ChatRequest{
		Messages:  []llm.ChatMessage{{Role: llm.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	}
	params, _ := a.buildParams(probe)
	_, err := a.backend.Completion(ctx, params)

	health := llm.ProviderHealth{
		Provider: llm.ProviderGemini,
		Status:   llm.HealthOK,
		Latency:  time.Since(start),
	}
	if err != nil {
		health.Status = llm.HealthDown
		health.Detail = err.Error()
	}
	return health
}

// ContextLimit implements llm.Adapter.
func (a *Adapter) ContextLimit(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "gemini-1.5-pro"):
		return 2_097_152
	case strings.Contains(lower, "gemini-2.0-flash"), strings.Contains(lower, "gemini-1.5-flash"):
		return 1_048_576
	case strings.HasPrefix(lower, "gemini"):
		return 128_000
	}
	return 0
}

func (a *Adapter) buildParams(req *llm.ChatRequest) (anyllm.CompletionParams, string) {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}

	messages := lo.Map(req.Messages, func(m llm.ChatMessage, _ int) anyllm.Message {
		return anyllm.Message{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
	})

	params := anyllm.CompletionParams{
		Model:    model,
		Messages: messages,
	}
	if req.Temperature != nil {
		t := *req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, anyllm.Tool{
			Type: "function",
			Function: anyllm.Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return params, model
}

func parseArguments(arguments string) map[string]any {
	args := make(map[string]any)
	if arguments == "" {
		return args
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return map[string]any{}
	}
	return args
}

// mapError translates backend failures into the shared taxonomy. The
// unified client does not expose status codes, so credential rejections
// are recognized by message.
func mapError(err error) *llm.Error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "api key") {
		return llm.NewUnavailable(llm.ProviderGemini, "gemini rejected credentials", err)
	}
	return llm.NewExecutionFailed(llm.ProviderGemini, "gemini request failed", err)
}
