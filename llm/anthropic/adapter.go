// Package anthropic adapts the Anthropic Messages API to the provider
// contract.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/samber/lo"
	"github.com/rs/zerolog"

	"github.com/relay-llm/relay/llm"
)

const defaultMaxTokens = 4096

// Adapter talks to the Anthropic API.
type Adapter struct {
	client       *anthropic.Client
	defaultModel string
	logger       zerolog.Logger
}

// New creates an Adapter. A missing API key is an Unavailable error so
// the fallback chain can skip the provider without retrying.
func New(apiKey, defaultModel string, logger zerolog.Logger) (*Adapter, error) {
	if apiKey == "" {
		return nil, llm.NewUnavailable(llm.ProviderClaude, "anthropic api key not configured", nil)
	}
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Adapter{
		client:       &client,
		defaultModel: defaultModel,
		logger:       logger.With().Str("component", "anthropic_adapter").Logger(),
	}, nil
}

// Provider implements llm.Adapter.
func (a *Adapter) Provider() llm.Provider { return llm.ProviderClaude }

// Chat implements llm.Adapter.
func (a *Adapter) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	params, model := a.buildParams(req)

	message, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, mapError(err)
	}

	var content strings.Builder
	var toolCalls []llm.ToolCall
	for _, blockUnion := range message.Content {
		switch block := blockUnion.AsAny().(type) {
		case anthropic.TextBlock:
			content.WriteString(block.Text)
		case anthropic.ToolUseBlock:
			toolCalls = append(toolCalls, llm.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: decodeToolInput(block.Input),
			})
		}
	}

	return &llm.ChatResponse{
		Content:      content.String(),
		Provider:     llm.ProviderClaude,
		Model:        model,
		FinishReason: string(message.StopReason),
		ToolCalls:    toolCalls,
		Usage: &llm.Usage{
			PromptTokens:     int(message.Usage.InputTokens),
			CompletionTokens: int(message.Usage.OutputTokens),
		},
	}, nil
}

// StreamChat implements llm.Adapter.
func (a *Adapter) StreamChat(ctx context.Context, req *llm.ChatRequest) (llm.Stream, error) {
	params, model := a.buildParams(req)

	sse := a.client.Messages.NewStreaming(ctx, params)
	out := llm.NewBufferedStream()
	go pumpStream(sse, model, out, a.logger)
	return out, nil
}

// ListModels implements llm.Adapter.
func (a *Adapter) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	page, err := a.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		return nil, mapError(err)
	}
	return lo.Map(page.Data, func(m anthropic.ModelInfo, _ int) llm.ModelInfo {
		return llm.ModelInfo{
			Name:         m.ID,
			Provider:     llm.ProviderClaude,
			ContextLimit: a.ContextLimit(m.ID),
		}
	}), nil
}

// CheckHealth implements llm.Adapter.
func (a *Adapter) CheckHealth(ctx context.Context) llm.ProviderHealth {
	start := time.Now()
	_, err := a.ListModels(ctx)
	health := llm.ProviderHealth{
		Provider: llm.ProviderClaude,
		Status:   llm.HealthOK,
		Latency:  time.Since(start),
	}
	if err != nil {
		health.Status = llm.HealthDown
		health.Detail = err.Error()
	}
	return health
}

// ContextLimit implements llm.Adapter. All current Claude models carry a
// 200k context window.
func (a *Adapter) ContextLimit(model string) int {
	if strings.HasPrefix(model, "claude-") {
		return 200000
	}
	return 0
}

func (a *Adapter) buildParams(req *llm.ChatRequest) (anthropic.MessageNewParams, string) {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	// The Messages API takes system text separately from the turn list.
	var system strings.Builder
	var messages []anthropic.MessageParam
	for _, msg := range req.Messages {
		switch msg.Role {
		case llm.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(msg.Content)
		case llm.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		case llm.RoleTool:
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
		Tools:     toToolParams(req.Tools),
	}
	if system.Len() > 0 {
		// Cache control on the system block caches the tools+system prefix.
		params.System = []anthropic.TextBlockParam{
			{Text: system.String(), CacheControl: anthropic.NewCacheControlEphemeralParam()},
		}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	return params, model
}

func toToolParams(tools []llm.ToolSchema) []anthropic.ToolUnionParam {
	return lo.Map(tools, func(t llm.ToolSchema, _ int) anthropic.ToolUnionParam {
		return anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Type:       "object",
					Properties: t.Parameters["properties"],
				},
			},
		}
	})
}

func decodeToolInput(raw any) map[string]any {
	input := make(map[string]any)
	if raw == nil {
		return input
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return input
	}
	if err := json.Unmarshal(data, &input); err != nil {
		return map[string]any{}
	}
	return input
}

// mapError translates SDK failures into the shared taxonomy: auth and
// permission failures mean the provider is unusable (fall back, don't
// retry); everything else is a retryable execution failure.
func mapError(err error) *llm.Error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		e := &llm.Error{
			Provider:   llm.ProviderClaude,
			StatusCode: apierr.StatusCode,
			Err:        err,
		}
		switch apierr.StatusCode {
		case 401, 403:
			e.Kind = llm.KindUnavailable
			e.Message = "anthropic rejected credentials"
		default:
			e.Kind = llm.KindExecutionFailed
			e.Message = "anthropic request failed"
		}
		return e
	}
	return llm.NewExecutionFailed(llm.ProviderClaude, "anthropic request failed", err)
}
