// Package openai adapts the OpenAI chat completions API to the provider
// contract.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	openai "github.com/sashabaranov/go-openai"

	"github.com/relay-llm/relay/llm"
)

// Adapter talks to the OpenAI API (or a compatible endpoint via baseURL).
type Adapter struct {
	client       *openai.Client
	defaultModel string
	logger       zerolog.Logger
}

// New creates an Adapter. A missing API key is an Unavailable error so
// the fallback chain can skip the provider without retrying.
func New(apiKey, baseURL, defaultModel string, logger zerolog.Logger) (*Adapter, error) {
	if apiKey == "" {
		return nil, llm.NewUnavailable(llm.ProviderOpenAI, "openai api key not configured", nil)
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Adapter{
		client:       openai.NewClientWithConfig(config),
		defaultModel: defaultModel,
		logger:       logger.With().Str("component", "openai_adapter").Logger(),
	}, nil
}

// Provider implements llm.Adapter.
func (a *Adapter) Provider() llm.Provider { return llm.ProviderOpenAI }

// Chat implements llm.Adapter.
func (a *Adapter) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	chatReq := a.buildRequest(req, false)

	resp, err := a.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, mapError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.NewExecutionFailed(llm.ProviderOpenAI, "response contained no choices", nil)
	}

	choice := resp.Choices[0]
	return &llm.ChatResponse{
		Content:      choice.Message.Content,
		Provider:     llm.ProviderOpenAI,
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
		ToolCalls:    fromToolCalls(choice.Message.ToolCalls),
		Usage: &llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

// StreamChat implements llm.Adapter.
func (a *Adapter) StreamChat(ctx context.Context, req *llm.ChatRequest) (llm.Stream, error) {
	chatReq := a.buildRequest(req, true)

	sse, err := a.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, mapError(err)
	}
	out := llm.NewBufferedStream()
	go pumpStream(sse, chatReq.Model, out)
	return out, nil
}

// ListModels implements llm.Adapter.
func (a *Adapter) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	list, err := a.client.ListModels(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return lo.Map(list.Models, func(m openai.Model, _ int) llm.ModelInfo {
		return llm.ModelInfo{
			Name:         m.ID,
			Provider:     llm.ProviderOpenAI,
			ContextLimit: a.ContextLimit(m.ID),
		}
	}), nil
}

// CheckHealth implements llm.Adapter.
func (a *Adapter) CheckHealth(ctx context.Context) llm.ProviderHealth {
	start := time.Now()
	_, err := a.client.ListModels(ctx)
	health := llm.ProviderHealth{
		Provider: llm.ProviderOpenAI,
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
	switch model {
	case "gpt-4o", "gpt-4o-mini", "gpt-4-turbo":
		return 128000
	case "o3-mini", "o1":
		return 200000
	}
	return 0
}

func (a *Adapter) buildRequest(req *llm.ChatRequest, streaming bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toMessages(req.Messages),
		Stream:   streaming,
	}
	if streaming {
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toTools(req.Tools)
		chatReq.ToolChoice = "auto"
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		chatReq.TopP = float32(*req.TopP)
	}
	if len(req.Stop) > 0 {
		chatReq.Stop = req.Stop
	}
	if req.ExpectJSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return chatReq
}

func toMessages(messages []llm.ChatMessage) []openai.ChatCompletionMessage {
	return lo.Map(messages, func(m llm.ChatMessage, _ int) openai.ChatCompletionMessage {
		return openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
	})
}

func toTools(tools []llm.ToolSchema) []openai.Tool {
	return lo.Map(tools, func(t llm.ToolSchema, _ int) openai.Tool {
		return openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	})
}

func fromToolCalls(calls []openai.ToolCall) []llm.ToolCall {
	var result []llm.ToolCall
	for _, call := range calls {
		args := make(map[string]any)
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				args = map[string]any{}
			}
		}
		result = append(result, llm.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	return result
}

// mapError translates API failures into the shared taxonomy.
func mapError(err error) *llm.Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		e := &llm.Error{
			Provider:   llm.ProviderOpenAI,
			StatusCode: apiErr.HTTPStatusCode,
			Err:        err,
		}
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			e.Kind = llm.KindUnavailable
			e.Message = "openai rejected credentials"
		default:
			e.Kind = llm.KindExecutionFailed
			e.Message = "openai request failed"
		}
		return e
	}
	return llm.NewExecutionFailed(llm.ProviderOpenAI, "openai request failed", err)
}
