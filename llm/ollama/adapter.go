// Package ollama adapts a local Ollama server to the provider contract.
package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/relay-llm/relay/llm"
)

// Adapter talks to an Ollama server. Local models are free, so no usage
// cost ever attaches to this provider.
type Adapter struct {
	client       *api.Client
	defaultModel string
	logger       zerolog.Logger
}

// New creates an Adapter. An empty host falls back to OLLAMA_HOST or the
// default localhost endpoint.
func New(host, defaultModel string, logger zerolog.Logger) (*Adapter, error) {
	var client *api.Client
	if host != "" {
		baseURL, err := parseHost(host)
		if err != nil {
			return nil, llm.NewUnavailable(llm.ProviderOllama, "invalid ollama host", err)
		}
		client = api.NewClient(baseURL, &http.Client{})
	} else {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, llm.NewUnavailable(llm.ProviderOllama, "failed to create ollama client", err)
		}
	}
	return &Adapter{
		client:       client,
		defaultModel: defaultModel,
		logger:       logger.With().Str("component", "ollama_adapter").Logger(),
	}, nil
}

func parseHost(host string) (*url.URL, error) {
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return url.Parse(host)
}

// Provider implements llm.Adapter.
func (a *Adapter) Provider() llm.Provider { return llm.ProviderOllama }

// Chat implements llm.Adapter.
func (a *Adapter) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	chatReq, model := a.buildRequest(req, false)

	var final api.ChatResponse
	err := a.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		final = resp
		return nil
	})
	if err != nil {
		return nil, mapError(err)
	}

	return &llm.ChatResponse{
		Content:      final.Message.Content,
		Provider:     llm.ProviderOllama,
		Model:        model,
		FinishReason: finishReason(final),
		ToolCalls:    fromToolCalls(final.Message.ToolCalls),
		Usage: &llm.Usage{
			PromptTokens:     final.PromptEvalCount,
			CompletionTokens: final.EvalCount,
		},
	}, nil
}

// StreamChat implements llm.Adapter.
func (a *Adapter) StreamChat(ctx context.Context, req *llm.ChatRequest) (llm.Stream, error) {
	chatReq, model := a.buildRequest(req, true)

	out := llm.NewBufferedStream()
	go pumpStream(ctx, a.client, chatReq, model, out)
	return out, nil
}

// ListModels implements llm.Adapter.
func (a *Adapter) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	list, err := a.client.List(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	return lo.Map(list.Models, func(m api.ListModelResponse, _ int) llm.ModelInfo {
		return llm.ModelInfo{Name: m.Name, Provider: llm.ProviderOllama}
	}), nil
}

// CheckHealth implements llm.Adapter. The heartbeat endpoint answers
// without touching any model.
func (a *Adapter) CheckHealth(ctx context.Context) llm.ProviderHealth {
	start := time.Now()
	err := a.client.Heartbeat(ctx)
	health := llm.ProviderHealth{
		Provider: llm.ProviderOllama,
		Status:   llm.HealthOK,
		Latency:  time.Since(start),
	}
	if err != nil {
		health.Status = llm.HealthDown
		health.Detail = err.Error()
	}
	return health
}

// ContextLimit implements llm.Adapter. Local model windows vary by pull
// parameters, so the limit is reported unknown.
func (a *Adapter) ContextLimit(model string) int { return 0 }

func (a *Adapter) buildRequest(req *llm.ChatRequest, streaming bool) (*api.ChatRequest, string) {
	model := req.Model
	if model == "" {
		model = a.defaultModel
	}

	messages := lo.Map(req.Messages, func(m llm.ChatMessage, _ int) api.Message {
		return api.Message{Role: string(m.Role), Content: m.Content}
	})

	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &streaming,
		Options:  make(map[string]any),
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toTools(req.Tools)
	}
	if req.MaxTokens > 0 {
		chatReq.Options["num_predict"] = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Options["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		chatReq.Options["top_p"] = *req.TopP
	}
	if len(req.Stop) > 0 {
		chatReq.Options["stop"] = req.Stop
	}
	if req.ExpectJSON {
		chatReq.Format = []byte(`"json"`)
	}
	return chatReq, model
}

func toTools(tools []llm.ToolSchema) []api.Tool {
	result := make([]api.Tool, 0, len(tools))
	for _, t := range tools {
		properties := api.NewToolPropertiesMap()
		var required []string

		if props, ok := t.Parameters["properties"].(map[string]any); ok {
			for name, raw := range props {
				prop := api.ToolProperty{Type: []string{"string"}}
				if propMap, ok := raw.(map[string]any); ok {
					if propType, ok := propMap["type"].(string); ok {
						prop.Type = []string{propType}
					}
				}
				properties.Set(name, prop)
			}
		}
		if reqs, ok := t.Parameters["required"].([]string); ok {
			required = reqs
		} else if reqs, ok := t.Parameters["required"].([]any); ok {
			for _, r := range reqs {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}

		result = append(result, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters: api.ToolFunctionParameters{
					Type:       "object",
					Properties: properties,
					Required:   required,
				},
			},
		})
	}
	return result
}

func fromToolCalls(calls []api.ToolCall) []llm.ToolCall {
	var result []llm.ToolCall
	for _, call := range calls {
		args := make(map[string]any)
		for k, v := range call.Function.Arguments.All() {
			args[k] = v
		}
		// Ollama does not assign call IDs; synthesize a stable one.
		result = append(result, llm.ToolCall{
			ID:        fmt.Sprintf("tool_%s", call.Function.Name),
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	return result
}

func finishReason(resp api.ChatResponse) string {
	if resp.DoneReason != "" {
		return resp.DoneReason
	}
	if resp.Done {
		return "stop"
	}
	return ""
}

// mapError translates failures into the shared taxonomy. A server that
// cannot be reached at all is Unavailable; anything the server itself
// rejected is a retryable execution failure.
func mapError(err error) *llm.Error {
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		return &llm.Error{
			Kind:       llm.KindExecutionFailed,
			Provider:   llm.ProviderOllama,
			Message:    "ollama request failed",
			StatusCode: statusErr.StatusCode,
			Err:        err,
		}
	}
	return llm.NewUnavailable(llm.ProviderOllama, "ollama server unreachable", err)
}
