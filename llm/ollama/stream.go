package ollama

import (
	"context"

	"github.com/ollama/ollama/api"

	"github.com/relay-llm/relay/llm"
)

// pumpStream drives one streaming chat call. Ollama delivers partial
// responses through a callback; each one becomes a chunk, and the final
// response carries the token counts.
func pumpStream(ctx context.Context, client *api.Client, chatReq *api.ChatRequest, model string, out *llm.BufferedStream) {
	var usage llm.Usage

	err := client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		if resp.Message.Content != "" {
			out.Push(&llm.StreamChunk{
				Delta:    resp.Message.Content,
				Provider: llm.ProviderOllama,
				Model:    model,
			})
		}
		for _, call := range fromToolCalls(resp.Message.ToolCalls) {
			toolCall := call
			out.Push(&llm.StreamChunk{
				Provider: llm.ProviderOllama,
				Model:    model,
				ToolCall: &toolCall,
			})
		}
		if resp.Done {
			usage.PromptTokens = resp.PromptEvalCount
			usage.CompletionTokens = resp.EvalCount
		}
		return nil
	})
	if err != nil {
		mapped := mapError(err)
		out.Push(&llm.StreamChunk{Provider: llm.ProviderOllama, Model: model, Err: mapped})
		out.Fail(mapped)
		return
	}

	out.Push(&llm.StreamChunk{
		IsDone:   true,
		Provider: llm.ProviderOllama,
		Model:    model,
		Usage:    &usage,
	})
	out.Finish()
}
