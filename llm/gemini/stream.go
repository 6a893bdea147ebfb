package gemini

import (
	"context"

	anyllm "github.com/mozilla-ai/any-llm-go"

	"github.com/relay-llm/relay/llm"
)

// pumpStream translates the backend's chunk channel into stream chunks.
// Tool call fragments arrive keyed by index and are emitted complete once
// a finish reason appears.
func pumpStream(ctx context.Context, chunks <-chan anyllm.ChatCompletionChunk, errs <-chan error, model string, out *llm.BufferedStream) {
	type accumCall struct {
		id        string
		name      string
		arguments string
	}
	accum := map[int]*accumCall{}

	flushToolCalls := func() {
		for i := 0; i < len(accum); i++ {
			call, ok := accum[i]
			if !ok {
				continue
			}
			out.Push(&llm.StreamChunk{
				Provider: llm.ProviderGemini,
				Model:    model,
				ToolCall: &llm.ToolCall{
					ID:        call.id,
					Name:      call.name,
					Arguments: parseArguments(call.arguments),
				},
			})
		}
		accum = map[int]*accumCall{}
	}

	for chunk := range chunks {
		if ctx.Err() != nil {
			out.Fail(ctx.Err())
			return
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			out.Push(&llm.StreamChunk{
				Delta:    choice.Delta.Content,
				Provider: llm.ProviderGemini,
				Model:    model,
			})
		}
		for i, tc := range choice.Delta.ToolCalls {
			call, ok := accum[i]
			if !ok {
				call = &accumCall{}
				accum[i] = call
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
			}
			call.arguments += tc.Function.Arguments
		}
		if choice.FinishReason != "" {
			flushToolCalls()
		}
	}

	if err := <-errs; err != nil {
		mapped := mapError(err)
		out.Push(&llm.StreamChunk{Provider: llm.ProviderGemini, Model: model, Err: mapped})
		out.Fail(mapped)
		return
	}

	out.Push(&llm.StreamChunk{
		IsDone:   true,
		Provider: llm.ProviderGemini,
		Model:    model,
	})
	out.Finish()
}
