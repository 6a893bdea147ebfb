package openai

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/relay-llm/relay/llm"
)

// pumpStream translates completion stream deltas into chunks. Tool call
// argument fragments are accumulated per call and emitted complete once
// the finish reason arrives.
func pumpStream(sse *openai.ChatCompletionStream, model string, out *llm.BufferedStream) {
	defer sse.Close() //nolint:errcheck // nothing to do on close failure

	var (
		usage        *llm.Usage
		pendingCall  *llm.ToolCall
		inputBuilder strings.Builder
	)

	flushToolCall := func() {
		if pendingCall == nil {
			return
		}
		args := make(map[string]any)
		if inputBuilder.Len() > 0 {
			if err := json.Unmarshal([]byte(inputBuilder.String()), &args); err != nil {
				args = map[string]any{}
			}
		}
		pendingCall.Arguments = args
		out.Push(&llm.StreamChunk{
			Provider: llm.ProviderOpenAI,
			Model:    model,
			ToolCall: pendingCall,
		})
		pendingCall = nil
		inputBuilder.Reset()
	}

	for {
		response, err := sse.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			mapped := mapError(err)
			out.Push(&llm.StreamChunk{Provider: llm.ProviderOpenAI, Model: model, Err: mapped})
			out.Fail(mapped)
			return
		}

		// The final usage-only chunk arrives with an empty choice list.
		if response.Usage != nil {
			usage = &llm.Usage{
				PromptTokens:     response.Usage.PromptTokens,
				CompletionTokens: response.Usage.CompletionTokens,
				TotalTokens:      response.Usage.TotalTokens,
			}
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			out.Push(&llm.StreamChunk{
				Delta:    choice.Delta.Content,
				Provider: llm.ProviderOpenAI,
				Model:    model,
			})
		}

		for _, delta := range choice.Delta.ToolCalls {
			if delta.ID != "" && (pendingCall == nil || pendingCall.ID != delta.ID) {
				flushToolCall()
				pendingCall = &llm.ToolCall{ID: delta.ID, Name: delta.Function.Name}
			}
			if delta.Function.Arguments != "" {
				inputBuilder.WriteString(delta.Function.Arguments)
			}
		}

		if choice.FinishReason != "" {
			flushToolCall()
		}
	}

	out.Push(&llm.StreamChunk{
		IsDone:   true,
		Provider: llm.ProviderOpenAI,
		Model:    model,
		Usage:    usage,
	})
	out.Finish()
}
