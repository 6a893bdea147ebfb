package anthropic

import (
	"encoding/json"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/rs/zerolog"

	"github.com/relay-llm/relay/llm"
)

// pumpStream translates Anthropic SSE events into chunks. Text deltas are
// forwarded as they arrive; tool input deltas are accumulated and emitted
// as one complete tool call when the content block closes.
func pumpStream(sse *ssestream.Stream[anthropic.MessageStreamEventUnion], model string, out *llm.BufferedStream, logger zerolog.Logger) {
	defer sse.Close() //nolint:errcheck // nothing to do on close failure

	var (
		usage        llm.Usage
		pendingCall  *llm.ToolCall
		inputBuilder strings.Builder
	)

	flushToolCall := func() {
		if pendingCall == nil {
			return
		}
		pendingCall.Arguments = parseToolArguments(inputBuilder.String())
		out.Push(&llm.StreamChunk{
			Provider: llm.ProviderClaude,
			Model:    model,
			ToolCall: pendingCall,
		})
		pendingCall = nil
		inputBuilder.Reset()
	}

	for sse.Next() {
		event := sse.Current()
		switch evt := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			usage.PromptTokens = int(evt.Message.Usage.InputTokens)

		case anthropic.ContentBlockStartEvent:
			if block, ok := evt.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				pendingCall = &llm.ToolCall{ID: block.ID, Name: block.Name}
				inputBuilder.Reset()
			}

		case anthropic.ContentBlockDeltaEvent:
			switch d := evt.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if d.Text != "" {
					out.Push(&llm.StreamChunk{
						Delta:    d.Text,
						Provider: llm.ProviderClaude,
						Model:    model,
					})
				}
			case anthropic.InputJSONDelta:
				if pendingCall != nil {
					inputBuilder.WriteString(d.PartialJSON)
				}
			}

		case anthropic.ContentBlockStopEvent:
			flushToolCall()

		case anthropic.MessageDeltaEvent:
			usage.CompletionTokens = int(evt.Usage.OutputTokens)

		case anthropic.MessageStopEvent:
			flushToolCall()
			out.Push(&llm.StreamChunk{
				IsDone:   true,
				Provider: llm.ProviderClaude,
				Model:    model,
				Usage:    &usage,
			})
			out.Finish()
			return
		}
	}

	if err := sse.Err(); err != nil {
		mapped := mapError(err)
		logger.Debug().Err(err).Msg("Anthropic stream broke")
		out.Push(&llm.StreamChunk{Provider: llm.ProviderClaude, Model: model, Err: mapped})
		out.Fail(mapped)
		return
	}
	// Stream ended without a stop event; close cleanly anyway.
	out.Push(&llm.StreamChunk{
		IsDone:   true,
		Provider: llm.ProviderClaude,
		Model:    model,
		Usage:    &usage,
	})
	out.Finish()
}

func parseToolArguments(partialJSON string) map[string]any {
	args := make(map[string]any)
	if partialJSON == "" {
		return args
	}
	if err := json.Unmarshal([]byte(partialJSON), &args); err != nil {
		return map[string]any{}
	}
	return args
}
