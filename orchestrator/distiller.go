package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/relay-llm/relay/llm"
)

// ClientDistiller compresses transcripts through a secondary model call,
// typically pointed at a cheap backend.
type ClientDistiller struct {
	client    LLMClient
	backend   llm.Provider
	maxTokens int
}

// NewClientDistiller creates a distiller bound to one backend. A zero
// maxTokens leaves the summary length to the model.
func NewClientDistiller(client LLMClient, backend llm.Provider, maxTokens int) *ClientDistiller {
	return &ClientDistiller{client: client, backend: backend, maxTokens: maxTokens}
}

// Distill implements session.Distiller.
func (d *ClientDistiller) Distill(ctx context.Context, transcript, hint string) (string, error) {
	prompt := DefaultPersonas()
	var system string
	for _, p := range prompt {
		if p.Name == "context-distiller" {
			system = p.SystemPrompt
			break
		}
	}

	resp, err := d.client.Chat(ctx, &llm.ChatRequest{
		Provider: d.backend,
		Messages: []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: fmt.Sprintf("Task: %s\n\n%s", hint, transcript)},
		},
		MaxTokens:   d.maxTokens,
		Temperature: floatPtr(0.2),
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("distillation produced no content")
	}
	return resp.Content, nil
}
