package orchestrator

import (
	"context"
	"strings"
	"testing"

	"github.com/relay-llm/relay/llm"
)

func TestClientDistiller(t *testing.T) {
	client := &fakeClient{
		responses: []*llm.ChatResponse{textResponse(llm.ProviderGemini, "decisions: use retries")},
	}
	d := NewClientDistiller(client, llm.ProviderGemini, 2000)

	summary, err := d.Distill(context.Background(), "user: hi\nassistant: hello\n", "retry work")
	if err != nil {
		t.Fatalf("Distill: %v", err)
	}
	if summary != "decisions: use retries" {
		t.Errorf("summary = %q", summary)
	}

	req := client.requests[0]
	if req.Provider != llm.ProviderGemini {
		t.Errorf("provider = %q", req.Provider)
	}
	if req.Messages[0].Role != llm.RoleSystem || !strings.Contains(req.Messages[0].Content, "Summarize") {
		t.Errorf("system message = %+v", req.Messages[0])
	}
	if !strings.Contains(req.Messages[1].Content, "Task: retry work") {
		t.Errorf("user message = %q", req.Messages[1].Content)
	}
}

func TestClientDistillerEmptySummary(t *testing.T) {
	client := &fakeClient{
		responses: []*llm.ChatResponse{textResponse(llm.ProviderGemini, "  ")},
	}
	d := NewClientDistiller(client, llm.ProviderGemini, 0)
	if _, err := d.Distill(context.Background(), "transcript", "task"); err == nil {
		t.Fatal("expected error for empty summary")
	}
}
