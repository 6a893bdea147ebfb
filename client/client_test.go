package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relay-llm/relay/cache"
	"github.com/relay-llm/relay/client"
	"github.com/relay-llm/relay/llm"
	"github.com/relay-llm/relay/router"
	"github.com/relay-llm/relay/tools"
	"github.com/relay-llm/relay/usage"
)

type fakeAdapter struct {
	provider  llm.Provider
	chat      func(attempt int) (*llm.ChatResponse, error)
	streamErr error
	calls     int
}

func (f *fakeAdapter) Provider() llm.Provider { return f.provider }

func (f *fakeAdapter) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	f.calls++
	return f.chat(f.calls)
}

func (f *fakeAdapter) StreamChat(ctx context.Context, req *llm.ChatRequest) (llm.Stream, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	s := llm.NewBufferedStream()
	s.Push(&llm.StreamChunk{Delta: "streamed", Provider: f.provider})
	s.Push(&llm.StreamChunk{
		IsDone:   true,
		Provider: f.provider,
		Usage:    &llm.Usage{PromptTokens: 5, CompletionTokens: 7},
	})
	s.Finish()
	return s, nil
}

func (f *fakeAdapter) ListModels(ctx context.Context) ([]llm.ModelInfo, error) { return nil, nil }

func (f *fakeAdapter) CheckHealth(ctx context.Context) llm.ProviderHealth {
	return llm.ProviderHealth{Provider: f.provider, Status: llm.HealthOK}
}

func (f *fakeAdapter) ContextLimit(model string) int { return 0 }

func respond(content string, provider llm.Provider) func(int) (*llm.ChatResponse, error) {
	return func(int) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{
			Content:  content,
			Provider: provider,
			Usage:    &llm.Usage{PromptTokens: 10, CompletionTokens: 20},
		}, nil
	}
}

type harness struct {
	client  *client.Client
	tracker *usage.Tracker
	cache   *cache.Cache
}

func newHarness(t *testing.T, limits usage.Limits, adapters ...*fakeAdapter) *harness {
	t.Helper()
	factory := llm.NewFactory(zerolog.Nop())
	chain := make([]llm.Provider, 0, len(adapters))
	for _, a := range adapters {
		adapter := a
		factory.Register(adapter.provider, func() (llm.Adapter, error) { return adapter, nil })
		chain = append(chain, adapter.provider)
	}

	tracker := usage.NewTracker(limits, nil, zerolog.Nop())
	responseCache := cache.New(time.Minute, 100, zerolog.Nop())
	engine := tools.NewEngine(tools.Options{Mode: tools.ModeTrust}, zerolog.Nop())
	rt := router.New(factory, 20000, zerolog.Nop())

	opts := client.Options{FallbackChain: chain, MaxRetries: 1, Backoff: time.Millisecond}
	return &harness{
		client:  client.New(factory, responseCache, tracker, engine, rt, opts, zerolog.Nop()),
		tracker: tracker,
		cache:   responseCache,
	}
}

func userRequest(content string) *llm.ChatRequest {
	return &llm.ChatRequest{Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: content}}}
}

func TestChatSuccessRecordsUsageAndCaches(t *testing.T) {
	adapter := &fakeAdapter{provider: llm.ProviderClaude, chat: respond("answer", llm.ProviderClaude)}
	h := newHarness(t, usage.Limits{}, adapter)

	resp, err := h.client.Chat(context.Background(), userRequest("question"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "answer" {
		t.Errorf("content = %q", resp.Content)
	}

	stats := h.tracker.Stats("", "")
	if stats.Requests != 1 || stats.TotalTokens != 30 {
		t.Errorf("stats = %+v, want 1 request / 30 tokens", stats)
	}

	// Second identical request is served from cache without another call.
	if _, err := h.client.Chat(context.Background(), userRequest("question")); err != nil {
		t.Fatal(err)
	}
	if adapter.calls != 1 {
		t.Errorf("adapter calls = %d, want 1 (cache hit)", adapter.calls)
	}
}

func TestChatEmptyRequestRejected(t *testing.T) {
	h := newHarness(t, usage.Limits{}, &fakeAdapter{provider: llm.ProviderClaude, chat: respond("x", llm.ProviderClaude)})

	if _, err := h.client.Chat(context.Background(), &llm.ChatRequest{}); err == nil {
		t.Error("expected error for empty message list")
	}
}

func TestChatRetriesExecutionFailure(t *testing.T) {
	adapter := &fakeAdapter{
		provider: llm.ProviderClaude,
		chat: func(attempt int) (*llm.ChatResponse, error) {
			if attempt == 1 {
				return nil, llm.NewExecutionFailed(llm.ProviderClaude, "transient", nil)
			}
			return &llm.ChatResponse{Content: "recovered", Provider: llm.ProviderClaude}, nil
		},
	}
	h := newHarness(t, usage.Limits{}, adapter)

	resp, err := h.client.Chat(context.Background(), userRequest("q"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "recovered" || adapter.calls != 2 {
		t.Errorf("content = %q, calls = %d", resp.Content, adapter.calls)
	}

	// The failed attempt is recorded too.
	stats := h.tracker.Stats("", "")
	if stats.Requests != 2 || stats.Errors != 1 {
		t.Errorf("stats = %+v, want 2 requests / 1 error", stats)
	}
}

func TestChatFallsBackOnUnavailable(t *testing.T) {
	down := &fakeAdapter{
		provider: llm.ProviderClaude,
		chat: func(int) (*llm.ChatResponse, error) {
			return nil, llm.NewUnavailable(llm.ProviderClaude, "no api key", nil)
		},
	}
	up := &fakeAdapter{provider: llm.ProviderOpenAI, chat: respond("fallback answer", llm.ProviderOpenAI)}
	h := newHarness(t, usage.Limits{}, down, up)

	resp, err := h.client.Chat(context.Background(), userRequest("q"))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Provider != llm.ProviderOpenAI {
		t.Errorf("provider = %s, want openai", resp.Provider)
	}
	if down.calls != 1 {
		t.Errorf("down adapter calls = %d, want 1 (unavailable is not retried)", down.calls)
	}
}

func TestChatNamedProviderMovesToHead(t *testing.T) {
	claude := &fakeAdapter{provider: llm.ProviderClaude, chat: respond("claude", llm.ProviderClaude)}
	openai := &fakeAdapter{provider: llm.ProviderOpenAI, chat: respond("openai", llm.ProviderOpenAI)}
	h := newHarness(t, usage.Limits{}, claude, openai)

	req := userRequest("q")
	req.Provider = llm.ProviderOpenAI
	resp, err := h.client.Chat(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Provider != llm.ProviderOpenAI || claude.calls != 0 {
		t.Errorf("provider = %s, claude calls = %d", resp.Provider, claude.calls)
	}
}

func TestChatNamedProviderFallsBackThroughChain(t *testing.T) {
	// A routed request names ollama; when it keeps failing the rest of the
	// chain still gets a chance.
	flaky := &fakeAdapter{
		provider: llm.ProviderOllama,
		chat: func(int) (*llm.ChatResponse, error) {
			return nil, llm.NewExecutionFailed(llm.ProviderOllama, "backend flaked", nil)
		},
	}
	healthy := &fakeAdapter{provider: llm.ProviderGemini, chat: respond("picked up", llm.ProviderGemini)}
	h := newHarness(t, usage.Limits{}, flaky, healthy)

	req := userRequest("q")
	req.Provider = llm.ProviderOllama
	resp, err := h.client.Chat(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Provider != llm.ProviderGemini || resp.Content != "picked up" {
		t.Errorf("resp = %+v, want gemini fallback", resp)
	}
	if flaky.calls != 2 {
		t.Errorf("flaky calls = %d, want 2 (retries exhausted before fallback)", flaky.calls)
	}
}

func TestStreamChatNamedProviderFallsBack(t *testing.T) {
	down := &fakeAdapter{
		provider: llm.ProviderOllama,
		chat:     respond("x", llm.ProviderOllama),
		streamErr: llm.NewUnavailable(llm.ProviderOllama, "daemon not running", nil),
	}
	up := &fakeAdapter{provider: llm.ProviderGemini, chat: respond("x", llm.ProviderGemini)}
	h := newHarness(t, usage.Limits{}, down, up)

	req := userRequest("q")
	req.Provider = llm.ProviderOllama
	s, err := h.client.StreamChat(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	var content string
	var provider llm.Provider
	for s.Next() {
		chunk := s.Chunk()
		content += chunk.Delta
		provider = chunk.Provider
	}
	if s.Err() != nil {
		t.Fatalf("stream err = %v", s.Err())
	}
	if content != "streamed" || provider != llm.ProviderGemini {
		t.Errorf("content = %q from %s, want gemini fallback", content, provider)
	}
}

func TestChatQuotaIsNeverMaskedByFallback(t *testing.T) {
	// Lifetime cap already exceeded by a prior request.
	h := newHarness(t, usage.Limits{MaxCostPerHour: 0.0001},
		&fakeAdapter{provider: llm.ProviderClaude, chat: respond("a", llm.ProviderClaude)},
		&fakeAdapter{provider: llm.ProviderOpenAI, chat: respond("b", llm.ProviderOpenAI)},
	)
	if _, err := h.tracker.Record(llm.ProviderClaude, "claude-sonnet-4-20250514",
		llm.Usage{PromptTokens: 1000, CompletionTokens: 1000}, true); err != nil {
		t.Fatal(err)
	}

	_, err := h.client.Chat(context.Background(), userRequest("q"))
	if !llm.IsQuotaExceeded(err) {
		t.Fatalf("err = %v, want quota exceeded before any provider call", err)
	}
}

func TestChatAllProvidersFailed(t *testing.T) {
	fail := func(int) (*llm.ChatResponse, error) {
		return nil, llm.NewExecutionFailed(llm.ProviderClaude, "down", nil)
	}
	h := newHarness(t, usage.Limits{},
		&fakeAdapter{provider: llm.ProviderClaude, chat: fail},
	)

	_, err := h.client.Chat(context.Background(), userRequest("q"))
	if err == nil {
		t.Fatal("expected error when every provider fails")
	}
	if !llm.IsExecutionFailed(err) {
		t.Errorf("err = %v, want wrapped execution failure", err)
	}
}

func TestStreamChatRecordsFinalUsage(t *testing.T) {
	adapter := &fakeAdapter{provider: llm.ProviderClaude, chat: respond("x", llm.ProviderClaude)}
	h := newHarness(t, usage.Limits{}, adapter)

	s, err := h.client.StreamChat(context.Background(), userRequest("q"))
	if err != nil {
		t.Fatal(err)
	}
	var content string
	for s.Next() {
		content += s.Chunk().Delta
	}
	if content != "streamed" {
		t.Errorf("content = %q", content)
	}

	stats := h.tracker.Stats(llm.ProviderClaude, "")
	if stats.Requests != 1 || stats.TotalTokens != 12 {
		t.Errorf("stats = %+v, want usage from the final chunk", stats)
	}
}
