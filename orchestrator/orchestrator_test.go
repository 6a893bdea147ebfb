package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/relay-llm/relay/llm"
	"github.com/relay-llm/relay/memory"
	"github.com/relay-llm/relay/router"
	"github.com/relay-llm/relay/session"
	"github.com/relay-llm/relay/tools"
	"github.com/relay-llm/relay/usage"
)

type fakeAdapter struct {
	provider llm.Provider
}

func (f *fakeAdapter) Provider() llm.Provider { return f.provider }
func (f *fakeAdapter) Chat(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("not used")
}
func (f *fakeAdapter) StreamChat(context.Context, *llm.ChatRequest) (llm.Stream, error) {
	return nil, errors.New("not used")
}
func (f *fakeAdapter) ListModels(context.Context) ([]llm.ModelInfo, error) { return nil, nil }
func (f *fakeAdapter) CheckHealth(context.Context) llm.ProviderHealth {
	return llm.ProviderHealth{Provider: f.provider, Status: llm.HealthOK}
}
func (f *fakeAdapter) ContextLimit(string) int { return 0 }

type fakeClient struct {
	requests  []*llm.ChatRequest
	responses []*llm.ChatResponse
	chatErr   error
	routed    llm.Provider
	routedAs  router.Role
	execCalls []string
	execErr   error
	stream    llm.Stream
}

func (f *fakeClient) Chat(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	f.requests = append(f.requests, req)
	if f.chatErr != nil {
		return nil, f.chatErr
	}
	idx := len(f.requests) - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx], nil
}

func (f *fakeClient) StreamChat(_ context.Context, req *llm.ChatRequest) (llm.Stream, error) {
	f.requests = append(f.requests, req)
	return f.stream, nil
}

func (f *fakeClient) Route(_ context.Context, role router.Role, _ int) (llm.Adapter, error) {
	f.routedAs = role
	return &fakeAdapter{provider: f.routed}, nil
}

func (f *fakeClient) ExecuteTool(_ context.Context, name string, _ map[string]any) (any, error) {
	f.execCalls = append(f.execCalls, name)
	if f.execErr != nil {
		return nil, f.execErr
	}
	return map[string]any{"ok": true}, nil
}

type fakeMemory struct {
	entries []string
	saved   []string
}

func (f *fakeMemory) Remember(_ context.Context, content string, _ []string) (memory.Entry, error) {
	f.saved = append(f.saved, content)
	return memory.Entry{Content: content}, nil
}

func (f *fakeMemory) Retrieve(context.Context, string, int) ([]string, error) {
	return f.entries, nil
}

type fakeTurnLog struct {
	turns []string
}

func (f *fakeTurnLog) AppendTurn(_ context.Context, backend string, role llm.Role, content string) error {
	f.turns = append(f.turns, fmt.Sprintf("%s/%s: %s", backend, role, content))
	return nil
}

func textResponse(provider llm.Provider, content string) *llm.ChatResponse {
	return &llm.ChatResponse{Content: content, Provider: provider, Model: "test-model"}
}

func newTestOrchestrator(t *testing.T, client *fakeClient, mem Memory, turnLog TurnLogger) (*Orchestrator, *session.Manager) {
	t.Helper()
	engine := tools.NewEngine(tools.Options{Mode: tools.ModeTrust}, zerolog.Nop())
	tracker := usage.NewTracker(usage.Limits{}, nil, zerolog.Nop())
	sess := session.NewManager(session.DefaultLimits(), nil, zerolog.Nop())
	return New(client, engine, tracker, sess, mem, turnLog, 8000, zerolog.Nop()), sess
}

func TestChatRoutedWithPersonaAndContext(t *testing.T) {
	client := &fakeClient{
		routed:    llm.ProviderOpenAI,
		responses: []*llm.ChatResponse{textResponse(llm.ProviderOpenAI, "func retry() {}")},
	}
	orch, sess := newTestOrchestrator(t, client, nil, nil)
	if err := orch.SetPersona("code-specialist"); err != nil {
		t.Fatal(err)
	}

	sess.AddMessage("openai", llm.ChatMessage{Role: llm.RoleUser, Content: "set up the http client"})
	sess.AddMessage("openai", llm.ChatMessage{Role: llm.RoleAssistant, Content: "done, client.go created"})

	resp, err := orch.Chat(context.Background(), "add a retry helper", Options{IncludeContext: true})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "func retry() {}" {
		t.Errorf("content = %q", resp.Content)
	}
	if client.routedAs != router.RoleCoder {
		t.Errorf("routed role = %q, want coder", client.routedAs)
	}

	req := client.requests[0]
	if req.Provider != llm.ProviderOpenAI {
		t.Errorf("provider = %q", req.Provider)
	}
	msgs := req.Messages
	if msgs[0].Role != llm.RoleSystem || !strings.Contains(msgs[0].Content, "software engineer") {
		t.Errorf("first message is not the persona prompt: %+v", msgs[0])
	}
	var sawPrior bool
	for _, m := range msgs {
		if m.Content == "set up the http client" {
			sawPrior = true
		}
	}
	if !sawPrior {
		t.Error("prior session turn missing from request")
	}
	last := msgs[len(msgs)-1]
	if last.Role != llm.RoleUser || last.Content != "add a retry helper" {
		t.Errorf("last message = %+v", last)
	}

	ctx := sess.GetContext("openai", 0)
	tail := ctx[len(ctx)-2:]
	if tail[0].Content != "add a retry helper" || tail[1].Content != "func retry() {}" {
		t.Errorf("session tail = %+v", tail)
	}
	if req.Temperature == nil || *req.Temperature != 0.3 {
		t.Errorf("persona temperature not applied: %+v", req.Temperature)
	}
	if req.MaxTokens != 8000 {
		t.Errorf("persona max tokens not applied: %d", req.MaxTokens)
	}
}

func TestChatExplicitBackendAlias(t *testing.T) {
	client := &fakeClient{
		responses: []*llm.ChatResponse{textResponse(llm.ProviderClaude, "hi")},
	}
	orch, _ := newTestOrchestrator(t, client, nil, nil)

	if _, err := orch.Chat(context.Background(), "hello", Options{Backend: "anthropic"}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if client.requests[0].Provider != llm.ProviderClaude {
		t.Errorf("provider = %q, want claude", client.requests[0].Provider)
	}
	if client.routedAs != "" {
		t.Error("explicit backend should bypass routing")
	}
}

func TestChatUnknownBackend(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &fakeClient{}, nil, nil)
	_, err := orch.Chat(context.Background(), "hello", Options{Backend: "watson"})
	if err == nil || !strings.Contains(err.Error(), "unknown backend") {
		t.Fatalf("err = %v", err)
	}
}

func TestChatUnknownPersona(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &fakeClient{}, nil, nil)
	_, err := orch.Chat(context.Background(), "hello", Options{Persona: "nonexistent"})
	if err == nil || !strings.Contains(err.Error(), "unknown persona") {
		t.Fatalf("err = %v", err)
	}
}

func TestChatEmptyMessage(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &fakeClient{}, nil, nil)
	if _, err := orch.Chat(context.Background(), "   ", Options{}); err == nil {
		t.Fatal("expected error for blank message")
	}
}

func TestChatBlendsMemories(t *testing.T) {
	client := &fakeClient{
		responses: []*llm.ChatResponse{textResponse(llm.ProviderClaude, "ok")},
	}
	mem := &fakeMemory{entries: []string{"deploys run on fridays", "staging db is read-only"}}
	orch, _ := newTestOrchestrator(t, client, mem, nil)

	if _, err := orch.Chat(context.Background(), "when do we deploy?", Options{Backend: "claude"}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	var memoryMsgs int
	for _, m := range client.requests[0].Messages {
		if m.Role == llm.RoleSystem && strings.HasPrefix(m.Content, "[Memory] ") {
			memoryMsgs++
		}
	}
	if memoryMsgs != 2 {
		t.Errorf("memory messages = %d, want 2", memoryMsgs)
	}
}

func TestChatResolvesToolCalls(t *testing.T) {
	client := &fakeClient{
		responses: []*llm.ChatResponse{
			{
				Provider:  llm.ProviderClaude,
				ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "read_file", Arguments: map[string]any{"path": "main.go"}}},
			},
			textResponse(llm.ProviderClaude, "the file defines main()"),
		},
	}
	orch, _ := newTestOrchestrator(t, client, nil, nil)

	resp, err := orch.Chat(context.Background(), "what is in main.go?", Options{Backend: "claude"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "the file defines main()" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(client.execCalls) != 1 || client.execCalls[0] != "read_file" {
		t.Errorf("exec calls = %v", client.execCalls)
	}

	second := client.requests[1]
	var sawResult bool
	for _, m := range second.Messages {
		if m.Role == llm.RoleTool && m.ToolCallID == "call_1" {
			sawResult = true
		}
	}
	if !sawResult {
		t.Error("tool result missing from follow-up request")
	}
}

func TestChatPermissionDeniedSurfaces(t *testing.T) {
	client := &fakeClient{
		responses: []*llm.ChatResponse{
			{
				Provider:  llm.ProviderClaude,
				ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "run_shell", Arguments: map[string]any{"command": "ls"}}},
			},
		},
		execErr: llm.NewPermissionDenied("tool run_shell denied by policy"),
	}
	orch, _ := newTestOrchestrator(t, client, nil, nil)

	_, err := orch.Chat(context.Background(), "list files", Options{Backend: "claude"})
	if !llm.IsPermissionDenied(err) {
		t.Fatalf("err = %v, want permission denied", err)
	}
	if len(client.requests) != 1 {
		t.Errorf("requests = %d, want 1 (no follow-up after denial)", len(client.requests))
	}
}

func TestChatMirrorsTurnsToLog(t *testing.T) {
	client := &fakeClient{
		responses: []*llm.ChatResponse{textResponse(llm.ProviderClaude, "answer")},
	}
	turnLog := &fakeTurnLog{}
	orch, _ := newTestOrchestrator(t, client, nil, turnLog)

	if _, err := orch.Chat(context.Background(), "question", Options{Backend: "claude"}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	want := []string{"claude/user: question", "claude/assistant: answer"}
	if len(turnLog.turns) != 2 || turnLog.turns[0] != want[0] || turnLog.turns[1] != want[1] {
		t.Errorf("turns = %v", turnLog.turns)
	}
}

func TestStreamCommitsAfterCleanFinish(t *testing.T) {
	buffered := llm.NewBufferedStream()
	buffered.Push(&llm.StreamChunk{Delta: "hel", Provider: llm.ProviderClaude})
	buffered.Push(&llm.StreamChunk{Delta: "lo", Provider: llm.ProviderClaude})
	buffered.Push(&llm.StreamChunk{IsDone: true, Provider: llm.ProviderClaude})
	buffered.Finish()

	client := &fakeClient{stream: buffered}
	orch, sess := newTestOrchestrator(t, client, nil, nil)

	s, err := orch.Stream(context.Background(), "say hello", Options{Backend: "claude"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var collected string
	for s.Next() {
		collected += s.Chunk().Delta
	}
	if collected != "hello" {
		t.Errorf("collected = %q", collected)
	}

	ctx := sess.GetContext("claude", 0)
	if len(ctx) != 2 || ctx[1].Content != "hello" {
		t.Errorf("session context = %+v", ctx)
	}
}

func TestStreamFailureDoesNotCommit(t *testing.T) {
	buffered := llm.NewBufferedStream()
	buffered.Push(&llm.StreamChunk{Delta: "par", Provider: llm.ProviderClaude})
	buffered.Fail(llm.NewExecutionFailed(llm.ProviderClaude, "connection reset", nil))

	client := &fakeClient{stream: buffered}
	orch, sess := newTestOrchestrator(t, client, nil, nil)

	s, err := orch.Stream(context.Background(), "say hello", Options{Backend: "claude"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	for s.Next() {
	}
	if s.Err() == nil {
		t.Fatal("expected stream error")
	}
	if got := sess.Size("claude"); got != 0 {
		t.Errorf("session size = %d, want 0", got)
	}
}

func TestSetPersonaUnknownLeavesActive(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &fakeClient{}, nil, nil)
	if err := orch.SetPersona("no-such-persona"); err == nil {
		t.Fatal("expected error")
	}
	if orch.ActivePersona().Name != "general-assistant" {
		t.Errorf("active = %q", orch.ActivePersona().Name)
	}
}

func TestRoleForTask(t *testing.T) {
	personas := map[string]*Persona{}
	for _, p := range DefaultPersonas() {
		personas[p.Name] = p
	}
	tests := []struct {
		persona  string
		taskType string
		want     router.Role
	}{
		{"general-assistant", "review", router.RoleReviewer},
		{"general-assistant", "boilerplate", router.RoleBoilerplate},
		{"general-assistant", "parse", router.RoleParser},
		{"architect", "", router.RoleArchitect},
		{"architect", "review", router.RoleArchitect},
		{"fast-parser", "boilerplate", router.RoleParser},
		{"fast-parser", "", router.RoleParser},
		{"code-specialist", "", router.RoleCoder},
		{"general-assistant", "chat", router.RoleCoder},
	}
	for _, tc := range tests {
		if got := roleForTask(personas[tc.persona], tc.taskType); got != tc.want {
			t.Errorf("roleForTask(%s, %s) = %q, want %q", tc.persona, tc.taskType, got, tc.want)
		}
	}
}

func TestRememberStoresEntry(t *testing.T) {
	mem := &fakeMemory{}
	orch, _ := newTestOrchestrator(t, &fakeClient{}, mem, nil)
	if err := orch.Remember(context.Background(), "prod deploys need approval", nil); err != nil {
		t.Fatal(err)
	}
	if len(mem.saved) != 1 || mem.saved[0] != "prod deploys need approval" {
		t.Errorf("saved = %v", mem.saved)
	}
}
