package stream_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/relay-llm/relay/llm"
	"github.com/relay-llm/relay/stream"
)

// scriptedAdapter returns one scripted stream per StreamChat call, in
// order, repeating the last script once exhausted.
type scriptedAdapter struct {
	provider llm.Provider
	scripts  []func() (llm.Stream, error)
	calls    int
}

func (a *scriptedAdapter) Provider() llm.Provider { return a.provider }

func (a *scriptedAdapter) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, llm.NewExecutionFailed(a.provider, "not scripted", nil)
}

func (a *scriptedAdapter) StreamChat(ctx context.Context, req *llm.ChatRequest) (llm.Stream, error) {
	i := a.calls
	if i >= len(a.scripts) {
		i = len(a.scripts) - 1
	}
	a.calls++
	return a.scripts[i]()
}

func (a *scriptedAdapter) ListModels(ctx context.Context) ([]llm.ModelInfo, error) { return nil, nil }

func (a *scriptedAdapter) CheckHealth(ctx context.Context) llm.ProviderHealth {
	return llm.ProviderHealth{Provider: a.provider, Status: llm.HealthOK}
}

func (a *scriptedAdapter) ContextLimit(model string) int { return 0 }

func deltaStream(provider llm.Provider, deltas ...string) func() (llm.Stream, error) {
	return func() (llm.Stream, error) {
		s := llm.NewBufferedStream()
		for _, d := range deltas {
			s.Push(&llm.StreamChunk{Delta: d, Provider: provider})
		}
		s.Push(&llm.StreamChunk{IsDone: true, Provider: provider})
		s.Finish()
		return s, nil
	}
}

func brokenStream(provider llm.Provider, deltas ...string) func() (llm.Stream, error) {
	return func() (llm.Stream, error) {
		s := llm.NewBufferedStream()
		for _, d := range deltas {
			s.Push(&llm.StreamChunk{Delta: d, Provider: provider})
		}
		s.Push(&llm.StreamChunk{
			Provider: provider,
			Err:      llm.NewExecutionFailed(provider, "connection reset", nil),
		})
		s.Finish()
		return s, nil
	}
}

func dialError(err error) func() (llm.Stream, error) {
	return func() (llm.Stream, error) { return nil, err }
}

func drain(t *testing.T, s llm.Stream) []*llm.StreamChunk {
	t.Helper()
	var chunks []*llm.StreamChunk
	for s.Next() {
		chunks = append(chunks, s.Chunk())
	}
	return chunks
}

func fastCoordinator() *stream.Coordinator {
	return stream.NewCoordinator(stream.Options{MaxRetries: 1, Backoff: time.Millisecond}, zerolog.Nop())
}

func collectDeltas(chunks []*llm.StreamChunk) string {
	var out string
	for _, c := range chunks {
		out += c.Delta
	}
	return out
}

func TestHandleStreamHappyPath(t *testing.T) {
	adapter := &scriptedAdapter{
		provider: llm.ProviderClaude,
		scripts:  []func() (llm.Stream, error){deltaStream(llm.ProviderClaude, "hel", "lo")},
	}

	s := fastCoordinator().HandleStream(context.Background(), &llm.ChatRequest{}, adapter, nil)
	chunks := drain(t, s)

	if got := collectDeltas(chunks); got != "hello" {
		t.Errorf("deltas = %q, want hello", got)
	}
	if s.Err() != nil {
		t.Errorf("err = %v, want nil", s.Err())
	}
	last := chunks[len(chunks)-1]
	if !last.IsDone || last.Err != nil {
		t.Errorf("last chunk = %+v, want clean done marker", last)
	}
}

func TestHandleStreamRetriesSameAdapter(t *testing.T) {
	adapter := &scriptedAdapter{
		provider: llm.ProviderClaude,
		scripts: []func() (llm.Stream, error){
			brokenStream(llm.ProviderClaude, "par"),
			deltaStream(llm.ProviderClaude, "full answer"),
		},
	}

	s := fastCoordinator().HandleStream(context.Background(), &llm.ChatRequest{}, adapter, nil)
	chunks := drain(t, s)

	if adapter.calls != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", adapter.calls)
	}
	if s.Err() != nil {
		t.Errorf("err = %v, want nil after successful retry", s.Err())
	}
	// Partial chunks from the failed attempt are delivered, never withdrawn.
	if got := collectDeltas(chunks); got != "par"+"full answer" {
		t.Errorf("deltas = %q", got)
	}
	// The error-bearing chunk itself is never forwarded mid-stream.
	for _, c := range chunks {
		if c.Err != nil {
			t.Errorf("forwarded error chunk %+v", c)
		}
	}
}

func TestHandleStreamUnavailableSkipsRetry(t *testing.T) {
	primary := &scriptedAdapter{
		provider: llm.ProviderClaude,
		scripts: []func() (llm.Stream, error){
			dialError(llm.NewUnavailable(llm.ProviderClaude, "no api key", nil)),
		},
	}
	fallback := &scriptedAdapter{
		provider: llm.ProviderOpenAI,
		scripts:  []func() (llm.Stream, error){deltaStream(llm.ProviderOpenAI, "from fallback")},
	}

	s := fastCoordinator().HandleStream(context.Background(), &llm.ChatRequest{}, primary, []llm.Adapter{fallback})
	chunks := drain(t, s)

	if primary.calls != 1 {
		t.Errorf("primary calls = %d, want 1 (unavailable is not retried)", primary.calls)
	}
	if got := collectDeltas(chunks); got != "from fallback" {
		t.Errorf("deltas = %q", got)
	}
	if s.Err() != nil {
		t.Errorf("err = %v", s.Err())
	}
}

func TestHandleStreamExhaustionEndsWithTerminalErrorChunk(t *testing.T) {
	primary := &scriptedAdapter{
		provider: llm.ProviderClaude,
		scripts: []func() (llm.Stream, error){
			dialError(llm.NewExecutionFailed(llm.ProviderClaude, "boom", nil)),
		},
	}
	fallback := &scriptedAdapter{
		provider: llm.ProviderOpenAI,
		scripts: []func() (llm.Stream, error){
			dialError(llm.NewExecutionFailed(llm.ProviderOpenAI, "also boom", nil)),
		},
	}

	s := fastCoordinator().HandleStream(context.Background(), &llm.ChatRequest{}, primary, []llm.Adapter{fallback})
	chunks := drain(t, s)

	// MaxRetries 1 means two attempts per adapter.
	if primary.calls != 2 || fallback.calls != 2 {
		t.Errorf("calls = %d/%d, want 2/2", primary.calls, fallback.calls)
	}
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want only the terminal chunk", len(chunks))
	}
	last := chunks[0]
	if !last.IsDone || last.Err == nil {
		t.Errorf("terminal chunk = %+v, want IsDone with error", last)
	}
	if !llm.IsExecutionFailed(s.Err()) {
		t.Errorf("stream err = %v, want execution failure", s.Err())
	}
}

func TestHandleStreamQuotaStopsImmediately(t *testing.T) {
	primary := &scriptedAdapter{
		provider: llm.ProviderClaude,
		scripts: []func() (llm.Stream, error){
			dialError(llm.NewQuotaExceeded("daily cap reached")),
		},
	}
	fallback := &scriptedAdapter{
		provider: llm.ProviderOpenAI,
		scripts:  []func() (llm.Stream, error){deltaStream(llm.ProviderOpenAI, "never seen")},
	}

	s := fastCoordinator().HandleStream(context.Background(), &llm.ChatRequest{}, primary, []llm.Adapter{fallback})
	chunks := drain(t, s)

	if fallback.calls != 0 {
		t.Error("quota errors must never be masked by fallback")
	}
	if primary.calls != 1 {
		t.Errorf("primary calls = %d, want 1", primary.calls)
	}
	if len(chunks) != 1 || chunks[0].Err == nil {
		t.Fatalf("chunks = %+v, want single terminal error chunk", chunks)
	}
	if !llm.IsQuotaExceeded(s.Err()) {
		t.Errorf("err = %v, want quota exceeded", s.Err())
	}
}

func TestHandleStreamEmptyStreamIsFailure(t *testing.T) {
	empty := func() (llm.Stream, error) {
		s := llm.NewBufferedStream()
		s.Finish()
		return s, nil
	}
	primary := &scriptedAdapter{
		provider: llm.ProviderClaude,
		scripts:  []func() (llm.Stream, error){empty},
	}
	fallback := &scriptedAdapter{
		provider: llm.ProviderOpenAI,
		scripts:  []func() (llm.Stream, error){deltaStream(llm.ProviderOpenAI, "real content")},
	}

	s := fastCoordinator().HandleStream(context.Background(), &llm.ChatRequest{}, primary, []llm.Adapter{fallback})
	chunks := drain(t, s)

	if got := collectDeltas(chunks); got != "real content" {
		t.Errorf("deltas = %q, want fallback content", got)
	}
}

func TestHandleStreamValidatesExpectedJSON(t *testing.T) {
	primary := &scriptedAdapter{
		provider: llm.ProviderClaude,
		scripts: []func() (llm.Stream, error){
			deltaStream(llm.ProviderClaude, `{"truncated":`),
			deltaStream(llm.ProviderClaude, `{"ok":`, ` true}`),
		},
	}

	req := &llm.ChatRequest{ExpectJSON: true}
	s := fastCoordinator().HandleStream(context.Background(), req, primary, nil)
	drain(t, s)

	if adapterCalls := primary.calls; adapterCalls != 2 {
		t.Errorf("calls = %d, want 2 (invalid JSON forces retry)", adapterCalls)
	}
	if s.Err() != nil {
		t.Errorf("err = %v, want nil after valid JSON retry", s.Err())
	}
}

func TestHandleStreamCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	hang := func() (llm.Stream, error) {
		s := llm.NewBufferedStream()
		s.Push(&llm.StreamChunk{Delta: "first"})
		go func() {
			time.Sleep(10 * time.Millisecond)
			s.Fail(context.Canceled)
		}()
		return s, nil
	}
	primary := &scriptedAdapter{provider: llm.ProviderClaude, scripts: []func() (llm.Stream, error){hang}}

	s := fastCoordinator().HandleStream(ctx, &llm.ChatRequest{}, primary, nil)
	if !s.Next() {
		t.Fatal("expected first chunk")
	}
	cancel()

	for s.Next() { //nolint:revive // draining until close
	}
	if s.Err() == nil {
		t.Error("canceled stream should close with an error")
	}
}
