// Package client is the facade over the provider adapters. It composes
// the cache, usage tracker, tool engine, router, and stream coordinator
// into chat and stream entry points with retry and a fallback chain.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/relay-llm/relay/cache"
	"github.com/relay-llm/relay/llm"
	"github.com/relay-llm/relay/router"
	"github.com/relay-llm/relay/stream"
	"github.com/relay-llm/relay/tools"
	"github.com/relay-llm/relay/usage"
)

// Options tunes the facade's retry and fallback behavior.
type Options struct {
	// FallbackChain is the provider order tried. A provider named on the
	// request is moved to the head; the rest of the chain stays behind it.
	FallbackChain []llm.Provider
	// MaxRetries is the extra attempts per adapter after the first.
	MaxRetries int
	// Backoff is the base retry interval; attempt n waits n times this.
	Backoff time.Duration
}

// DefaultOptions returns the standard facade bounds.
func DefaultOptions() Options {
	return Options{
		FallbackChain: llm.Providers(),
		MaxRetries:    2,
		Backoff:       time.Second,
	}
}

// Client is the single entry point the orchestrator talks to.
type Client struct {
	factory     *llm.Factory
	cache       *cache.Cache
	usage       *usage.Tracker
	tools       *tools.Engine
	router      *router.Router
	coordinator *stream.Coordinator
	opts        Options
	logger      zerolog.Logger
}

// New wires the facade together. The cache may be nil to disable
// memoization.
func New(factory *llm.Factory, responseCache *cache.Cache, tracker *usage.Tracker, engine *tools.Engine, rt *router.Router, opts Options, logger zerolog.Logger) *Client {
	if len(opts.FallbackChain) == 0 {
		opts.FallbackChain = llm.Providers()
	}
	return &Client{
		factory: factory,
		cache:   responseCache,
		usage:   tracker,
		tools:   engine,
		router:  rt,
		coordinator: stream.NewCoordinator(stream.Options{
			MaxRetries: opts.MaxRetries,
			Backoff:    opts.Backoff,
		}, logger),
		opts:   opts,
		logger: logger.With().Str("component", "client").Logger(),
	}
}

// Chat sends a request through the fallback chain and returns the first
// successful response. Execution failures are retried per adapter with
// linear backoff, unavailable providers are skipped, and quota or
// permission errors stop everything immediately. Successful responses are
// cached; usage is recorded for every attempt, success or not.
func (c *Client) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("request has no messages")
	}
	if err := c.preflight(req); err != nil {
		return nil, err
	}

	key := cache.Key(req)
	if c.cache != nil {
		if cached, ok := c.cache.Get(key); ok {
			c.logger.Debug().Str("key", key).Msg("Cache hit")
			return cached, nil
		}
	}

	var lastErr error
	for _, provider := range c.chain(req.Provider) {
		adapter, err := c.factory.Get(provider)
		if err != nil {
			lastErr = err
			continue
		}

		resp, err := c.chatWithRetry(ctx, adapter, req)
		if err == nil {
			if recordErr := c.record(resp.Provider, resp.Model, resp.Usage, true); recordErr != nil {
				return nil, recordErr
			}
			if c.cache != nil {
				c.cache.Set(key, resp)
			}
			return resp, nil
		}

		lastErr = err
		if llm.IsHardStop(err) {
			return nil, err
		}
		c.logger.Warn().
			Str("provider", string(provider)).
			Err(err).
			Msg("Provider failed, trying next in chain")
	}
	return nil, fmt.Errorf("all providers failed: %w", lastErr)
}

// chatWithRetry drives one adapter. Only execution failures are retried;
// anything else returns immediately.
func (c *Client) chatWithRetry(ctx context.Context, adapter llm.Adapter, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	provider := adapter.Provider()
	var lastErr error

	for attempt := 1; attempt <= c.opts.MaxRetries+1; attempt++ {
		resp, err := adapter.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var attempted llm.Usage
		if _, recordErr := c.usage.Record(provider, req.Model, attempted, false); recordErr != nil {
			return nil, recordErr
		}
		if llm.IsHardStop(err) || llm.IsUnavailable(err) {
			return nil, err
		}
		if attempt <= c.opts.MaxRetries {
			wait := c.opts.Backoff * time.Duration(attempt)
			c.logger.Debug().
				Str("provider", string(provider)).
				Int("attempt", attempt).
				Dur("wait", wait).
				Msg("Retrying after execution failure")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return nil, lastErr
}

// StreamChat streams a request through the primary adapter and fallback
// chain via the coordinator. Usage carried on the final chunk is recorded
// as the stream is consumed.
func (c *Client) StreamChat(ctx context.Context, req *llm.ChatRequest) (llm.Stream, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("request has no messages")
	}
	if err := c.preflight(req); err != nil {
		return nil, err
	}

	var adapters []llm.Adapter
	for _, provider := range c.chain(req.Provider) {
		adapter, err := c.factory.Get(provider)
		if err != nil {
			c.logger.Debug().Str("provider", string(provider)).Err(err).Msg("Skipping unconstructible adapter")
			continue
		}
		adapters = append(adapters, adapter)
	}
	if len(adapters) == 0 {
		return nil, llm.NewUnavailable("", "no providers available", nil)
	}

	s := c.coordinator.HandleStream(ctx, req, adapters[0], adapters[1:])
	return &recordingStream{Stream: s, client: c, model: req.Model}, nil
}

// Route exposes role-based provider selection.
func (c *Client) Route(ctx context.Context, role router.Role, contentSize int) (llm.Adapter, error) {
	return c.router.Route(ctx, role, contentSize)
}

// CheckAvailability refreshes provider health for the whole chain.
func (c *Client) CheckAvailability(ctx context.Context) map[llm.Provider]llm.ProviderHealth {
	return c.router.CheckAvailability(ctx)
}

// ExecuteTool runs a registered tool through the engine.
func (c *Client) ExecuteTool(ctx context.Context, name string, args map[string]any) (any, error) {
	return c.tools.Execute(ctx, name, args)
}

// Tools returns the tool engine for registration and mode changes.
func (c *Client) Tools() *tools.Engine { return c.tools }

// Usage returns the usage tracker.
func (c *Client) Usage() *usage.Tracker { return c.usage }

// preflight rejects requests that would blow a quota before any network
// call is made.
func (c *Client) preflight(req *llm.ChatRequest) error {
	if err := c.usage.CheckQuotas(); err != nil {
		return err
	}
	return c.usage.CheckRequestBudget(estimateTokens(req.Messages), 0)
}

// record stores usage for a completed request. A quota violation here is
// surfaced to the caller even though the response already exists.
func (c *Client) record(provider llm.Provider, model string, u *llm.Usage, success bool) error {
	var usage llm.Usage
	if u != nil {
		usage = *u
	}
	_, err := c.usage.Record(provider, model, usage, success)
	return err
}

// chain resolves the provider order. A preferred provider (named on the
// request, whether routed or user-chosen) is tried first; the configured
// fallback chain follows so a failing preference still degrades.
func (c *Client) chain(preferred llm.Provider) []llm.Provider {
	if preferred == "" {
		return c.opts.FallbackChain
	}
	chain := make([]llm.Provider, 0, len(c.opts.FallbackChain)+1)
	chain = append(chain, preferred)
	for _, provider := range c.opts.FallbackChain {
		if provider != preferred {
			chain = append(chain, provider)
		}
	}
	return chain
}

func estimateTokens(messages []llm.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4
	}
	return total
}

// recordingStream records usage from the terminal chunk as the consumer
// drains the stream.
type recordingStream struct {
	llm.Stream
	client   *Client
	model    string
	recorded bool
}

func (r *recordingStream) Next() bool {
	ok := r.Stream.Next()
	if !ok {
		return false
	}
	chunk := r.Stream.Chunk()
	if chunk != nil && chunk.Usage != nil && !r.recorded {
		r.recorded = true
		if _, err := r.client.usage.Record(chunk.Provider, r.model, *chunk.Usage, chunk.Err == nil); err != nil {
			r.client.logger.Warn().Err(err).Msg("Usage quota exceeded by completed stream")
		}
	}
	return true
}
