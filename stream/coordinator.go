// Package stream coordinates streaming responses across a primary adapter
// and a fallback chain, with per-adapter retries and linear backoff. The
// consumer sees every valid chunk from partially-successful attempts, so a
// stream may visibly restart after a mid-flight failure; it never sees an
// error-bearing chunk except the final terminal one.
package stream

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/relay-llm/relay/llm"
)

// Options bounds the coordinator's retry behavior.
type Options struct {
	MaxRetries int           // extra attempts per adapter after the first
	Backoff    time.Duration // base interval; attempt n waits n times this
}

// DefaultOptions returns the standard retry bounds.
func DefaultOptions() Options {
	return Options{MaxRetries: 2, Backoff: time.Second}
}

// Coordinator drives retry and fallback for streaming requests.
type Coordinator struct {
	opts   Options
	logger zerolog.Logger
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(opts Options, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		opts:   opts,
		logger: logger.With().Str("component", "stream_coordinator").Logger(),
	}
}

// linearBackOff waits interval, then 2*interval, and so on.
type linearBackOff struct {
	interval time.Duration
	attempt  int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.interval * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

var _ backoff.BackOff = (*linearBackOff)(nil)

// HandleStream streams the request through the primary adapter, retrying
// it with linear backoff on execution failures, then advancing through the
// fallback chain. Unavailable adapters are skipped without retry; quota
// and permission failures terminate immediately. When every adapter and
// retry is exhausted, the last chunk delivered carries IsDone and the
// final error.
func (c *Coordinator) HandleStream(ctx context.Context, req *llm.ChatRequest, adapter llm.Adapter, fallbacks []llm.Adapter) llm.Stream {
	out := llm.NewBufferedStream()
	adapters := append([]llm.Adapter{adapter}, fallbacks...)
	go c.run(ctx, req, adapters, out)
	return out
}

func (c *Coordinator) run(ctx context.Context, req *llm.ChatRequest, adapters []llm.Adapter, out *llm.BufferedStream) {
	var lastErr *llm.Error

	for _, adapter := range adapters {
		bo := &linearBackOff{interval: c.opts.Backoff}

		for attempt := 1; attempt <= c.opts.MaxRetries+1; attempt++ {
			err := c.attempt(ctx, req, adapter, out)
			if err == nil {
				out.Finish()
				return
			}
			lastErr = err

			if ctx.Err() != nil {
				out.Fail(ctx.Err())
				return
			}
			if llm.IsHardStop(err) {
				c.terminate(out, err)
				return
			}

			c.logger.Warn().
				Str("provider", string(adapter.Provider())).
				Int("attempt", attempt).
				Err(err).
				Msg("Stream attempt failed")

			// Unavailable providers are not retried, only fallen past.
			if llm.IsUnavailable(err) {
				break
			}
			if attempt <= c.opts.MaxRetries {
				if !sleep(ctx, bo.NextBackOff()) {
					out.Fail(ctx.Err())
					return
				}
			}
		}
	}

	if lastErr == nil {
		lastErr = llm.NewExecutionFailed("", "no adapters configured", nil)
	}
	c.terminate(out, lastErr)
}

// attempt runs one streaming call, forwarding valid chunks to the
// consumer. It returns a non-nil error when the attempt must be retried
// or fallen through: a failed dial, an error-bearing chunk, an empty
// stream, or output that fails JSON validation.
func (c *Coordinator) attempt(ctx context.Context, req *llm.ChatRequest, adapter llm.Adapter, out *llm.BufferedStream) *llm.Error {
	provider := adapter.Provider()

	s, err := adapter.StreamChat(ctx, req)
	if err != nil {
		if e, ok := llm.AsError(err); ok {
			return e
		}
		return llm.NewExecutionFailed(provider, "failed to open stream", err)
	}
	defer s.Close() //nolint:errcheck // double close is harmless

	var content strings.Builder
	emitted := false
	for s.Next() {
		if ctx.Err() != nil {
			return llm.NewExecutionFailed(provider, "stream canceled", ctx.Err())
		}
		chunk := s.Chunk()
		if chunk == nil {
			continue
		}
		if chunk.Err != nil {
			return chunk.Err
		}
		content.WriteString(chunk.Delta)
		out.Push(chunk)
		emitted = true
	}
	if err := s.Err(); err != nil {
		if e, ok := llm.AsError(err); ok {
			return e
		}
		return llm.NewExecutionFailed(provider, "stream broke mid-flight", err)
	}
	if !emitted {
		return llm.NewExecutionFailed(provider, "stream produced no chunks", nil)
	}
	if req.ExpectJSON && !json.Valid([]byte(content.String())) {
		return llm.NewExecutionFailed(provider, "response is not valid JSON", nil)
	}
	return nil
}

// terminate delivers the final error as a terminal chunk, then closes the
// stream with the same error.
func (c *Coordinator) terminate(out *llm.BufferedStream, err *llm.Error) {
	out.Push(&llm.StreamChunk{
		IsDone:   true,
		Provider: err.Provider,
		Err:      err,
	})
	out.Fail(err)
}

// sleep blocks for d or until the context is canceled, reporting whether
// the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
