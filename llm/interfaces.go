package llm

import "context"

// Adapter is the uniform contract every provider implementation satisfies.
// Chat fails with an Unavailable error when credentials or configuration
// are missing and with ExecutionFailed on transport errors. StreamChat
// surfaces mid-stream failures as a terminal Err chunk rather than a bare
// error, so callers never need to distinguish "stream broke" from "stream
// finished with an error chunk".
type Adapter interface {
	// Provider returns the backend identity this adapter serves.
	Provider() Provider

	// Chat sends a request and blocks until the final response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// StreamChat sends a request and returns an incremental stream.
	StreamChat(ctx context.Context, req *ChatRequest) (Stream, error)

	// ListModels returns the models this provider offers.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// CheckHealth probes the provider. It never returns an error; any
	// failure is reported as status down.
	CheckHealth(ctx context.Context) ProviderHealth

	// ContextLimit returns the context window for a model, or 0 when
	// unknown.
	ContextLimit(model string) int
}

// Stream iterates over the chunks of a streaming response.
//
// Usage:
//
//	for stream.Next() {
//		chunk := stream.Chunk()
//		...
//	}
//	if err := stream.Err(); err != nil { ... }
type Stream interface {
	// Next advances to the next chunk, blocking until one is available.
	// It returns false when the stream is exhausted or failed.
	Next() bool

	// Chunk returns the current chunk.
	Chunk() *StreamChunk

	// Err returns the error that terminated the stream, if any.
	Err() error

	// Close releases the stream's resources.
	Close() error
}
