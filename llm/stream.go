package llm

import "sync"

// BufferedStream is a Stream fed by a producer goroutine. Adapters push
// chunks as the provider emits them; consumers block in Next until a chunk
// arrives or the producer finishes or fails.
type BufferedStream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	chunks  []*StreamChunk
	current int
	err     error
	done    bool
}

// NewBufferedStream creates an empty BufferedStream.
func NewBufferedStream() *BufferedStream {
	s := &BufferedStream{current: -1}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Push appends a chunk and wakes any blocked consumer. Pushes after Finish
// or Fail are dropped.
func (s *BufferedStream) Push(chunk *StreamChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.chunks = append(s.chunks, chunk)
	s.cond.Broadcast()
}

// Finish marks the stream complete. Chunks already pushed remain readable.
func (s *BufferedStream) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.cond.Broadcast()
}

// Fail terminates the stream with an error.
func (s *BufferedStream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	s.done = true
	s.cond.Broadcast()
}

// Next advances to the next chunk, blocking until one is available or the
// stream terminates.
func (s *BufferedStream) Next() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current++
	for s.current >= len(s.chunks) && !s.done {
		s.cond.Wait()
	}
	if s.current < len(s.chunks) {
		return true
	}
	return false
}

// Chunk returns the current chunk.
func (s *BufferedStream) Chunk() *StreamChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < 0 || s.current >= len(s.chunks) {
		return nil
	}
	return s.chunks[s.current]
}

// Err returns the error that terminated the stream, if any.
func (s *BufferedStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close marks the stream done so a blocked producer's pushes are dropped.
func (s *BufferedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.cond.Broadcast()
	return nil
}
