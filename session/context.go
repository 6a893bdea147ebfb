// Package session manages per-backend conversational context: bounded
// message history, automatic summarization, token-budget trimming, and
// LLM-assisted distillation.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/relay-llm/relay/llm"
)

// GlobalBackend keys context visible to every backend.
const GlobalBackend = "global"

const summaryPrefix = "[Previous conversation summary]"

// Distiller produces a task-relevant summary of a transcript via a
// secondary LLM call.
type Distiller interface {
	Distill(ctx context.Context, transcript, hint string) (string, error)
}

// Limits bounds a session manager.
type Limits struct {
	MaxMessages        int // hard cap per backend
	SummarizeThreshold int // soft threshold that triggers summarization
	KeepTail           int // recent messages preserved verbatim by summarization
	DistillTrigger     int // estimated tokens that trigger distillation
	DistillTarget      int // target size of the distilled summary, in tokens
}

// DefaultLimits returns the standard bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxMessages:        50,
		SummarizeThreshold: 40,
		KeepTail:           10,
		DistillTrigger:     50000,
		DistillTarget:      8000,
	}
}

// Manager owns all per-backend histories. Methods are safe for concurrent
// use; messages appended to a backend are visible to the next GetContext
// call in append order.
type Manager struct {
	mu        sync.Mutex
	routes    map[string][]llm.ChatMessage
	limits    Limits
	distiller Distiller
	logger    zerolog.Logger
}

// NewManager creates a Manager. The distiller may be nil; distillation
// then always falls back to naive truncation.
func NewManager(limits Limits, distiller Distiller, logger zerolog.Logger) *Manager {
	if limits.MaxMessages <= 0 {
		limits = DefaultLimits()
	}
	return &Manager{
		routes:    make(map[string][]llm.ChatMessage),
		limits:    limits,
		distiller: distiller,
		logger:    logger.With().Str("component", "session").Logger(),
	}
}

// EstimateTokens approximates the token count of a message list at
// ~4 characters per token.
func EstimateTokens(messages []llm.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4
	}
	return total
}

// AddMessage appends a message to a backend's history. Crossing the
// summarize threshold collapses everything before the most recent KeepTail
// messages into one synthetic system summary; the history never exceeds
// MaxMessages and discarded content is always represented in the summary.
func (m *Manager) AddMessage(backend string, message llm.ChatMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := append(m.routes[backend], message)

	if len(history) > m.limits.SummarizeThreshold {
		history = m.summarize(backend, history)
	}
	if len(history) > m.limits.MaxMessages {
		history = history[len(history)-m.limits.MaxMessages:]
	}
	m.routes[backend] = history
}

// summarize collapses everything before the tail into one system message.
// Content already inside an earlier summary is carried forward because the
// summary message itself is part of the collapsed prefix.
func (m *Manager) summarize(backend string, history []llm.ChatMessage) []llm.ChatMessage {
	tail := m.limits.KeepTail
	if tail >= len(history) {
		return history
	}

	var sb strings.Builder
	for _, msg := range history[:len(history)-tail] {
		if sb.Len() > 0 {
			sb.WriteString(" | ")
		}
		sb.WriteString(string(msg.Role))
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
	}

	summary := llm.ChatMessage{
		Role:    llm.RoleSystem,
		Content: summaryPrefix + " " + sb.String(),
	}
	m.logger.Debug().
		Str("backend", backend).
		Int("collapsed", len(history)-tail).
		Msg("Summarized older context")

	rebuilt := make([]llm.ChatMessage, 0, tail+1)
	rebuilt = append(rebuilt, summary)
	rebuilt = append(rebuilt, history[len(history)-tail:]...)
	return rebuilt
}

// GetContext returns the backend's history prefixed by global messages.
// When maxTokens is positive the result is trimmed from the front (oldest
// first) until it fits the budget.
func (m *Manager) GetContext(backend string, maxTokens int) []llm.ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	var messages []llm.ChatMessage
	if backend != GlobalBackend {
		messages = append(messages, m.routes[GlobalBackend]...)
	}
	messages = append(messages, m.routes[backend]...)

	if maxTokens <= 0 {
		return messages
	}
	for len(messages) > 0 && EstimateTokens(messages) > maxTokens {
		messages = messages[1:]
	}
	return messages
}

// Clear drops the history for a backend.
func (m *Manager) Clear(backend string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routes, backend)
}

// Size returns the number of messages stored for a backend.
func (m *Manager) Size(backend string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.routes[backend])
}

// ShouldDistill reports whether a backend's history has grown past the
// distillation trigger.
func (m *Manager) ShouldDistill(backend string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return EstimateTokens(m.routes[backend]) > m.limits.DistillTrigger
}

// Distill compresses a backend's history into one task-relevant summary
// via the distiller, keeping the last 8 messages verbatim. Any distiller
// failure falls back to naive truncation so distillation never blocks the
// caller. Histories below the trigger are left untouched.
func (m *Manager) Distill(ctx context.Context, backend, hint string) error {
	m.mu.Lock()
	history := m.routes[backend]
	trigger := m.limits.DistillTrigger
	if EstimateTokens(history) <= trigger {
		m.mu.Unlock()
		return nil
	}
	transcript := renderTranscript(history)
	m.mu.Unlock()

	summary := m.distillTranscript(ctx, transcript, hint)

	const distillTail = 8
	m.mu.Lock()
	defer m.mu.Unlock()

	history = m.routes[backend]
	tail := history
	if len(history) > distillTail {
		tail = history[len(history)-distillTail:]
	}
	rebuilt := make([]llm.ChatMessage, 0, len(tail)+1)
	rebuilt = append(rebuilt, llm.ChatMessage{
		Role:    llm.RoleSystem,
		Content: fmt.Sprintf("[Context distilled] Task: %s\n%s", hint, summary),
	})
	rebuilt = append(rebuilt, tail...)
	m.routes[backend] = rebuilt

	m.logger.Info().
		Str("backend", backend).
		Int("messages", len(rebuilt)).
		Msg("Context distilled")
	return nil
}

func (m *Manager) distillTranscript(ctx context.Context, transcript, hint string) string {
	if m.distiller != nil {
		summary, err := m.distiller.Distill(ctx, transcript, hint)
		if err == nil && strings.TrimSpace(summary) != "" {
			return summary
		}
		if err != nil {
			m.logger.Warn().Err(err).Msg("Distiller failed, falling back to truncation")
		}
	}
	// Naive fallback: keep the most recent slice of the transcript.
	budget := m.limits.DistillTarget * 4
	if budget <= 0 || len(transcript) <= budget {
		return transcript
	}
	return "..." + transcript[len(transcript)-budget:]
}

func renderTranscript(messages []llm.ChatMessage) string {
	var sb strings.Builder
	for _, msg := range messages {
		sb.WriteString(string(msg.Role))
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
