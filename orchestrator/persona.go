package orchestrator

import (
	"fmt"
	"sort"
	"sync"

	"github.com/relay-llm/relay/llm"
)

// Persona is a named bundle of system prompt, sampling defaults, and
// preferred backends. Exactly one persona is active at a time.
type Persona struct {
	Name              string
	Description       string
	SystemPrompt      string
	Temperature       *float64
	MaxTokens         int
	PreferredBackends []llm.Provider
}

func floatPtr(v float64) *float64 { return &v }

// DefaultPersonas returns the built-in persona set.
func DefaultPersonas() []*Persona {
	return []*Persona{
		{
			Name:         "general-assistant",
			Description:  "Balanced assistant for everyday questions",
			SystemPrompt: "You are a helpful, concise assistant. Answer directly and admit uncertainty.",
		},
		{
			Name:              "code-specialist",
			Description:       "Focused code writing and debugging",
			SystemPrompt:      "You are an expert software engineer. Write correct, idiomatic code. Explain only what is not obvious from the code itself.",
			Temperature:       floatPtr(0.3),
			MaxTokens:         8000,
			PreferredBackends: []llm.Provider{llm.ProviderOpenAI, llm.ProviderClaude},
		},
		{
			Name:              "fast-parser",
			Description:       "Quick extraction and transformation of structured data",
			SystemPrompt:      "You extract and transform data. Respond with only the requested output, no commentary.",
			Temperature:       floatPtr(0.1),
			PreferredBackends: []llm.Provider{llm.ProviderGemini, llm.ProviderOllama},
		},
		{
			Name:         "context-distiller",
			Description:  "Compresses long conversations into task-relevant summaries",
			SystemPrompt: "Summarize the conversation below. Keep decisions made, code patterns established, open issues, and recent changes relevant to the stated task. Drop pleasantries and dead ends.",
			Temperature:  floatPtr(0.2),
		},
		{
			Name:              "local-coder",
			Description:       "Code tasks on the local model",
			SystemPrompt:      "You are a coding assistant. Prefer short, working answers.",
			Temperature:       floatPtr(0.3),
			PreferredBackends: []llm.Provider{llm.ProviderOllama},
		},
		{
			Name:              "architect",
			Description:       "System design and tradeoff analysis",
			SystemPrompt:      "You are a principal engineer reviewing system design. Weigh tradeoffs explicitly and recommend one option.",
			PreferredBackends: []llm.Provider{llm.ProviderClaude},
		},
	}
}

// personaSet holds the registered personas and the active selection.
type personaSet struct {
	mu       sync.Mutex
	personas map[string]*Persona
	active   string
}

func newPersonaSet(personas []*Persona, active string) *personaSet {
	set := &personaSet{personas: make(map[string]*Persona)}
	for _, p := range personas {
		set.personas[p.Name] = p
	}
	set.active = active
	return set
}

// SetActive selects a persona by name. An unknown name is an error and
// leaves the active persona unchanged.
func (s *personaSet) SetActive(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.personas[name]; !ok {
		return fmt.Errorf("unknown persona %q", name)
	}
	s.active = name
	return nil
}

// Active returns the currently selected persona.
func (s *personaSet) Active() *Persona {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.personas[s.active]
}

// Get returns a persona by name.
func (s *personaSet) Get(name string) (*Persona, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.personas[name]
	return p, ok
}

// Names returns the registered persona names, sorted.
func (s *personaSet) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.personas))
	for name := range s.personas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
