// Package router maps semantic task roles to concrete provider adapters,
// using cached health checks to decide when the local provider is usable.
package router

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/relay-llm/relay/llm"
)

// Role describes what kind of work a request represents.
type Role string

const (
	RoleArchitect   Role = "architect"
	RoleReviewer    Role = "reviewer"
	RoleBoilerplate Role = "boilerplate"
	RoleParser      Role = "parser"
	RoleCoder       Role = "coder"
)

// Provider assignments per role. The local provider is preferred for
// parsing and coding when it is healthy and the payload is small enough.
const (
	architectProvider = llm.ProviderClaude
	reviewerProvider  = llm.ProviderOpenAI
	fastProvider      = llm.ProviderGemini
	localProvider     = llm.ProviderOllama
)

// Router picks an adapter for a role and payload size.
type Router struct {
	mu            sync.Mutex
	factory       *llm.Factory
	maxCharsLocal int
	health        map[llm.Provider]llm.ProviderHealth
	logger        zerolog.Logger
}

// New creates a Router. maxCharsLocal is the payload size above which
// local routing is skipped in favor of the fast remote provider.
func New(factory *llm.Factory, maxCharsLocal int, logger zerolog.Logger) *Router {
	return &Router{
		factory:       factory,
		maxCharsLocal: maxCharsLocal,
		health:        make(map[llm.Provider]llm.ProviderHealth),
		logger:        logger.With().Str("component", "router").Logger(),
	}
}

// Route returns the adapter for a role and content size. Parser and coder
// work goes to the local provider only when it is healthy and the payload
// fits under the local threshold; otherwise it falls through to the fast
// remote provider. Unknown roles are treated as coder work.
func (r *Router) Route(ctx context.Context, role Role, contentSize int) (llm.Adapter, error) {
	provider := r.pick(ctx, role, contentSize)
	r.logger.Debug().
		Str("role", string(role)).
		Int("content_size", contentSize).
		Str("provider", string(provider)).
		Msg("Routed request")
	return r.factory.Get(provider)
}

func (r *Router) pick(ctx context.Context, role Role, contentSize int) llm.Provider {
	switch role {
	case RoleArchitect:
		return architectProvider
	case RoleReviewer:
		return reviewerProvider
	case RoleBoilerplate:
		return fastProvider
	case RoleParser, RoleCoder:
		fallthrough
	default:
		if contentSize <= r.maxCharsLocal && r.localHealthy(ctx) {
			return localProvider
		}
		return fastProvider
	}
}

// localHealthy consults the health cache, probing once if the local
// provider has never been checked.
func (r *Router) localHealthy(ctx context.Context) bool {
	r.mu.Lock()
	health, ok := r.health[localProvider]
	r.mu.Unlock()
	if ok {
		return health.Healthy()
	}
	return r.refresh(ctx, localProvider).Healthy()
}

// refresh probes one provider and caches the result. Adapter construction
// failures are recorded as down.
func (r *Router) refresh(ctx context.Context, provider llm.Provider) llm.ProviderHealth {
	adapter, err := r.factory.Get(provider)
	var health llm.ProviderHealth
	if err != nil {
		health = llm.ProviderHealth{
			Provider: provider,
			Status:   llm.HealthDown,
			Detail:   err.Error(),
		}
	} else {
		health = adapter.CheckHealth(ctx)
	}

	r.mu.Lock()
	r.health[provider] = health
	r.mu.Unlock()
	return health
}

// CheckAvailability refreshes the health cache for every known provider
// and returns the results. Individual failures are reported as down, not
// surfaced as errors.
func (r *Router) CheckAvailability(ctx context.Context) map[llm.Provider]llm.ProviderHealth {
	results := make(map[llm.Provider]llm.ProviderHealth)
	for _, provider := range r.factory.Known() {
		results[provider] = r.refresh(ctx, provider)
	}
	return results
}

// Health returns the cached health for a provider, if any.
func (r *Router) Health(provider llm.Provider) (llm.ProviderHealth, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	health, ok := r.health[provider]
	return health, ok
}
