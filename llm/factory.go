package llm

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// AdapterConstructor builds an Adapter for one provider. Constructors run
// at most once; the factory caches the result.
type AdapterConstructor func() (Adapter, error)

// Factory resolves Provider identities to Adapter instances. It is the
// single point of provider dispatch: constructors are registered once at
// startup and adapters are created lazily and cached.
type Factory struct {
	mu           sync.Mutex
	constructors map[Provider]AdapterConstructor
	adapters     map[Provider]Adapter
	logger       zerolog.Logger
}

// NewFactory creates an empty Factory.
func NewFactory(logger zerolog.Logger) *Factory {
	return &Factory{
		constructors: make(map[Provider]AdapterConstructor),
		adapters:     make(map[Provider]Adapter),
		logger:       logger.With().Str("component", "adapter_factory").Logger(),
	}
}

// Register installs the constructor for a provider, replacing any previous
// registration and discarding a previously cached adapter.
func (f *Factory) Register(provider Provider, constructor AdapterConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[provider] = constructor
	delete(f.adapters, provider)
}

// Get returns the cached adapter for provider, constructing it on first
// use. An unregistered provider is an Unavailable error.
func (f *Factory) Get(provider Provider) (Adapter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if adapter, ok := f.adapters[provider]; ok {
		return adapter, nil
	}
	constructor, ok := f.constructors[provider]
	if !ok {
		return nil, NewUnavailable(provider, fmt.Sprintf("no adapter registered for provider %q", provider), nil)
	}
	adapter, err := constructor()
	if err != nil {
		return nil, NewUnavailable(provider, fmt.Sprintf("failed to construct %q adapter", provider), err)
	}
	f.adapters[provider] = adapter
	f.logger.Debug().Str("provider", string(provider)).Msg("Adapter constructed")
	return adapter, nil
}

// Known returns the providers with a registered constructor.
func (f *Factory) Known() []Provider {
	f.mu.Lock()
	defer f.mu.Unlock()
	providers := make([]Provider, 0, len(f.constructors))
	for _, p := range Providers() {
		if _, ok := f.constructors[p]; ok {
			providers = append(providers, p)
		}
	}
	return providers
}
