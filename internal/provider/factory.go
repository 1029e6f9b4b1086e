package provider

import (
	"fmt"
	"sync"

	"github.com/Strob0t/CodeTumbler/internal/config"
	"github.com/Strob0t/CodeTumbler/internal/domain"
	"github.com/Strob0t/CodeTumbler/internal/resilience"
)

// Factory builds providers from configuration. Providers are cached per id
// so a project's loop reuses one client (and one breaker) per backend.
type Factory struct {
	providers map[string]config.Provider
	breaker   config.Breaker

	mu    sync.Mutex
	built map[string]Provider
}

// NewFactory creates a provider factory over the configured backend map.
func NewFactory(providers map[string]config.Provider, breaker config.Breaker) *Factory {
	return &Factory{
		providers: providers,
		breaker:   breaker,
		built:     map[string]Provider{},
	}
}

// Get returns the provider for the given id, building it on first use.
func (f *Factory) Get(id string) (Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.built[id]; ok {
		return p, nil
	}

	cfg, ok := f.providers[id]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", id, domain.ErrNotFound)
	}

	b := resilience.NewBreaker(f.breaker.MaxFailures, f.breaker.Timeout)

	var p Provider
	switch cfg.Type {
	case "ollama":
		p = NewOllama(id, cfg, b)
	case "openai", "vllm":
		p = NewOpenAI(id, cfg, b)
	case "anthropic":
		p = NewAnthropic(id, cfg, b)
	case "gemini":
		p = NewGemini(id, cfg, b)
	default:
		return nil, fmt.Errorf("provider %q has unknown type %q: %w", id, cfg.Type, domain.ErrInvalidRequest)
	}

	f.built[id] = p
	return p, nil
}

// Capabilities returns the static capability flags for a provider id.
func (f *Factory) Capabilities(id string) Capabilities {
	cfg, ok := f.providers[id]
	if !ok {
		return Capabilities{}
	}
	limit := cfg.ConcurrencyLimit
	if limit <= 0 {
		limit = 1
	}
	return Capabilities{
		SupportsAsync:    cfg.SupportsAsync,
		ConcurrencyLimit: limit,
	}
}

// IDs returns the configured provider ids.
func (f *Factory) IDs() []string {
	ids := make([]string, 0, len(f.providers))
	for id := range f.providers {
		ids = append(ids, id)
	}
	return ids
}
