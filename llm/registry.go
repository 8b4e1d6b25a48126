package llm

import (
	"fmt"
	"sync"
)

// Credentials holds the API keys used to construct provider clients.
type Credentials struct {
	OpenAIKey    string
	AnthropicKey string
	GoogleKey    string
}

// Factory constructs an Adapter for a provider. The concrete provider
// packages register their factories with a Registry at wiring time; tests
// register mocks directly via Register.
type Factory func(creds Credentials, pricing *PricingTable) (Adapter, error)

// Registry hands out one shared Adapter per provider, created lazily on
// first use and reused for the lifetime of the process. Adapters are
// expected to be safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	creds     Credentials
	pricing   *PricingTable
	factories map[string]Factory
	adapters  map[string]Adapter
}

// NewRegistry creates a Registry with no providers registered.
func NewRegistry(creds Credentials, pricing *PricingTable) *Registry {
	return &Registry{
		creds:     creds,
		pricing:   pricing,
		factories: make(map[string]Factory),
		adapters:  make(map[string]Adapter),
	}
}

// RegisterFactory installs a lazy constructor for a provider tag.
func (r *Registry) RegisterFactory(provider string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = f
}

// Register installs an already-constructed adapter for a provider tag,
// replacing any factory. Used for mocks in tests.
func (r *Registry) Register(provider string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[provider] = a
}

// Adapter returns the shared adapter for a provider, constructing it on
// first use. Unknown providers are an error.
func (r *Registry) Adapter(provider string) (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.adapters[provider]; ok {
		return a, nil
	}
	f, ok := r.factories[provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}
	a, err := f(r.creds, r.pricing)
	if err != nil {
		return nil, fmt.Errorf("failed to construct %s adapter: %w", provider, err)
	}
	r.adapters[provider] = a
	return a, nil
}
