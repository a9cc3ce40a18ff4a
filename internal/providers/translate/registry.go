package translate

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"doctranslate/internal/domain"
	"doctranslate/internal/domain/jsoncfg"
	"doctranslate/internal/infra"
)

// RegistryOptions holds the process-wide defaults for every adapter.
type RegistryOptions struct {
	LocalURL      string
	GoogleURL     string
	DeepLAPIKey   string
	DeepLBaseURL  string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	Timeout       time.Duration
	HTTPClient    *http.Client
	Logger        *infra.Logger
}

// Registry resolves provider names, including aliases, to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Translator
}

// NewRegistry builds the four built-in adapters.
func NewRegistry(opts RegistryOptions) *Registry {
	r := &Registry{adapters: make(map[string]Translator, 4)}
	r.Register(NewLocal(LocalOptions{BaseURL: opts.LocalURL, HTTPClient: opts.HTTPClient, Timeout: opts.Timeout, Logger: opts.Logger}))
	r.Register(NewGoogle(GoogleOptions{BaseURL: opts.GoogleURL, HTTPClient: opts.HTTPClient, Timeout: opts.Timeout, Logger: opts.Logger}))
	r.Register(NewDeepL(DeepLOptions{APIKey: opts.DeepLAPIKey, BaseURL: opts.DeepLBaseURL, HTTPClient: opts.HTTPClient, Timeout: opts.Timeout, Logger: opts.Logger}))
	r.Register(NewOpenAI(OpenAIOptions{APIKey: opts.OpenAIAPIKey, BaseURL: opts.OpenAIBaseURL, Model: opts.OpenAIModel, HTTPClient: opts.HTTPClient, Timeout: opts.Timeout, Logger: opts.Logger}))
	return r
}

// NewEmptyRegistry returns a registry with no adapters, for tests and
// custom wiring.
func NewEmptyRegistry() *Registry {
	return &Registry{adapters: make(map[string]Translator)}
}

// Register adds or replaces an adapter under its Name.
func (r *Registry) Register(t Translator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[t.Name()] = t
}

// Get returns the adapter for name or an alias of it.
func (r *Registry) Get(name string) (Translator, error) {
	key := name
	if canonical, ok := jsoncfg.CanonicalProvider(name); ok {
		key = canonical
	}
	r.mu.RLock()
	t, ok := r.adapters[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedProvider, name)
	}
	return t, nil
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
