package providers

import (
	"fmt"
	"sort"
	"sync"
)

// Registry resolves provider names to adapters. Providers whose credentials
// are missing are simply absent; the engine degrades to the agents it can
// reach as long as quorum holds.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register installs an adapter under its own name. Later registrations for
// the same name win, which lets tests swap in stubs.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured", name)
	}
	return a, nil
}

// Names returns the configured provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Credentials carries the per-provider API configuration used to build the
// production registry. Empty keys skip the provider.
type Credentials struct {
	OpenAIKey        string
	OpenAIBaseURL    string
	AnthropicKey     string
	AnthropicBaseURL string
	GeminiKey        string
	GeminiBaseURL    string
	DeepSeekKey      string
	DeepSeekBaseURL  string
}

// Build constructs a registry from credentials, one adapter per provider
// that has a key.
func Build(creds Credentials) *Registry {
	r := NewRegistry()
	if creds.OpenAIKey != "" {
		r.Register(NewOpenAICompatible("openai", creds.OpenAIKey, creds.OpenAIBaseURL))
	}
	if creds.AnthropicKey != "" {
		r.Register(NewAnthropic(creds.AnthropicKey, creds.AnthropicBaseURL))
	}
	if creds.GeminiKey != "" {
		r.Register(NewGemini(creds.GeminiKey, creds.GeminiBaseURL))
	}
	if creds.DeepSeekKey != "" {
		r.Register(NewDeepSeek(creds.DeepSeekKey, creds.DeepSeekBaseURL))
	}
	return r
}
