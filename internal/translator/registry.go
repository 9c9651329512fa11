package translator

import (
	"fmt"
	"sync"
)

// Registry hands out shared Clients keyed by their full configuration, so
// every call against the same backend reuses one configured Client. It is
// created at startup and passed to the components that dial sessions; there
// is no package-level registry.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// Client returns the Client for cfg, creating it on first use.
func (r *Registry) Client(cfg Config) *Client {
	key := registryKey(cfg)

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[key]; ok {
		return c
	}
	c := NewClient(cfg)
	r.clients[key] = c
	return c
}

// Len reports how many distinct clients the registry holds.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

func registryKey(cfg Config) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s",
		cfg.URL, cfg.Model, cfg.APIKey, cfg.Voice, cfg.SourceLang, cfg.TargetLang)
}
