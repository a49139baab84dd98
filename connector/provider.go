package connector

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/Konsultn-Engineering/datamapper/dialect"
)

// Provider opens connections for one kind of database.
type Provider interface {
	Connect(ctx context.Context, config Config) (Connection, error)
	Dialect() dialect.Dialect
}

var registry = struct {
	mu        sync.RWMutex
	providers map[string]Provider
}{providers: make(map[string]Provider)}

// Register makes a provider available under name. Providers register
// themselves from init.
func Register(name string, provider Provider) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.providers[name] = provider
}

// Lookup returns the provider registered under name.
func Lookup(name string) (Provider, error) {
	registry.mu.RLock()
	p, ok := registry.providers[name]
	registry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %s not registered", name)
	}
	return p, nil
}

// Providers lists registered provider names in sorted order.
func Providers() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	names := make([]string, 0, len(registry.providers))
	for name := range registry.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
