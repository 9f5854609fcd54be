package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Client is a single model backend.
type Client interface {
	Complete(ctx context.Context, model string, req Request) (Completion, error)
}

// Factory builds the client for one backend. It returns a
// *ConfigurationError when the backend lacks credentials.
type Factory func(ctx context.Context) (Client, error)

// Clients builds backend clients on first use and caches them for the life
// of the process. Concurrent first use of the same backend runs its factory
// once. Failed builds are not cached, so a later call retries the factory.
type Clients struct {
	factories map[string]Factory

	mu    sync.RWMutex
	cache map[string]Client
	group singleflight.Group
}

// NewClients returns a lazy client set over the given factories, keyed by
// provider name.
func NewClients(factories map[string]Factory) *Clients {
	f := make(map[string]Factory, len(factories))
	for name, factory := range factories {
		f[name] = factory
	}
	return &Clients{
		factories: f,
		cache:     make(map[string]Client),
	}
}

// Get returns the client for provider, building it if needed.
func (c *Clients) Get(ctx context.Context, provider string) (Client, error) {
	c.mu.RLock()
	client, ok := c.cache[provider]
	c.mu.RUnlock()
	if ok {
		return client, nil
	}

	factory, ok := c.factories[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	v, err, _ := c.group.Do(provider, func() (any, error) {
		c.mu.RLock()
		existing, ok := c.cache[provider]
		c.mu.RUnlock()
		if ok {
			return existing, nil
		}

		built, err := factory(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.cache[provider] = built
		c.mu.Unlock()
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Client), nil //nolint:forcetypeassert // only Client values are returned above
}

// Built lists the providers whose clients exist, sorted.
func (c *Clients) Built() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.cache))
	for name := range c.cache {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
