// Package secrets resolves named secrets (API endpoints, tokens) from an
// external provider, caching each value for the process lifetime after the
// first fetch.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Provider resolves a named secret.
type Provider interface {
	Get(ctx context.Context, name string) (string, error)
}

// EnvProvider resolves secrets from environment variables. Names are
// upper-cased, dashes become underscores, and the prefix is prepended.
type EnvProvider struct {
	Prefix string
}

// Get looks up the environment variable for name.
func (p *EnvProvider) Get(_ context.Context, name string) (string, error) {
	key := p.Prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("secret %s not set", key)
	}
	return value, nil
}

// Cached wraps a Provider and memoizes successful lookups for the process
// lifetime. Failed lookups are not cached.
type Cached struct {
	provider Provider

	mu     sync.Mutex
	values map[string]string
}

// NewCached wraps the given provider with a process-lifetime cache.
func NewCached(p Provider) *Cached {
	return &Cached{provider: p, values: make(map[string]string)}
}

// Get returns the cached value for name, fetching it on first use.
func (c *Cached) Get(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	if v, ok := c.values[name]; ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err := c.provider.Get(ctx, name)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.values[name] = v
	c.mu.Unlock()
	return v, nil
}
