// Package resolver is the scoped service lookup a session uses to find its
// serializer, identity strategy, plugins and logger. A service owns one root
// container; each session resolves through its own child scope so providers
// can hand out per-session instances.
package resolver

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lightforgemedia/go-dmtp/pkg/dmtp"
)

// Well-known keys.
const (
	KeySerializer = "dmtp.serializer"
	KeyIdentity   = "dmtp.identity"
	KeyPlugins    = "dmtp.plugins"
	KeyLogger     = "dmtp.logger"
)

// ErrNotFound is returned when no scope in the chain can satisfy a key.
var ErrNotFound = errors.New("resolver: no provider registered")

// Provider builds a value for the scope doing the resolving.
type Provider func(scope dmtp.Resolver) (any, error)

// Container maps keys to instances and providers. Lookups fall back to the
// parent scope. A provider's result is cached in the scope that resolved it.
type Container struct {
	parent *Container

	mu        sync.RWMutex
	providers map[string]Provider
	instances map[string]any
}

var _ dmtp.Resolver = (*Container)(nil)

func NewContainer() *Container {
	return &Container{
		providers: make(map[string]Provider),
		instances: make(map[string]any),
	}
}

// Scope returns a child container.
func (c *Container) Scope() *Container {
	child := NewContainer()
	child.parent = c
	return child
}

func (c *Container) Register(key string, p Provider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[key] = p
	delete(c.instances, key)
}

func (c *Container) RegisterInstance(key string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances[key] = v
}

func (c *Container) lookup(key string) (any, Provider, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.instances[key]; ok {
		return v, nil, true
	}
	if p, ok := c.providers[key]; ok {
		return nil, p, true
	}
	return nil, nil, false
}

func (c *Container) Resolve(key string) (any, error) {
	for s := c; s != nil; s = s.parent {
		v, p, ok := s.lookup(key)
		if !ok {
			continue
		}
		if p == nil {
			return v, nil
		}
		built, err := p(c)
		if err != nil {
			return nil, fmt.Errorf("resolver: build '%s': %w", key, err)
		}
		c.mu.Lock()
		if existing, ok := c.instances[key]; ok {
			// Lost a race with a concurrent Resolve on the same scope.
			built = existing
		} else {
			c.instances[key] = built
		}
		c.mu.Unlock()
		return built, nil
	}
	return nil, fmt.Errorf("%w for key '%s'", ErrNotFound, key)
}

// Get resolves key and asserts the result to T.
func Get[T any](r dmtp.Resolver, key string) (T, error) {
	var zero T
	if r == nil {
		return zero, fmt.Errorf("%w for key '%s': nil resolver", ErrNotFound, key)
	}
	v, err := r.Resolve(key)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("resolver: key '%s' holds %T, want %T", key, v, zero)
	}
	return typed, nil
}
