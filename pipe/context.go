package pipe

import (
	"context"
	"reflect"
	"sync"
)

// Context is implemented by every context that flows through a pipe.
// One instance exists per in-flight operation and is owned by the call
// stack executing it.
type Context interface {
	// Context returns the cancellation context of the operation.
	Context() context.Context
	// SetContext replaces the cancellation context, e.g. to apply a timeout
	// to the remainder of the chain.
	SetContext(ctx context.Context)
	// Payloads returns the payload cache of the operation.
	Payloads() *PayloadCache
}

// BaseContext implements Context and is embedded by concrete context kinds.
type BaseContext struct {
	mu       sync.RWMutex
	ctx      context.Context
	payloads *PayloadCache
}

// NewBaseContext creates a base context. The payload cache falls through to
// parent for lookups, so payloads of an enclosing operation (such as the
// dependency scope of a consume) are visible to nested operations.
func NewBaseContext(ctx context.Context, parent *PayloadCache) *BaseContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &BaseContext{
		ctx:      ctx,
		payloads: NewPayloadCache(parent),
	}
}

// Context returns the cancellation context.
func (c *BaseContext) Context() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ctx
}

// SetContext replaces the cancellation context.
func (c *BaseContext) SetContext(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
}

// Payloads returns the payload cache.
func (c *BaseContext) Payloads() *PayloadCache {
	return c.payloads
}

// PayloadCache stores per-operation values keyed by their Go type.
// Thread-safe.
type PayloadCache struct {
	mu      sync.RWMutex
	parent  *PayloadCache
	entries map[reflect.Type]any
}

// NewPayloadCache creates a cache with an optional parent.
func NewPayloadCache(parent *PayloadCache) *PayloadCache {
	return &PayloadCache{
		parent:  parent,
		entries: make(map[reflect.Type]any),
	}
}

// Parent returns the parent cache, or nil.
func (p *PayloadCache) Parent() *PayloadCache {
	return p.parent
}

func (p *PayloadCache) get(t reflect.Type) (any, bool) {
	for c := p; c != nil; c = c.parent {
		c.mu.RLock()
		v, ok := c.entries[t]
		c.mu.RUnlock()
		if ok {
			return v, true
		}
	}
	return nil, false
}

func (p *PayloadCache) set(t reflect.Type, v any) {
	p.mu.Lock()
	p.entries[t] = v
	p.mu.Unlock()
}

func (p *PayloadCache) remove(t reflect.Type) {
	p.mu.Lock()
	delete(p.entries, t)
	p.mu.Unlock()
}

// TryGetPayload returns the payload of type T, searching parent caches.
func TryGetPayload[T any](c Context) (T, bool) {
	v, ok := c.Payloads().get(reflect.TypeFor[T]())
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// HasPayload reports whether a payload of type T is present.
func HasPayload[T any](c Context) bool {
	_, ok := c.Payloads().get(reflect.TypeFor[T]())
	return ok
}

// GetOrAddPayload returns the payload of type T, creating it with factory
// when missing. A factory error is returned as is and nothing is stored.
func GetOrAddPayload[T any](c Context, factory func() (T, error)) (T, error) {
	if v, ok := TryGetPayload[T](c); ok {
		return v, nil
	}
	v, err := factory()
	if err != nil {
		return v, err
	}
	c.Payloads().set(reflect.TypeFor[T](), v)
	return v, nil
}

// SetPayload stores v as the payload of type T on the context's own cache.
func SetPayload[T any](c Context, v T) {
	c.Payloads().set(reflect.TypeFor[T](), v)
}

// RemovePayload removes the payload of type T from the context's own cache.
// Parent caches are not modified.
func RemovePayload[T any](c Context) {
	c.Payloads().remove(reflect.TypeFor[T]())
}
