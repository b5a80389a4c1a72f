package scope

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/fxsml/filterbus/message"
	"github.com/fxsml/filterbus/probe"
)

// Lifetime controls how often a registered factory runs.
type Lifetime int

const (
	// Transient creates a new instance on every resolve.
	Transient Lifetime = iota
	// Scoped creates one instance per scope.
	Scoped
	// Singleton creates one instance per container.
	Singleton
)

func (l Lifetime) String() string {
	switch l {
	case Transient:
		return "transient"
	case Scoped:
		return "scoped"
	case Singleton:
		return "singleton"
	default:
		return fmt.Sprintf("lifetime(%d)", int(l))
	}
}

var (
	scopeType   = reflect.TypeFor[Scope]()
	contextType = reflect.TypeFor[context.Context]()
)

type registration struct {
	lifetime Lifetime
	factory  func(Scope) (any, error)
}

// Container is a Provider backed by type registrations. Instances
// implementing io.Closer are closed with the scope that created them, in
// reverse creation order. Resolving Scope or context.Context yields the
// resolving scope and the context it was created with.
type Container struct {
	mu            sync.RWMutex
	registrations map[reflect.Type]registration
	root          *containerScope

	created  atomic.Int64
	disposed atomic.Int64
}

// NewContainer creates an empty container.
func NewContainer() *Container {
	c := &Container{registrations: make(map[reflect.Type]registration)}
	c.root = newContainerScope(c, nil, context.Background())
	return c
}

// Register registers a factory for T. A later registration replaces an
// earlier one.
func Register[T any](c *Container, lifetime Lifetime, factory func(s Scope) (T, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registrations[reflect.TypeFor[T]()] = registration{
		lifetime: lifetime,
		factory: func(s Scope) (any, error) {
			return factory(s)
		},
	}
}

// RegisterInstance registers v as a singleton.
func RegisterInstance[T any](c *Container, v T) {
	Register(c, Singleton, func(Scope) (T, error) { return v, nil })
}

func (c *Container) lookup(t reflect.Type) (registration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.registrations[t]
	return r, ok
}

// CreateScope creates a scope below the container's root scope.
func (c *Container) CreateScope(ctx context.Context) (Scope, error) {
	return c.root.CreateScope(ctx)
}

// Close disposes singletons.
func (c *Container) Close() error {
	return c.root.Close()
}

// Probe reports scope counters.
func (c *Container) Probe(ctx probe.Context) {
	ctx.Set(map[string]any{
		"provider": "container",
		"created":  c.created.Load(),
		"disposed": c.disposed.Load(),
	})
}

type containerScope struct {
	id        string
	container *Container
	parent    *containerScope
	ctx       context.Context

	mu        sync.Mutex
	instances map[reflect.Type]any
	closers   []io.Closer
	disposed  bool
}

func newContainerScope(c *Container, parent *containerScope, ctx context.Context) *containerScope {
	return &containerScope{
		id:        message.NewID(),
		container: c,
		parent:    parent,
		ctx:       ctx,
		instances: make(map[reflect.Type]any),
	}
}

func (s *containerScope) ID() string {
	return s.id
}

func (s *containerScope) CreateScope(ctx context.Context) (Scope, error) {
	if s.Disposed() {
		return nil, ErrScopeDisposed
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.container.created.Add(1)
	return newContainerScope(s.container, s, ctx), nil
}

func (s *containerScope) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

func (s *containerScope) Resolve(t reflect.Type) (any, error) {
	if s.Disposed() {
		return nil, ErrScopeDisposed
	}
	switch t {
	case scopeType:
		return Scope(s), nil
	case contextType:
		return s.ctx, nil
	}
	reg, ok := s.container.lookup(t)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNotRegistered, t)
	}
	switch reg.lifetime {
	case Singleton:
		return s.container.root.cached(t, reg)
	case Scoped:
		return s.cached(t, reg)
	default:
		v, err := reg.factory(s)
		if err != nil {
			return nil, err
		}
		if err := s.track(v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

func (s *containerScope) cached(t reflect.Type, reg registration) (any, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, ErrScopeDisposed
	}
	if v, ok := s.instances[t]; ok {
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	// factories may resolve other services, so they run unlocked
	v, err := reg.factory(s)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if existing, ok := s.instances[t]; ok {
		s.mu.Unlock()
		if c, ok := v.(io.Closer); ok {
			_ = c.Close()
		}
		return existing, nil
	}
	if s.disposed {
		s.mu.Unlock()
		if c, ok := v.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, ErrScopeDisposed
	}
	s.instances[t] = v
	if c, ok := v.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}
	s.mu.Unlock()
	return v, nil
}

func (s *containerScope) track(v any) error {
	c, ok := v.(io.Closer)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		_ = c.Close()
		return ErrScopeDisposed
	}
	s.closers = append(s.closers, c)
	return nil
}

func (s *containerScope) Close() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	closers := s.closers
	s.closers = nil
	s.instances = nil
	s.mu.Unlock()

	if s.parent != nil {
		s.container.disposed.Add(1)
	}

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
