package scope

import (
	"fmt"
	"reflect"

	"github.com/fxsml/filterbus/pipe"
	"github.com/fxsml/filterbus/probe"
)

// Filter makes a scope ambient for the remainder of the pipe. An existing
// ambient scope is reused; otherwise a new one is created and disposed when
// the remainder completes, regardless of outcome.
type Filter[C pipe.Context] struct {
	manager *Manager
}

// NewFilter creates a scope filter.
func NewFilter[C pipe.Context](m *Manager) *Filter[C] {
	return &Filter[C]{manager: m}
}

func (f *Filter[C]) Send(c C, next pipe.Pipe[C]) error {
	h, err := f.manager.ResolveOrCreate(c)
	if err != nil {
		return fmt.Errorf("create scope: %w", err)
	}
	defer f.manager.Release(h)
	return next.Send(c)
}

func (f *Filter[C]) Probe(ctx probe.Context) {
	f.manager.Probe(probe.FilterScope(ctx, "scope"))
}

// ScopedFilter resolves a filter of type F from the ambient scope on every
// invocation and delegates to it. A scope is created when none is ambient.
type ScopedFilter[C pipe.Context, F pipe.Filter[C]] struct {
	manager *Manager
}

// NewScopedFilter creates a filter resolving F per invocation.
func NewScopedFilter[C pipe.Context, F pipe.Filter[C]](m *Manager) *ScopedFilter[C, F] {
	return &ScopedFilter[C, F]{manager: m}
}

func (f *ScopedFilter[C, F]) Send(c C, next pipe.Pipe[C]) error {
	h, err := f.manager.ResolveOrCreate(c)
	if err != nil {
		return fmt.Errorf("create scope: %w", err)
	}
	defer f.manager.Release(h)

	filter, err := Resolve[F](h.Scope())
	if err != nil {
		return fmt.Errorf("resolve scoped filter: %w", err)
	}
	return filter.Send(c, next)
}

func (f *ScopedFilter[C, F]) Probe(ctx probe.Context) {
	probe.FilterScope(ctx, "scopedFilter").Add("resolves", reflect.TypeFor[F]().String())
}

// UseMessageScope adds a scope filter. It must be configured after retry
// and before an outbox.
func UseMessageScope[C pipe.Context](cfg *pipe.Configurator[C], m *Manager) error {
	return cfg.AddSpecification(&pipe.FilterSpecification[C]{
		Filter:     NewFilter[C](m),
		FilterRole: pipe.RoleScope,
		Validator:  validateManager(m),
	})
}

// UseScopedFilter adds a filter resolved from the ambient scope per
// invocation.
func UseScopedFilter[C pipe.Context, F pipe.Filter[C]](cfg *pipe.Configurator[C], m *Manager) error {
	return cfg.AddSpecification(&pipe.FilterSpecification[C]{
		Filter:    NewScopedFilter[C, F](m),
		Validator: validateManager(m),
	})
}

func validateManager(m *Manager) func() []pipe.ValidationResult {
	return func() []pipe.ValidationResult {
		if m == nil || m.provider == nil {
			return []pipe.ValidationResult{pipe.Failuref("scopeProvider", "must be set")}
		}
		return nil
	}
}
