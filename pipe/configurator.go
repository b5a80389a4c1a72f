package pipe

import (
	"fmt"
	"sync"
)

// Configurator collects specifications and builds an immutable pipe.
type Configurator[C Context] struct {
	mu    sync.Mutex
	specs []Specification[C]
	built bool
}

// NewConfigurator creates an empty configurator.
func NewConfigurator[C Context]() *Configurator[C] {
	return &Configurator[C]{}
}

// AddSpecification registers a specification. Registration order is pipe
// order.
func (c *Configurator[C]) AddSpecification(spec Specification[C]) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.built {
		return ErrAlreadyBuilt
	}
	c.specs = append(c.specs, spec)
	return nil
}

// UseFilter registers a single filter instance.
func (c *Configurator[C]) UseFilter(f Filter[C]) error {
	return c.AddSpecification(&FilterSpecification[C]{Filter: f})
}

// UseFunc registers an inline filter.
func (c *Configurator[C]) UseFunc(name string, fn func(c C, next Pipe[C]) error) error {
	if fn == nil {
		return c.AddSpecification(&FilterSpecification[C]{})
	}
	return c.UseFilter(Inline(name, fn))
}

// Len returns the number of registered specifications.
func (c *Configurator[C]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.specs)
}

// Roles returns the role of every registered specification in order.
// Specifications without a role report RoleNone.
func (c *Configurator[C]) Roles() []Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	roles := make([]Role, len(c.specs))
	for i, spec := range c.specs {
		if o, ok := spec.(Ordered); ok {
			roles[i] = o.Role()
		}
	}
	return roles
}

// Validate runs every specification's validation and the role order check.
// Results are keyed by specification position.
func (c *Configurator[C]) Validate() []ValidationResult {
	c.mu.Lock()
	specs := append([]Specification[C](nil), c.specs...)
	c.mu.Unlock()
	return validate(specs)
}

func validate[C Context](specs []Specification[C]) []ValidationResult {
	var results []ValidationResult
	roles := make([]Role, len(specs))
	for i, spec := range specs {
		if spec == nil {
			results = append(results, Failuref(fmt.Sprintf("[%d]", i), "specification must not be nil"))
			continue
		}
		results = append(results, PrefixResults(fmt.Sprintf("[%d]", i), spec.Validate())...)
		if o, ok := spec.(Ordered); ok {
			roles[i] = o.Role()
		}
	}
	return append(results, ValidateOrder(roles)...)
}

// Build validates, applies every specification once and links the filters
// followed by the optional terminal filters. Validation failures are
// returned as a single *ConfigurationError and nothing is applied.
func (c *Configurator[C]) Build(terminal ...Filter[C]) (Pipe[C], error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.built {
		return nil, ErrAlreadyBuilt
	}
	if err := NewConfigurationError(validate(c.specs)); err != nil {
		return nil, err
	}

	b := &builder[C]{}
	for _, spec := range c.specs {
		spec.Apply(b)
	}
	for _, f := range terminal {
		b.AddFilter(f)
	}
	c.built = true
	return New(b.filters...), nil
}

type builder[C Context] struct {
	filters []Filter[C]
}

func (b *builder[C]) AddFilter(f Filter[C]) {
	if f != nil {
		b.filters = append(b.filters, f)
	}
}
