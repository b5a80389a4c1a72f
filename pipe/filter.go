package pipe

import (
	"github.com/fxsml/filterbus/probe"
)

// Filter is a unit of behavior in a pipe.
//
// Send receives the context and the remainder of the chain. It must call
// next.Send at most once; returning without calling it ends the chain.
// Errors returned by next are propagated unless the filter documents that
// it converts them.
type Filter[C Context] interface {
	Send(c C, next Pipe[C]) error
	Probe(ctx probe.Context)
}

// Pipe executes a chain of filters for a context.
type Pipe[C Context] interface {
	Send(c C) error
	Probe(ctx probe.Context)
}

// Reentrant is implemented by filters that run the remainder of the chain
// more than once, sequentially, for a single operation (retry).
type Reentrant interface {
	Reentrant() bool
}

// Named is implemented by filters that carry a name. Usage errors name the
// filter by it instead of its Go type.
type Named interface {
	Name() string
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc[C Context] func(c C, next Pipe[C]) error

// Send calls f(c, next).
func (f FilterFunc[C]) Send(c C, next Pipe[C]) error {
	return f(c, next)
}

// Probe reports the filter as "func".
func (f FilterFunc[C]) Probe(ctx probe.Context) {
	probe.FilterScope(ctx, "func")
}

// Inline creates a named filter from a function.
func Inline[C Context](name string, fn func(c C, next Pipe[C]) error) Filter[C] {
	return &inlineFilter[C]{name: name, fn: fn}
}

type inlineFilter[C Context] struct {
	name string
	fn   func(c C, next Pipe[C]) error
}

func (f *inlineFilter[C]) Name() string {
	return f.name
}

func (f *inlineFilter[C]) Send(c C, next Pipe[C]) error {
	return f.fn(c, next)
}

func (f *inlineFilter[C]) Probe(ctx probe.Context) {
	probe.FilterScope(ctx, "inline").Add("name", f.name)
}

// Empty returns a pipe that does nothing.
func Empty[C Context]() Pipe[C] {
	return emptyPipe[C]{}
}

type emptyPipe[C Context] struct{}

func (emptyPipe[C]) Send(C) error { return nil }

func (emptyPipe[C]) Probe(probe.Context) {}
