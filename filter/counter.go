package filter

import (
	"sync/atomic"

	"github.com/fxsml/filterbus/pipe"
	"github.com/fxsml/filterbus/probe"
)

// Counter counts invocations of the remainder of the pipe by outcome.
type Counter[C pipe.Context] struct {
	attempted atomic.Int64
	succeeded atomic.Int64
	faulted   atomic.Int64
}

// NewCounter creates a counter filter.
func NewCounter[C pipe.Context]() *Counter[C] {
	return &Counter[C]{}
}

func (f *Counter[C]) Send(c C, next pipe.Pipe[C]) error {
	f.attempted.Add(1)
	err := next.Send(c)
	if err != nil {
		f.faulted.Add(1)
		return err
	}
	f.succeeded.Add(1)
	return nil
}

// Attempted returns the number of invocations.
func (f *Counter[C]) Attempted() int64 { return f.attempted.Load() }

// Succeeded returns the number of invocations that returned no error.
func (f *Counter[C]) Succeeded() int64 { return f.succeeded.Load() }

// Faulted returns the number of invocations that returned an error.
func (f *Counter[C]) Faulted() int64 { return f.faulted.Load() }

func (f *Counter[C]) Probe(ctx probe.Context) {
	probe.FilterScope(ctx, "counter").Set(map[string]any{
		"attempted": f.attempted.Load(),
		"succeeded": f.succeeded.Load(),
		"faulted":   f.faulted.Load(),
	})
}

// UseCounter adds a counter filter and returns it for inspection.
func UseCounter[C pipe.Context](cfg *pipe.Configurator[C]) (*Counter[C], error) {
	f := NewCounter[C]()
	if err := cfg.UseFilter(f); err != nil {
		return nil, err
	}
	return f, nil
}
