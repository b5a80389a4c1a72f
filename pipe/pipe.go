package pipe

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/fxsml/filterbus/probe"
)

// New links filters into a pipe in the given order. The last filter's next
// is an empty pipe.
func New[C Context](filters ...Filter[C]) Pipe[C] {
	var head Pipe[C] = Empty[C]()
	for i := len(filters) - 1; i >= 0; i-- {
		head = link(filters[i], head)
	}
	return &chain[C]{
		head:    head,
		filters: filters,
	}
}

type chain[C Context] struct {
	head    Pipe[C]
	filters []Filter[C]
}

func (p *chain[C]) Send(c C) error {
	return p.head.Send(c)
}

func (p *chain[C]) Probe(ctx probe.Context) {
	scope := ctx.CreateScope("filters")
	for _, f := range p.filters {
		f.Probe(scope)
	}
}

func link[C Context](f Filter[C], next Pipe[C]) Pipe[C] {
	reentrant := false
	if r, ok := f.(Reentrant); ok {
		reentrant = r.Reentrant()
	}
	name := fmt.Sprintf("%T", f)
	if n, ok := f.(Named); ok && n.Name() != "" {
		name = n.Name()
	}
	return &filterPipe[C]{
		filter:    f,
		next:      next,
		reentrant: reentrant,
		name:      name,
	}
}

type filterPipe[C Context] struct {
	filter    Filter[C]
	next      Pipe[C]
	reentrant bool
	name      string
}

func (p *filterPipe[C]) Send(c C) error {
	n := &guardedNext[C]{
		next:      p.next,
		reentrant: p.reentrant,
		filter:    p.name,
	}
	err := p.filter.Send(c, n)
	if violation := n.usage.Load(); violation != nil && !errors.Is(err, violation.Err) {
		// the filter swallowed the usage error; report it anyway
		return errors.Join(err, violation)
	}
	return err
}

func (p *filterPipe[C]) Probe(ctx probe.Context) {
	p.filter.Probe(ctx)
	p.next.Probe(ctx)
}

// guardedNext is the next handle given to a single filter invocation.
type guardedNext[C Context] struct {
	next      Pipe[C]
	reentrant bool
	filter    string
	calls     atomic.Int32
	running   atomic.Bool
	usage     atomic.Pointer[UsageError]
}

func (n *guardedNext[C]) Send(c C) error {
	if n.calls.Add(1) > 1 && !n.reentrant {
		return n.violate(ErrNextCalledTwice)
	}
	if !n.running.CompareAndSwap(false, true) {
		return n.violate(ErrNextConcurrent)
	}
	defer n.running.Store(false)

	if err := c.Context().Err(); err != nil {
		return err
	}
	return n.next.Send(c)
}

func (n *guardedNext[C]) Probe(ctx probe.Context) {
	n.next.Probe(ctx)
}

func (n *guardedNext[C]) violate(err error) error {
	usage := &UsageError{Filter: n.filter, Err: err}
	n.usage.CompareAndSwap(nil, usage)
	return usage
}
