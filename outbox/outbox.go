// Package outbox defers outbound sends and publishes issued while a
// message is processed until processing succeeds.
//
// The outbox filter replaces the outbound endpoints of the context for the
// remainder of the pipe. Captured operations are flushed in capture order
// through the original endpoints once the remainder returns without error,
// and discarded when it faults or the operation is cancelled. Each captured
// operation holds a lease on the ambient scope, so the scope it was issued
// in stays usable until the operation is flushed or discarded.
package outbox

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fxsml/filterbus/bus"
	"github.com/fxsml/filterbus/message"
	"github.com/fxsml/filterbus/pipe"
	"github.com/fxsml/filterbus/probe"
	"github.com/fxsml/filterbus/scope"
)

var (
	// ErrOutboxClosed is returned when an operation is captured after the
	// outbox of its consume operation completed.
	ErrOutboxClosed = errors.New("outbox: closed")

	// ErrScopeDisposedWhileInUse is returned by a flush when the scope an
	// operation was captured in was disposed before the flush.
	ErrScopeDisposedWhileInUse = scope.ErrDisposedWhileInUse
)

// Config configures the outbox filter.
type Config struct {
	// Logger receives discard and flush events. Defaults to slog.Default().
	Logger message.Logger
}

func (c Config) parse() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Filter is the outbox coordinator.
type Filter[C bus.EndpointContext] struct {
	cfg Config

	captured  atomic.Int64
	flushed   atomic.Int64
	discarded atomic.Int64
	faulted   atomic.Int64
}

// NewFilter creates an outbox filter.
func NewFilter[C bus.EndpointContext](cfg Config) *Filter[C] {
	return &Filter[C]{cfg: cfg.parse()}
}

func (f *Filter[C]) Send(c C, next pipe.Pipe[C]) error {
	original := c.Endpoints()
	box := &outbox{captured: &f.captured}
	c.SetEndpoints(box)

	err := next.Send(c)

	c.SetEndpoints(original)
	entries := box.close()
	if err == nil {
		err = c.Context().Err()
	}
	if err != nil {
		f.discard(entries, err)
		return err
	}
	return f.flush(c, original, entries)
}

func (f *Filter[C]) flush(c C, original bus.Endpoints, entries []*entry) error {
	for i, e := range entries {
		if err := f.flushEntry(c, original, e); err != nil {
			f.faulted.Add(1)
			f.discard(entries[i+1:], err)
			return fmt.Errorf("outbox: flush %d of %d: %w", i+1, len(entries), err)
		}
		f.flushed.Add(1)
	}
	return nil
}

func (f *Filter[C]) flushEntry(c C, original bus.Endpoints, e *entry) error {
	defer e.release(f.cfg.Logger)

	if e.lease != nil {
		unbind, err := e.lease.Bind(c)
		if err != nil {
			return err
		}
		defer unbind()
	}
	if e.publish {
		return original.Publish(c, e.msg)
	}
	return original.Send(c, e.destination, e.msg)
}

func (f *Filter[C]) discard(entries []*entry, cause error) {
	if len(entries) == 0 {
		return
	}
	for _, e := range entries {
		e.release(f.cfg.Logger)
	}
	f.discarded.Add(int64(len(entries)))
	f.cfg.Logger.Debug("FILTERBUS: Outbox discarded",
		slog.Int("count", len(entries)),
		slog.Any("error", cause))
}

func (f *Filter[C]) Probe(ctx probe.Context) {
	probe.FilterScope(ctx, "outbox").Set(map[string]any{
		"captured":  f.captured.Load(),
		"flushed":   f.flushed.Load(),
		"discarded": f.discarded.Load(),
		"faulted":   f.faulted.Load(),
	})
}

// UseInMemoryOutbox adds an outbox filter. It must be configured after
// retry and scope filters.
func UseInMemoryOutbox[C bus.EndpointContext](cfg *pipe.Configurator[C], c Config) error {
	return cfg.AddSpecification(&pipe.FilterSpecification[C]{
		Filter:     NewFilter[C](c),
		FilterRole: pipe.RoleOutbox,
	})
}

type entry struct {
	publish     bool
	destination string
	msg         *message.Message
	lease       *scope.Lease
}

func (e *entry) release(logger message.Logger) {
	if e.lease == nil {
		return
	}
	if err := e.lease.Release(); err != nil {
		logger.Warn("FILTERBUS: Scope disposal failed", slog.Any("error", err))
	}
}

// outbox captures the outbound operations of a single consume operation.
type outbox struct {
	captured *atomic.Int64

	mu      sync.Mutex
	closed  bool
	entries []*entry
}

func (o *outbox) Send(source pipe.Context, destination string, msg *message.Message) error {
	return o.capture(source, &entry{destination: destination, msg: msg})
}

func (o *outbox) Publish(source pipe.Context, msg *message.Message) error {
	return o.capture(source, &entry{publish: true, msg: msg})
}

func (o *outbox) capture(source pipe.Context, e *entry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOutboxClosed
	}
	lease, err := scope.Retain(source)
	if err != nil {
		return fmt.Errorf("outbox: capture: %w", err)
	}
	e.lease = lease
	o.entries = append(o.entries, e)
	o.captured.Add(1)
	return nil
}

func (o *outbox) close() []*entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	entries := o.entries
	o.entries = nil
	return entries
}
