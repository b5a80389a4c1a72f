package bus

import (
	"fmt"
	"reflect"

	"github.com/fxsml/filterbus/message"
	"github.com/fxsml/filterbus/pipe"
	"github.com/fxsml/filterbus/probe"
	"github.com/fxsml/filterbus/scope"
)

// Handler handles messages of type T.
type Handler[T any] interface {
	Handle(c *ConsumeContext, msg T) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[T any] func(c *ConsumeContext, msg T) error

// Handle calls f.
func (f HandlerFunc[T]) Handle(c *ConsumeContext, msg T) error {
	return f(c, msg)
}

// Handle registers fn as the handler of T on the endpoint and returns the
// message pipe configurator of T.
func Handle[T any](e *EndpointConfigurator, fn func(c *ConsumeContext, msg T) error) *MessagePipeConfigurator {
	m := e.Message(typeOf[T](e.naming))
	m.SetHandler(&handlerFilter[T]{
		resolve: func(*ConsumeContext) (Handler[T], func(), error) {
			return HandlerFunc[T](fn), func() {}, nil
		},
		kind: "handler",
	})
	return m
}

// HandleScoped registers a handler of T resolved as H from the ambient
// scope for every message. A scope is created when none is ambient.
func HandleScoped[T any, H Handler[T]](e *EndpointConfigurator, m *scope.Manager) *MessagePipeConfigurator {
	mc := e.Message(typeOf[T](e.naming))
	mc.SetHandler(&handlerFilter[T]{
		resolve: func(c *ConsumeContext) (Handler[T], func(), error) {
			h, err := m.ResolveOrCreate(c)
			if err != nil {
				return nil, nil, err
			}
			handler, err := scope.Resolve[H](h.Scope())
			if err != nil {
				m.Release(h)
				return nil, nil, err
			}
			return handler, func() { m.Release(h) }, nil
		},
		kind:     "scopedHandler",
		resolves: reflect.TypeFor[H]().String(),
	})
	return mc
}

type handlerFilter[T any] struct {
	resolve  func(c *ConsumeContext) (Handler[T], func(), error)
	kind     string
	resolves string
}

func (f *handlerFilter[T]) Send(c *ConsumeContext, next pipe.Pipe[*ConsumeContext]) error {
	msg, ok := c.Message.Data.(T)
	if !ok {
		return fmt.Errorf("%w: %T is not %v", message.ErrUnknownType, c.Message.Data, reflect.TypeFor[T]())
	}
	h, release, err := f.resolve(c)
	if err != nil {
		return fmt.Errorf("resolve handler: %w", err)
	}
	defer release()
	if err := h.Handle(c, msg); err != nil {
		return err
	}
	return next.Send(c)
}

func (f *handlerFilter[T]) Probe(ctx probe.Context) {
	s := probe.FilterScope(ctx, f.kind)
	s.Add("messageType", reflect.TypeFor[T]().String())
	if f.resolves != "" {
		s.Add("resolves", f.resolves)
	}
}
