package bus

import (
	"fmt"
	"sync"

	"github.com/fxsml/filterbus/message"
	"github.com/fxsml/filterbus/pipe"
	"github.com/fxsml/filterbus/probe"
)

// MessageConfigurationObserver is notified once for every message type a
// consume pipe handles. It may add type-specialized specifications to the
// message pipe configurator it receives.
type MessageConfigurationObserver interface {
	MessageConfigured(mt message.Type, cfg *MessagePipeConfigurator)
}

// MessageConfigurationObserverFunc adapts a function to the observer
// interface.
type MessageConfigurationObserverFunc func(mt message.Type, cfg *MessagePipeConfigurator)

// MessageConfigured calls f.
func (f MessageConfigurationObserverFunc) MessageConfigured(mt message.Type, cfg *MessagePipeConfigurator) {
	f(mt, cfg)
}

// Disconnect removes a connected observer.
type Disconnect func()

// MessagePipeConfigurator configures the pipe of a single message type on
// a receive endpoint. Its filters run after the endpoint's filters and
// before the handler.
type MessagePipeConfigurator struct {
	*pipe.Configurator[*ConsumeContext]

	messageType message.Type
	handlers    []pipe.Filter[*ConsumeContext]

	mu       sync.Mutex
	failures []pipe.ValidationResult
}

// AddFailure records a failure found by an observer. It is reported with
// the other validation results of the message pipe when the bus is built.
func (m *MessagePipeConfigurator) AddFailure(r pipe.ValidationResult) {
	r.Disposition = pipe.Failure
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, r)
}

// Failures returns the failures recorded with AddFailure.
func (m *MessagePipeConfigurator) Failures() []pipe.ValidationResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pipe.ValidationResult(nil), m.failures...)
}

// MessageType returns the configured message type.
func (m *MessagePipeConfigurator) MessageType() message.Type {
	return m.messageType
}

// SetHandler sets the terminal filter of the message pipe. Setting more
// than one handler is a configuration error.
func (m *MessagePipeConfigurator) SetHandler(h pipe.Filter[*ConsumeContext]) {
	m.handlers = append(m.handlers, h)
}

func (m *MessagePipeConfigurator) validate() []pipe.ValidationResult {
	results := append(m.Validate(), m.Failures()...)
	switch len(m.handlers) {
	case 0:
		results = append(results, pipe.Warningf("handler", "no handler configured"))
	case 1:
	default:
		results = append(results, pipe.Failuref("handler", "%d handlers configured, expected one", len(m.handlers)))
	}
	return results
}

func (m *MessagePipeConfigurator) build() (pipe.Pipe[*ConsumeContext], error) {
	return m.Build(m.handlers...)
}

type observerEntry struct {
	id       int
	observer MessageConfigurationObserver
}

// ConsumePipeConfigurator configures the consume pipe of a receive endpoint
// and the pipes of the message types it handles.
type ConsumePipeConfigurator struct {
	*pipe.Configurator[*ConsumeContext]

	naming message.NamingStrategy

	mu        sync.Mutex
	types     []message.Type
	messages  map[message.Type]*MessagePipeConfigurator
	observers []observerEntry
	nextID    int
}

func newConsumePipeConfigurator(naming message.NamingStrategy) *ConsumePipeConfigurator {
	return &ConsumePipeConfigurator{
		Configurator: pipe.NewConfigurator[*ConsumeContext](),
		naming:       naming,
		messages:     make(map[message.Type]*MessagePipeConfigurator),
	}
}

// Message returns the configurator of mt, creating it on first use. The
// first use notifies every connected observer in registration order.
func (c *ConsumePipeConfigurator) Message(mt message.Type) *MessagePipeConfigurator {
	c.mu.Lock()
	if m, ok := c.messages[mt]; ok {
		c.mu.Unlock()
		return m
	}
	m := &MessagePipeConfigurator{
		Configurator: pipe.NewConfigurator[*ConsumeContext](),
		messageType:  mt,
	}
	c.messages[mt] = m
	c.types = append(c.types, mt)
	observers := append([]observerEntry(nil), c.observers...)
	c.mu.Unlock()

	for _, o := range observers {
		o.observer.MessageConfigured(mt, m)
	}
	return m
}

// ConnectMessageObserver connects o. Message types configured before the
// connection are replayed to o in configuration order.
func (c *ConsumePipeConfigurator) ConnectMessageObserver(o MessageConfigurationObserver) Disconnect {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.observers = append(c.observers, observerEntry{id: id, observer: o})
	types := append([]message.Type(nil), c.types...)
	messages := make([]*MessagePipeConfigurator, len(types))
	for i, mt := range types {
		messages[i] = c.messages[mt]
	}
	c.mu.Unlock()

	for i, mt := range types {
		o.MessageConfigured(mt, messages[i])
	}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, e := range c.observers {
			if e.id == id {
				c.observers = append(c.observers[:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

// MessageTypes returns the configured message types in configuration
// order.
func (c *ConsumePipeConfigurator) MessageTypes() []message.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message.Type(nil), c.types...)
}

// dispatch routes a consume context to the pipe of its message type.
type dispatch struct {
	pipes map[message.Type]pipe.Pipe[*ConsumeContext]
	order []message.Type
}

func (d *dispatch) Send(c *ConsumeContext, next pipe.Pipe[*ConsumeContext]) error {
	p, ok := d.pipes[c.MessageType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, c.MessageType.Name())
	}
	if err := p.Send(c); err != nil {
		return err
	}
	return next.Send(c)
}

func (d *dispatch) Probe(ctx probe.Context) {
	s := probe.FilterScope(ctx, "dispatch")
	for _, mt := range d.order {
		ms := s.CreateScope("message")
		ms.Add("type", mt.Name())
		d.pipes[mt].Probe(ms)
	}
}
