package bus

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/fxsml/filterbus/message"
	"github.com/fxsml/filterbus/pipe"
)

// Configurator is the configuration surface of a bus. It is only valid
// inside the configure callback passed to New.
type Configurator struct {
	naming     message.NamingStrategy
	consume    *pipe.Configurator[*ConsumeContext]
	send       *pipe.Configurator[*SendContext]
	publish    *pipe.Configurator[*PublishContext]
	execute    *pipe.Configurator[*ExecuteContext]
	compensate *pipe.Configurator[*CompensateContext]

	mu          sync.Mutex
	endpoints   []*EndpointConfigurator
	observers   []*busObserver
	activities  []*activityBinding
	concurrency int
	results     []pipe.ValidationResult
}

type busObserver struct {
	observer    MessageConfigurationObserver
	disconnects []Disconnect
}

func newConfigurator(naming message.NamingStrategy, concurrency int) *Configurator {
	return &Configurator{
		naming:      naming,
		consume:     pipe.NewConfigurator[*ConsumeContext](),
		send:        pipe.NewConfigurator[*SendContext](),
		publish:     pipe.NewConfigurator[*PublishContext](),
		execute:     pipe.NewConfigurator[*ExecuteContext](),
		compensate:  pipe.NewConfigurator[*CompensateContext](),
		concurrency: concurrency,
	}
}

// ConsumePipe returns the configurator of the bus-wide consume pipe. Its
// filters run before the filters of every receive endpoint.
func (c *Configurator) ConsumePipe() *pipe.Configurator[*ConsumeContext] {
	return c.consume
}

// SendPipe returns the configurator of the send pipe.
func (c *Configurator) SendPipe() *pipe.Configurator[*SendContext] {
	return c.send
}

// PublishPipe returns the configurator of the publish pipe.
func (c *Configurator) PublishPipe() *pipe.Configurator[*PublishContext] {
	return c.publish
}

// ExecutePipe returns the configurator of the activity execute pipe.
func (c *Configurator) ExecutePipe() *pipe.Configurator[*ExecuteContext] {
	return c.execute
}

// CompensatePipe returns the configurator of the activity compensate pipe.
func (c *Configurator) CompensatePipe() *pipe.Configurator[*CompensateContext] {
	return c.compensate
}

// UseConsumeFilter adds f to the bus-wide consume pipe.
func (c *Configurator) UseConsumeFilter(f pipe.Filter[*ConsumeContext]) error {
	return c.consume.UseFilter(f)
}

// UseSendFilter adds f to the send pipe.
func (c *Configurator) UseSendFilter(f pipe.Filter[*SendContext]) error {
	return c.send.UseFilter(f)
}

// UsePublishFilter adds f to the publish pipe.
func (c *Configurator) UsePublishFilter(f pipe.Filter[*PublishContext]) error {
	return c.publish.UseFilter(f)
}

// UseExecuteFilter adds f to the execute pipe.
func (c *Configurator) UseExecuteFilter(f pipe.Filter[*ExecuteContext]) error {
	return c.execute.UseFilter(f)
}

// UseCompensateFilter adds f to the compensate pipe.
func (c *Configurator) UseCompensateFilter(f pipe.Filter[*CompensateContext]) error {
	return c.compensate.UseFilter(f)
}

// ReceiveEndpoint configures the receive endpoint name. Configuring the
// same name twice is a configuration error.
func (c *Configurator) ReceiveEndpoint(name string, configure func(e *EndpointConfigurator) error) error {
	c.mu.Lock()
	for _, e := range c.endpoints {
		if e.name == name {
			c.results = append(c.results, pipe.Failuref(endpointKey(name), "configured more than once"))
			c.mu.Unlock()
			return nil
		}
	}
	e := &EndpointConfigurator{
		ConsumePipeConfigurator: newConsumePipeConfigurator(c.naming),
		name:                    name,
		concurrency:             c.concurrency,
	}
	c.endpoints = append(c.endpoints, e)
	observers := append([]*busObserver(nil), c.observers...)
	c.mu.Unlock()

	for _, o := range observers {
		o.disconnects = append(o.disconnects, e.ConnectMessageObserver(o.observer))
	}
	if configure == nil {
		return nil
	}
	return configure(e)
}

// ConnectMessageObserver connects o to every receive endpoint, including
// endpoints configured later. o is notified once per endpoint and message
// type.
func (c *Configurator) ConnectMessageObserver(o MessageConfigurationObserver) Disconnect {
	bo := &busObserver{observer: o}

	c.mu.Lock()
	c.observers = append(c.observers, bo)
	endpoints := append([]*EndpointConfigurator(nil), c.endpoints...)
	c.mu.Unlock()

	for _, e := range endpoints {
		bo.disconnects = append(bo.disconnects, e.ConnectMessageObserver(o))
	}

	return func() {
		c.mu.Lock()
		for i, x := range c.observers {
			if x == bo {
				c.observers = append(c.observers[:i], c.observers[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		for _, d := range bo.disconnects {
			d()
		}
	}
}

// EndpointConfigurator configures a receive endpoint.
type EndpointConfigurator struct {
	*ConsumePipeConfigurator

	name        string
	concurrency int
}

// Name returns the endpoint name.
func (e *EndpointConfigurator) Name() string {
	return e.name
}

// SetConcurrency sets the number of messages processed concurrently by
// the endpoint.
func (e *EndpointConfigurator) SetConcurrency(n int) {
	e.concurrency = n
}

func (e *EndpointConfigurator) validate() []pipe.ValidationResult {
	var results []pipe.ValidationResult
	if e.name == "" {
		results = append(results, pipe.Failuref("name", "must not be empty"))
	}
	if e.concurrency <= 0 {
		results = append(results, pipe.Failuref("concurrency", "must be positive").WithValue(e.concurrency))
	}
	results = append(results, e.Validate()...)
	types := e.MessageTypes()
	if len(types) == 0 {
		results = append(results, pipe.Warningf("messages", "no message types configured"))
	}
	for _, mt := range types {
		results = append(results, pipe.PrefixResults("messages."+mt.Name(), e.Message(mt).validate())...)
	}
	return results
}

// typeOf returns the message type of T named with the configured naming.
func typeOf[T any](naming message.NamingStrategy) message.Type {
	return message.TypeFor(reflect.TypeFor[T](), naming)
}

// validateSegments checks role order across pipe segments that run in
// sequence. Violations inside a single segment are reported by the
// segment itself.
func validateSegments(key string, segments ...[]pipe.Role) []pipe.ValidationResult {
	var all []pipe.Role
	for _, s := range segments {
		if len(pipe.ValidateOrder(s)) > 0 {
			return nil
		}
		all = append(all, s...)
	}
	return pipe.PrefixResults(key, pipe.ValidateOrder(all))
}

func endpointKey(name string) string {
	return fmt.Sprintf("endpoints.%s", name)
}
