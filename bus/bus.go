package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fxsml/filterbus/message"
	"github.com/fxsml/filterbus/pipe"
	"github.com/fxsml/filterbus/probe"
	"github.com/fxsml/filterbus/transport"
)

var (
	// ErrNoHandler is returned when a consumed message type has no pipe on
	// the receiving endpoint.
	ErrNoHandler = errors.New("bus: no handler for message type")

	// ErrUnknownEndpoint is returned when consuming on an endpoint that was
	// not configured.
	ErrUnknownEndpoint = errors.New("bus: unknown endpoint")

	// ErrUnknownActivity is returned when executing or compensating an
	// activity that was not registered.
	ErrUnknownActivity = errors.New("bus: unknown activity")

	// ErrInvalidArguments is returned when activity arguments or logs have
	// the wrong type.
	ErrInvalidArguments = errors.New("bus: invalid activity arguments")
)

// Config configures a Bus.
type Config struct {
	// Name identifies the bus in probes and logs. Default: "filterbus".
	Name string
	// Source is stamped on outbound messages. Default: "/" + Name.
	Source string
	// Marshaler encodes outbound and decodes inbound data.
	// Default: message.JSONMarshaler.
	Marshaler message.Marshaler
	// Naming derives message type names. Default: message.KebabNaming.
	Naming message.NamingStrategy
	// Transport receives encoded sends and publishes.
	// Default: an in-memory transport.
	Transport transport.Transport
	// Concurrency is the default number of messages processed concurrently
	// per receive endpoint. Default: runtime.NumCPU().
	Concurrency int
	// Logger receives consume faults and receive loop events.
	// Default: slog.Default().
	Logger message.Logger
}

func (c Config) parse() Config {
	if c.Name == "" {
		c.Name = "filterbus"
	}
	if c.Source == "" {
		c.Source = "/" + c.Name
	}
	if c.Marshaler == nil {
		c.Marshaler = message.NewJSONMarshaler()
	}
	if c.Naming == nil {
		c.Naming = message.KebabNaming
	}
	if c.Transport == nil {
		c.Transport = transport.NewMemory(transport.MemoryConfig{})
	}
	if c.Concurrency <= 0 {
		c.Concurrency = runtime.NumCPU()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type endpoint struct {
	name        string
	concurrency int
	types       map[string]message.Type
	order       []message.Type
	pipe        pipe.Pipe[*ConsumeContext]
}

// Bus executes the pipes built at configuration time.
type Bus struct {
	cfg Config

	consume    pipe.Pipe[*ConsumeContext]
	send       pipe.Pipe[*SendContext]
	publish    pipe.Pipe[*PublishContext]
	execute    pipe.Pipe[*ExecuteContext]
	compensate pipe.Pipe[*CompensateContext]

	endpoints     map[string]*endpoint
	endpointOrder []string
	activities    map[string]*activityBinding
}

// New configures and builds a bus. Every pipe is validated before any is
// built; all failures are returned together as a *pipe.ConfigurationError
// whose keys name the pipe they belong to.
func New(cfg Config, configure func(c *Configurator) error) (*Bus, error) {
	cfg = cfg.parse()
	c := newConfigurator(cfg.Naming, cfg.Concurrency)
	if configure != nil {
		if err := configure(c); err != nil {
			return nil, err
		}
	}

	if err := pipe.NewConfigurationError(c.validate()); err != nil {
		return nil, err
	}

	b := &Bus{
		cfg:        cfg,
		endpoints:  make(map[string]*endpoint),
		activities: make(map[string]*activityBinding),
	}
	if err := b.build(c); err != nil {
		return nil, err
	}
	return b, nil
}

func (c *Configurator) validate() []pipe.ValidationResult {
	c.mu.Lock()
	results := append([]pipe.ValidationResult(nil), c.results...)
	endpoints := append([]*EndpointConfigurator(nil), c.endpoints...)
	c.mu.Unlock()

	results = append(results, pipe.PrefixResults("consume", c.consume.Validate())...)
	results = append(results, pipe.PrefixResults("send", c.send.Validate())...)
	results = append(results, pipe.PrefixResults("publish", c.publish.Validate())...)
	results = append(results, pipe.PrefixResults("execute", c.execute.Validate())...)
	results = append(results, pipe.PrefixResults("compensate", c.compensate.Validate())...)

	busRoles := c.consume.Roles()
	for _, e := range endpoints {
		key := endpointKey(e.name)
		results = append(results, pipe.PrefixResults(key, e.validate())...)
		for _, mt := range e.MessageTypes() {
			results = append(results, validateSegments(key+".messages."+mt.Name(),
				busRoles, e.Roles(), e.Message(mt).Roles())...)
		}
	}
	return results
}

func (b *Bus) build(c *Configurator) error {
	var err error
	for _, e := range c.endpoints {
		ep := &endpoint{
			name:        e.name,
			concurrency: e.concurrency,
			types:       make(map[string]message.Type),
		}
		d := &dispatch{pipes: make(map[message.Type]pipe.Pipe[*ConsumeContext])}
		for _, mt := range e.MessageTypes() {
			mp, err := e.Message(mt).build()
			if err != nil {
				return fmt.Errorf("build %s message %s: %w", e.name, mt.Name(), err)
			}
			d.pipes[mt] = mp
			d.order = append(d.order, mt)
			ep.types[mt.Name()] = mt
			ep.order = append(ep.order, mt)
		}
		if ep.pipe, err = e.Build(d); err != nil {
			return fmt.Errorf("build endpoint %s: %w", e.name, err)
		}
		b.endpoints[e.name] = ep
		b.endpointOrder = append(b.endpointOrder, e.name)
	}

	order := make([]string, 0, len(c.activities))
	for _, a := range c.activities {
		b.activities[a.name] = a
		order = append(order, a.name)
	}

	if b.consume, err = c.consume.Build(&endpointDispatch{bus: b}); err != nil {
		return fmt.Errorf("build consume pipe: %w", err)
	}
	if b.send, err = c.send.Build(&sendTransport{bus: b}); err != nil {
		return fmt.Errorf("build send pipe: %w", err)
	}
	if b.publish, err = c.publish.Build(&publishTransport{bus: b}); err != nil {
		return fmt.Errorf("build publish pipe: %w", err)
	}
	if b.execute, err = c.execute.Build(&executeDispatch{activities: b.activities, order: order}); err != nil {
		return fmt.Errorf("build execute pipe: %w", err)
	}
	if b.compensate, err = c.compensate.Build(&compensateDispatch{activities: b.activities}); err != nil {
		return fmt.Errorf("build compensate pipe: %w", err)
	}
	return nil
}

// Endpoints returns the bus endpoints used for outbound operations.
func (b *Bus) Endpoints() Endpoints {
	return busEndpoints{bus: b}
}

// Consume runs msg through the consume pipe of endpoint. The message type
// is derived from the Go type of msg.Data.
func (b *Bus) Consume(ctx context.Context, endpoint string, msg *message.Message) error {
	mt := message.TypeOfValue(msg.Data, b.cfg.Naming)
	return b.consumeAs(ctx, endpoint, msg, mt, nil)
}

func (b *Bus) consumeAs(ctx context.Context, endpoint string, msg *message.Message, mt message.Type, raw *message.RawMessage) error {
	if _, ok := b.endpoints[endpoint]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}
	c := b.newConsumeContext(ctx, endpoint, msg, mt)
	c.Raw = raw
	start := time.Now()
	err := b.consume.Send(c)
	if err != nil {
		b.cfg.Logger.Error("FILTERBUS: Message consume faulted",
			slog.String("endpoint", endpoint),
			slog.String("type", mt.Name()),
			slog.String("id", msg.Headers.ID()),
			slog.Duration("duration", time.Since(start)),
			slog.Any("error", err))
	}
	return err
}

func (b *Bus) newConsumeContext(ctx context.Context, endpoint string, msg *message.Message, mt message.Type) *ConsumeContext {
	c := NewConsumeContext(ctx, endpoint, msg, mt, b.Endpoints())
	c.Source = b.cfg.Source
	return c
}

// Deliver decodes raw by its type header, consumes it on endpoint, and
// acks on success or nacks on failure.
func (b *Bus) Deliver(ctx context.Context, endpoint string, raw *message.RawMessage) error {
	err := b.deliver(ctx, endpoint, raw)
	if err != nil {
		raw.Nack(err)
		return err
	}
	raw.Ack()
	return nil
}

func (b *Bus) deliver(ctx context.Context, endpoint string, raw *message.RawMessage) error {
	ep, ok := b.endpoints[endpoint]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}
	mt, ok := ep.types[raw.Headers.Type()]
	if !ok {
		return fmt.Errorf("%w: %q on %s", ErrNoHandler, raw.Headers.Type(), endpoint)
	}
	msg, err := message.Decode(b.cfg.Marshaler, mt, raw)
	if err != nil {
		return err
	}
	return b.consumeAs(ctx, endpoint, msg, mt, raw)
}

// Send runs data through the send pipe to destination.
func (b *Bus) Send(ctx context.Context, destination string, data any) error {
	source := pipe.NewBaseContext(ctx, nil)
	return b.Endpoints().Send(source, destination, b.outgoing(data))
}

// Publish runs data through the publish pipe.
func (b *Bus) Publish(ctx context.Context, data any) error {
	source := pipe.NewBaseContext(ctx, nil)
	return b.Endpoints().Publish(source, b.outgoing(data))
}

func (b *Bus) outgoing(data any) *message.Message {
	return message.New(data, message.Headers{
		message.HeaderID:     message.DefaultIDGenerator(),
		message.HeaderSource: b.cfg.Source,
		message.HeaderTime:   time.Now().UTC(),
	})
}

// Execute runs the execute pipe for activity and returns the compensation
// log the activity recorded.
func (b *Bus) Execute(ctx context.Context, activity string, args any) (any, error) {
	c := &ExecuteContext{
		ConsumeContext: b.newConsumeContext(ctx, activity, b.outgoing(args), message.TypeOfValue(args, b.cfg.Naming)),
		Activity:       activity,
	}
	if err := b.execute.Send(c); err != nil {
		return nil, err
	}
	log, _ := c.Log()
	return log, nil
}

// Compensate runs the compensate pipe for activity with log.
func (b *Bus) Compensate(ctx context.Context, activity string, log any) error {
	c := &CompensateContext{
		ConsumeContext: b.newConsumeContext(ctx, activity, b.outgoing(log), message.TypeOfValue(log, b.cfg.Naming)),
		Activity:       activity,
	}
	return b.compensate.Send(c)
}

// Run receives from every endpoint until ctx is done. Each endpoint
// processes up to its concurrency limit of messages at a time. Published
// message types are bound to the endpoints consuming them when receiver
// implements transport.Binder.
func (b *Bus) Run(ctx context.Context, receiver transport.Receiver) error {
	binder, _ := receiver.(transport.Binder)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	channels := make([]<-chan *message.RawMessage, len(b.endpointOrder))
	for i, name := range b.endpointOrder {
		ep := b.endpoints[name]
		if binder != nil {
			for _, mt := range ep.order {
				if err := binder.Bind(ctx, mt.Name(), ep.name); err != nil {
					return fmt.Errorf("bind %s to %s: %w", mt.Name(), ep.name, err)
				}
			}
		}
		ch, err := receiver.Receive(ctx, ep.name)
		if err != nil {
			return fmt.Errorf("receive %s: %w", ep.name, err)
		}
		channels[i] = ch
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range b.endpointOrder {
		ep, ch := b.endpoints[name], channels[i]
		g.Go(func() error {
			return b.receive(gctx, ep, ch)
		})
	}

	b.cfg.Logger.Info("FILTERBUS: Bus started",
		slog.String("bus", b.cfg.Name),
		slog.Int("endpoints", len(b.endpointOrder)))
	err := g.Wait()
	b.cfg.Logger.Info("FILTERBUS: Bus stopped", slog.String("bus", b.cfg.Name))
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *Bus) receive(ctx context.Context, ep *endpoint, ch <-chan *message.RawMessage) error {
	var g errgroup.Group
	g.SetLimit(ep.concurrency)
	for raw := range ch {
		g.Go(func() error {
			// faults are settled on the message and logged
			_ = b.Deliver(ctx, ep.name, raw)
			return nil
		})
	}
	return g.Wait()
}

// Probe reports the structure and counters of every pipe.
func (b *Bus) Probe(ctx probe.Context) {
	ctx.Add("bus", b.cfg.Name)
	ctx.Add("concurrency", b.cfg.Concurrency)
	b.consume.Probe(ctx.CreateScope("consume"))
	b.send.Probe(ctx.CreateScope("send"))
	b.publish.Probe(ctx.CreateScope("publish"))
	b.execute.Probe(ctx.CreateScope("execute"))
	b.compensate.Probe(ctx.CreateScope("compensate"))
}

// endpointDispatch terminates the bus-wide consume pipe and routes to the
// pipe of the receiving endpoint.
type endpointDispatch struct {
	bus *Bus
}

func (d *endpointDispatch) Send(c *ConsumeContext, next pipe.Pipe[*ConsumeContext]) error {
	ep, ok := d.bus.endpoints[c.EndpointName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, c.EndpointName)
	}
	if err := ep.pipe.Send(c); err != nil {
		return err
	}
	return next.Send(c)
}

func (d *endpointDispatch) Probe(ctx probe.Context) {
	s := probe.FilterScope(ctx, "endpoints")
	for _, name := range d.bus.endpointOrder {
		ep := d.bus.endpoints[name]
		es := s.CreateScope("endpoint")
		es.Add("name", ep.name)
		es.Add("concurrency", ep.concurrency)
		ep.pipe.Probe(es)
	}
}

type busEndpoints struct {
	bus *Bus
}

func (e busEndpoints) Send(source pipe.Context, destination string, msg *message.Message) error {
	mt := message.TypeOfValue(msg.Data, e.bus.cfg.Naming)
	return e.bus.send.Send(NewSendContext(source, destination, msg, mt))
}

func (e busEndpoints) Publish(source pipe.Context, msg *message.Message) error {
	mt := message.TypeOfValue(msg.Data, e.bus.cfg.Naming)
	return e.bus.publish.Send(NewPublishContext(source, mt.Name(), msg, mt))
}

// sendTransport terminates the send pipe by encoding the message and
// handing it to the transport.
type sendTransport struct {
	bus *Bus
}

func (t *sendTransport) Send(c *SendContext, next pipe.Pipe[*SendContext]) error {
	raw, err := message.Encode(t.bus.cfg.Marshaler, c.MessageType, c.Message)
	if err != nil {
		return err
	}
	raw.Headers[message.HeaderDestination] = c.Destination
	if err := t.bus.cfg.Transport.Send(c.Context(), c.Destination, raw); err != nil {
		return fmt.Errorf("send to %s: %w", c.Destination, err)
	}
	return next.Send(c)
}

func (t *sendTransport) Probe(ctx probe.Context) {
	probe.FilterScope(ctx, "transport").Add("transportType", fmt.Sprintf("%T", t.bus.cfg.Transport))
}

type publishTransport struct {
	bus *Bus
}

func (t *publishTransport) Send(c *PublishContext, next pipe.Pipe[*PublishContext]) error {
	raw, err := message.Encode(t.bus.cfg.Marshaler, c.MessageType, c.Message)
	if err != nil {
		return err
	}
	if err := t.bus.cfg.Transport.Publish(c.Context(), c.Topic, raw); err != nil {
		return fmt.Errorf("publish %s: %w", c.Topic, err)
	}
	return next.Send(c)
}

func (t *publishTransport) Probe(ctx probe.Context) {
	probe.FilterScope(ctx, "transport").Add("transportType", fmt.Sprintf("%T", t.bus.cfg.Transport))
}
