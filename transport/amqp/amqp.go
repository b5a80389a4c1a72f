// Package amqp adapts RabbitMQ to the filterbus transport interfaces.
//
// Every receive endpoint is a durable queue of the same name. Sends use
// the default exchange with the endpoint as routing key, publishes use a
// topic exchange with the topic as routing key. Bind declares the
// endpoint queue and binds it to the topic.
//
// Deliveries are acknowledged when the bus acks and negatively
// acknowledged, optionally with requeue, when it nacks.
package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fxsml/filterbus/message"
	"github.com/fxsml/filterbus/transport"
	"github.com/fxsml/filterbus/transport/cloudevents"
)

// Channel is the subset of *amqp.Channel the transport uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// Config configures the AMQP transport.
type Config struct {
	// Exchange is the topic exchange publishes go to. Default: "filterbus".
	Exchange string

	// Durable declares durable exchanges and queues. Default: true.
	Durable *bool

	// PrefetchCount limits unacknowledged deliveries per endpoint.
	// Default: 10.
	PrefetchCount int

	// Requeue requeues nacked deliveries instead of dead-lettering them.
	Requeue bool

	// BufferSize is the channel buffer size per receive endpoint.
	// Default: 256.
	BufferSize int

	// Logger receives delivery and acknowledgment failures.
	// Default: slog.Default().
	Logger message.Logger
}

func (c Config) parse() Config {
	if c.Exchange == "" {
		c.Exchange = "filterbus"
	}
	if c.Durable == nil {
		durable := true
		c.Durable = &durable
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 10
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Transport sends, publishes and receives over AMQP 0-9-1.
type Transport struct {
	cfg  Config
	ch   Channel
	conn *amqp.Connection

	mu       sync.Mutex
	declared map[string]struct{}
	closed   bool
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Receiver  = (*Transport)(nil)
	_ transport.Binder    = (*Transport)(nil)
)

// Dial connects to url and creates a transport owning the connection.
func Dial(url string, cfg Config) (*Transport, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp: open channel: %w", err)
	}
	t, err := New(ch, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	t.conn = conn
	return t, nil
}

// New creates a transport on ch and declares the publish exchange.
func New(ch Channel, cfg Config) (*Transport, error) {
	cfg = cfg.parse()
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, *cfg.Durable, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("amqp: declare exchange %s: %w", cfg.Exchange, err)
	}
	return &Transport{
		cfg:      cfg,
		ch:       ch,
		declared: make(map[string]struct{}),
	}, nil
}

// Send routes msg to the queue of destination.
func (t *Transport) Send(ctx context.Context, destination string, msg *message.RawMessage) error {
	return t.publish(ctx, "", destination, msg)
}

// Publish routes msg through the topic exchange.
func (t *Transport) Publish(ctx context.Context, topic string, msg *message.RawMessage) error {
	return t.publish(ctx, t.cfg.Exchange, topic, msg)
}

func (t *Transport) publish(ctx context.Context, exchange, key string, msg *message.RawMessage) error {
	if t.isClosed() {
		return transport.ErrClosed
	}
	body, err := cloudevents.Encode(msg)
	if err != nil {
		return err
	}

	p := amqp.Publishing{
		ContentType:  cloudevents.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.Headers.ID(),
		Type:         msg.Headers.Type(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	if id, ok := msg.Headers.CorrelationID(); ok {
		p.CorrelationId = id
	}
	if err := t.ch.PublishWithContext(ctx, exchange, key, false, false, p); err != nil {
		return fmt.Errorf("amqp: publish to %s/%s: %w", exchange, key, err)
	}
	return nil
}

func (t *Transport) declareQueue(endpoint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	if _, ok := t.declared[endpoint]; ok {
		return nil
	}
	if _, err := t.ch.QueueDeclare(endpoint, *t.cfg.Durable, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp: declare queue %s: %w", endpoint, err)
	}
	t.declared[endpoint] = struct{}{}
	return nil
}

// Bind binds the queue of endpoint to topic.
func (t *Transport) Bind(_ context.Context, topic, endpoint string) error {
	if err := t.declareQueue(endpoint); err != nil {
		return err
	}
	if err := t.ch.QueueBind(endpoint, topic, t.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("amqp: bind %s to %s: %w", endpoint, topic, err)
	}
	return nil
}

// Receive consumes the queue of endpoint.
func (t *Transport) Receive(ctx context.Context, endpoint string) (<-chan *message.RawMessage, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("amqp: endpoint name must not be empty")
	}
	if err := t.declareQueue(endpoint); err != nil {
		return nil, err
	}
	if err := t.ch.Qos(t.cfg.PrefetchCount, 0, false); err != nil {
		return nil, fmt.Errorf("amqp: qos: %w", err)
	}
	deliveries, err := t.ch.Consume(endpoint, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("amqp: consume %s: %w", endpoint, err)
	}

	out := make(chan *message.RawMessage, t.cfg.BufferSize)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				raw, err := t.decode(endpoint, d)
				if err != nil {
					t.cfg.Logger.Error("FILTERBUS: AMQP delivery rejected", "endpoint", endpoint, "tag", d.DeliveryTag, "error", err)
					_ = d.Reject(false)
					continue
				}
				select {
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				case out <- raw:
				}
			}
		}
	}()
	return out, nil
}

func (t *Transport) decode(endpoint string, d amqp.Delivery) (*message.RawMessage, error) {
	raw, err := cloudevents.Decode(d.Body)
	if err != nil {
		return nil, err
	}
	ack := func() {
		if err := d.Ack(false); err != nil {
			t.cfg.Logger.Error("FILTERBUS: AMQP ack failed", "endpoint", endpoint, "tag", d.DeliveryTag, "error", err)
		}
	}
	nack := func(cause error) {
		t.cfg.Logger.Warn("FILTERBUS: AMQP delivery nacked", "endpoint", endpoint, "tag", d.DeliveryTag, "requeue", t.cfg.Requeue, "error", cause)
		if err := d.Nack(false, t.cfg.Requeue); err != nil {
			t.cfg.Logger.Error("FILTERBUS: AMQP nack failed", "endpoint", endpoint, "tag", d.DeliveryTag, "error", err)
		}
	}
	return message.NewWithAcking(raw.Data, raw.Headers, ack, nack), nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close closes the channel, and the connection when created by Dial.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	err := t.ch.Close()
	if t.conn != nil {
		if cerr := t.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
