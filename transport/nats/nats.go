// Package nats adapts core NATS to the filterbus transport interfaces.
//
// Sends go to the subject "<prefix>.endpoint.<destination>" and publishes
// to "<prefix>.topic.<topic>". A receive endpoint subscribes to its own
// subject and to the subjects of every topic bound to it, all in a queue
// group named after the endpoint, so receivers of one endpoint compete
// for messages while distinct endpoints each get a copy of a publish.
//
// Core NATS has no acknowledgments; a nack is logged and the message is
// dropped. Messages are encoded as structured CloudEvents.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fxsml/filterbus/message"
	"github.com/fxsml/filterbus/transport"
	"github.com/fxsml/filterbus/transport/cloudevents"
)

// Config configures the NATS transport.
type Config struct {
	// URL is the NATS server URL. Ignored when Conn is set.
	// Default: nats.DefaultURL.
	URL string

	// Conn is an existing connection. It is not closed by Close.
	Conn *nats.Conn

	// SubjectPrefix prefixes every subject. Default: "filterbus".
	SubjectPrefix string

	// BufferSize is the channel buffer size per receive endpoint.
	// Default: 256.
	BufferSize int

	// ConnectTimeout is the timeout for the initial connection.
	// Default: 5s.
	ConnectTimeout time.Duration

	// Logger receives connection events and nacks. Default: slog.Default().
	Logger message.Logger
}

func (c Config) parse() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "filterbus"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type receiver struct {
	endpoint string
	ch       chan *nats.Msg
	subs     []*nats.Subscription
}

// Transport sends, publishes and receives over NATS.
type Transport struct {
	cfg  Config
	conn *nats.Conn
	owns bool

	mu        sync.Mutex
	bindings  map[string][]string
	receivers map[*receiver]struct{}
	closed    bool
	done      chan struct{}
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Receiver  = (*Transport)(nil)
	_ transport.Binder    = (*Transport)(nil)
)

// New connects to NATS unless cfg.Conn is set.
func New(cfg Config) (*Transport, error) {
	cfg = cfg.parse()
	t := &Transport{
		cfg:       cfg,
		conn:      cfg.Conn,
		bindings:  make(map[string][]string),
		receivers: make(map[*receiver]struct{}),
		done:      make(chan struct{}),
	}
	if t.conn != nil {
		return t, nil
	}

	conn, err := nats.Connect(
		cfg.URL,
		nats.Name("filterbus"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				cfg.Logger.Warn("FILTERBUS: NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			cfg.Logger.Info("FILTERBUS: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", cfg.URL, err)
	}
	t.conn, t.owns = conn, true
	return t, nil
}

func (t *Transport) endpointSubject(endpoint string) string {
	return t.cfg.SubjectPrefix + ".endpoint." + endpoint
}

func (t *Transport) topicSubject(topic string) string {
	return t.cfg.SubjectPrefix + ".topic." + topic
}

// Send publishes msg to the subject of destination.
func (t *Transport) Send(ctx context.Context, destination string, msg *message.RawMessage) error {
	return t.publish(ctx, t.endpointSubject(destination), msg)
}

// Publish publishes msg to the subject of topic.
func (t *Transport) Publish(ctx context.Context, topic string, msg *message.RawMessage) error {
	return t.publish(ctx, t.topicSubject(topic), msg)
}

func (t *Transport) publish(ctx context.Context, subject string, msg *message.RawMessage) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := cloudevents.Encode(msg)
	if err != nil {
		return err
	}
	if err := t.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats: publish to %s: %w", subject, err)
	}
	return nil
}

// Flush waits until the server processed every published message.
func (t *Transport) Flush(ctx context.Context) error {
	return t.conn.FlushWithContext(ctx)
}

// Bind routes publishes on topic to endpoint. Active receivers of endpoint
// subscribe to the topic immediately.
func (t *Transport) Bind(_ context.Context, topic, endpoint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	for _, e := range t.bindings[topic] {
		if e == endpoint {
			return nil
		}
	}
	t.bindings[topic] = append(t.bindings[topic], endpoint)

	for r := range t.receivers {
		if r.endpoint != endpoint {
			continue
		}
		if err := t.subscribe(r, t.topicSubject(topic)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) subscribe(r *receiver, subject string) error {
	sub, err := t.conn.QueueSubscribeSyncWithChan(subject, r.endpoint, r.ch)
	if err != nil {
		return fmt.Errorf("nats: subscribe %s: %w", subject, err)
	}
	r.subs = append(r.subs, sub)
	return nil
}

// Receive subscribes to endpoint and its bound topics.
func (t *Transport) Receive(ctx context.Context, endpoint string) (<-chan *message.RawMessage, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("nats: endpoint name must not be empty")
	}

	r := &receiver{endpoint: endpoint, ch: make(chan *nats.Msg, t.cfg.BufferSize)}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, transport.ErrClosed
	}
	err := t.subscribe(r, t.endpointSubject(endpoint))
	for topic, endpoints := range t.bindings {
		for _, e := range endpoints {
			if err == nil && e == endpoint {
				err = t.subscribe(r, t.topicSubject(topic))
			}
		}
	}
	if err != nil {
		t.mu.Unlock()
		t.unsubscribe(r)
		return nil, err
	}
	t.receivers[r] = struct{}{}
	t.mu.Unlock()

	t.cfg.Logger.Info("FILTERBUS: NATS receive started", "endpoint", endpoint, "subscriptions", len(r.subs))

	out := make(chan *message.RawMessage, t.cfg.BufferSize)
	go func() {
		defer close(out)
		defer func() {
			t.mu.Lock()
			delete(t.receivers, r)
			t.mu.Unlock()
			t.unsubscribe(r)
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.done:
				return
			case m := <-r.ch:
				raw, err := t.decode(endpoint, m)
				if err != nil {
					t.cfg.Logger.Error("FILTERBUS: NATS message dropped", "endpoint", endpoint, "subject", m.Subject, "error", err)
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-t.done:
					return
				case out <- raw:
				}
			}
		}
	}()
	return out, nil
}

func (t *Transport) decode(endpoint string, m *nats.Msg) (*message.RawMessage, error) {
	raw, err := cloudevents.Decode(m.Data)
	if err != nil {
		return nil, err
	}
	id := raw.Headers.ID()
	nack := func(err error) {
		t.cfg.Logger.Warn("FILTERBUS: NATS message nacked", "endpoint", endpoint, "id", id, "error", err)
	}
	return message.NewWithAcking(raw.Data, raw.Headers, func() {}, nack), nil
}

func (t *Transport) unsubscribe(r *receiver) {
	for _, sub := range r.subs {
		err := sub.Unsubscribe()
		if err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrConnectionDraining) && !errors.Is(err, nats.ErrBadSubscription) {
			t.cfg.Logger.Warn("FILTERBUS: NATS unsubscribe failed", "endpoint", r.endpoint, "error", err)
		}
	}
}

func (t *Transport) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	return nil
}

// Close stops every receive channel and drains the connection if the
// transport created it.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	if !t.owns {
		return nil
	}
	if err := t.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats: drain: %w", err)
	}
	return nil
}
