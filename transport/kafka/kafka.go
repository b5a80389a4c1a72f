// Package kafka adapts Kafka to the filterbus transport interfaces.
//
// Sends go to the topic "<prefix>.endpoint.<destination>" and publishes to
// "<prefix>.topic.<topic>". A receive endpoint reads its own topic and every
// topic bound to it in a consumer group named after the endpoint.
//
// Offsets are committed when the bus acks. A nacked message is not
// committed and is redelivered after a rebalance or restart.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fxsml/filterbus/message"
	"github.com/fxsml/filterbus/transport"
	"github.com/fxsml/filterbus/transport/cloudevents"
)

// Writer is the subset of *kafka.Writer the transport uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reader is the subset of *kafka.Reader the transport uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var (
	_ Writer = (*kafka.Writer)(nil)
	_ Reader = (*kafka.Reader)(nil)
)

// Config configures the Kafka transport.
type Config struct {
	// Brokers are the bootstrap broker addresses.
	Brokers []string

	// TopicPrefix prefixes every topic. Default: "filterbus".
	TopicPrefix string

	// Writer overrides the writer built from Brokers.
	Writer Writer

	// NewReader overrides the reader built from Brokers. It receives the
	// consumer group and topics of a receive endpoint.
	NewReader func(group string, topics []string) Reader

	// BatchTimeout bounds how long the default writer waits to fill a
	// batch. Default: 10ms.
	BatchTimeout time.Duration

	// BufferSize is the channel buffer size per receive endpoint.
	// Default: 256.
	BufferSize int

	// RetryBackoff is the pause after a failed fetch. Default: 1s.
	RetryBackoff time.Duration

	// Logger receives fetch and commit failures. Default: slog.Default().
	Logger message.Logger
}

func (c Config) parse() Config {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "filterbus"
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 10 * time.Millisecond
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Writer == nil {
		c.Writer = &kafka.Writer{
			Addr:                   kafka.TCP(c.Brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           c.BatchTimeout,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		}
	}
	if c.NewReader == nil {
		brokers := c.Brokers
		c.NewReader = func(group string, topics []string) Reader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:     brokers,
				GroupID:     group,
				GroupTopics: topics,
				StartOffset: kafka.FirstOffset,
				MaxWait:     time.Second,
			})
		}
	}
	return c
}

// Transport sends, publishes and receives over Kafka.
type Transport struct {
	cfg Config

	mu       sync.Mutex
	bindings map[string][]string
	readers  []Reader
	closed   bool
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Receiver  = (*Transport)(nil)
	_ transport.Binder    = (*Transport)(nil)
)

// New creates a Kafka transport. Brokers is required unless both Writer
// and NewReader are set.
func New(cfg Config) (*Transport, error) {
	if len(cfg.Brokers) == 0 && (cfg.Writer == nil || cfg.NewReader == nil) {
		return nil, errors.New("kafka: brokers must not be empty")
	}
	return &Transport{
		cfg:      cfg.parse(),
		bindings: make(map[string][]string),
	}, nil
}

// EndpointTopic returns the Kafka topic of a receive endpoint.
func (t *Transport) EndpointTopic(endpoint string) string {
	return t.cfg.TopicPrefix + ".endpoint." + endpoint
}

// PublishTopic returns the Kafka topic of a publish topic.
func (t *Transport) PublishTopic(topic string) string {
	return t.cfg.TopicPrefix + ".topic." + topic
}

// Send writes msg to the topic of destination.
func (t *Transport) Send(ctx context.Context, destination string, msg *message.RawMessage) error {
	return t.write(ctx, t.EndpointTopic(destination), msg)
}

// Publish writes msg to the topic of topic.
func (t *Transport) Publish(ctx context.Context, topic string, msg *message.RawMessage) error {
	return t.write(ctx, t.PublishTopic(topic), msg)
}

func (t *Transport) write(ctx context.Context, topic string, msg *message.RawMessage) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	value, err := cloudevents.Encode(msg)
	if err != nil {
		return err
	}
	// messages of one conversation share a partition
	key, ok := msg.Headers.CorrelationID()
	if !ok {
		key = msg.Headers.ID()
	}
	km := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte(cloudevents.ContentType)},
		},
	}
	if err := t.cfg.Writer.WriteMessages(ctx, km); err != nil {
		return fmt.Errorf("kafka: write to %s: %w", topic, err)
	}
	return nil
}

// Bind routes publishes on topic to endpoint. Bindings take effect for
// receives started afterwards.
func (t *Transport) Bind(_ context.Context, topic, endpoint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	for _, e := range t.bindings[endpoint] {
		if e == topic {
			return nil
		}
	}
	t.bindings[endpoint] = append(t.bindings[endpoint], topic)
	return nil
}

// Receive reads the topics of endpoint in the consumer group endpoint.
func (t *Transport) Receive(ctx context.Context, endpoint string) (<-chan *message.RawMessage, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("kafka: endpoint name must not be empty")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, transport.ErrClosed
	}
	topics := []string{t.EndpointTopic(endpoint)}
	for _, topic := range t.bindings[endpoint] {
		topics = append(topics, t.PublishTopic(topic))
	}
	reader := t.cfg.NewReader(endpoint, topics)
	t.readers = append(t.readers, reader)
	t.mu.Unlock()

	out := make(chan *message.RawMessage, t.cfg.BufferSize)
	go func() {
		defer close(out)
		for {
			km, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					return
				}
				t.cfg.Logger.Error("FILTERBUS: Kafka fetch failed", "endpoint", endpoint, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(t.cfg.RetryBackoff):
				}
				continue
			}
			raw, err := cloudevents.Decode(km.Value)
			if err != nil {
				t.cfg.Logger.Error("FILTERBUS: Kafka message skipped", "endpoint", endpoint,
					"topic", km.Topic, "partition", km.Partition, "offset", km.Offset, "error", err)
				t.commit(reader, endpoint, km)
				continue
			}
			msg := message.NewWithAcking(raw.Data, raw.Headers,
				func() { t.commit(reader, endpoint, km) },
				func(cause error) {
					t.cfg.Logger.Warn("FILTERBUS: Kafka message nacked", "endpoint", endpoint,
						"topic", km.Topic, "partition", km.Partition, "offset", km.Offset, "error", cause)
				})
			select {
			case <-ctx.Done():
				return
			case out <- msg:
			}
		}
	}()
	return out, nil
}

func (t *Transport) commit(reader Reader, endpoint string, km kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := reader.CommitMessages(ctx, km); err != nil {
		t.cfg.Logger.Error("FILTERBUS: Kafka commit failed", "endpoint", endpoint,
			"topic", km.Topic, "partition", km.Partition, "offset", km.Offset, "error", err)
	}
}

// Close closes the writer and every reader.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	readers := t.readers
	t.readers = nil
	t.mu.Unlock()

	errs := []error{t.cfg.Writer.Close()}
	for _, r := range readers {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}
