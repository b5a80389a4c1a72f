// Package redis adapts Redis Streams to the filterbus transport interfaces.
//
// Every receive endpoint is a stream "<prefix>:endpoint:<name>" read by a
// consumer group named after the endpoint. Bindings are stored in the set
// "<prefix>:bindings:<topic>", so every process sharing the Redis instance
// sees them; a publish appends the message to the stream of every bound
// endpoint.
//
// Entries are acknowledged with XACK when the bus acks. Nacked entries
// stay pending in the consumer group.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fxsml/filterbus/message"
	"github.com/fxsml/filterbus/transport"
	"github.com/fxsml/filterbus/transport/cloudevents"
)

const eventField = "event"

// Config configures the Redis transport.
type Config struct {
	// KeyPrefix prefixes every key. Default: "filterbus".
	KeyPrefix string

	// Consumer names this process within consumer groups.
	// Default: a generated ID.
	Consumer string

	// MaxLen caps stream length, approximately. Zero keeps every entry.
	MaxLen int64

	// Block is how long a read waits for new entries. Default: 1s.
	Block time.Duration

	// Count is the maximum number of entries per read. Default: 10.
	Count int64

	// BufferSize is the channel buffer size per receive endpoint.
	// Default: 256.
	BufferSize int

	// Logger receives read and acknowledgment failures.
	// Default: slog.Default().
	Logger message.Logger
}

func (c Config) parse() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "filterbus"
	}
	if c.Consumer == "" {
		c.Consumer = "consumer-" + message.NewID()
	}
	if c.Block <= 0 {
		c.Block = time.Second
	}
	if c.Count <= 0 {
		c.Count = 10
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Transport sends, publishes and receives over Redis Streams.
type Transport struct {
	cfg    Config
	client redis.UniversalClient

	mu     sync.Mutex
	closed bool
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Receiver  = (*Transport)(nil)
	_ transport.Binder    = (*Transport)(nil)
)

// New creates a transport on client. The client is not closed by Close.
func New(client redis.UniversalClient, cfg Config) *Transport {
	return &Transport{cfg: cfg.parse(), client: client}
}

// Stream returns the stream key of a receive endpoint.
func (t *Transport) Stream(endpoint string) string {
	return t.cfg.KeyPrefix + ":endpoint:" + endpoint
}

func (t *Transport) bindingsKey(topic string) string {
	return t.cfg.KeyPrefix + ":bindings:" + topic
}

// Send appends msg to the stream of destination.
func (t *Transport) Send(ctx context.Context, destination string, msg *message.RawMessage) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	data, err := cloudevents.Encode(msg)
	if err != nil {
		return err
	}
	return t.add(ctx, t.client, destination, data)
}

// Publish appends msg to the stream of every endpoint bound to topic in a
// single transaction.
func (t *Transport) Publish(ctx context.Context, topic string, msg *message.RawMessage) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	endpoints, err := t.client.SMembers(ctx, t.bindingsKey(topic)).Result()
	if err != nil {
		return fmt.Errorf("redis: bindings of %s: %w", topic, err)
	}
	if len(endpoints) == 0 {
		return nil
	}
	data, err := cloudevents.Encode(msg)
	if err != nil {
		return err
	}
	_, err = t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, endpoint := range endpoints {
			if err := t.add(ctx, p, endpoint, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: publish %s: %w", topic, err)
	}
	return nil
}

func (t *Transport) add(ctx context.Context, c redis.Cmdable, endpoint string, data []byte) error {
	args := &redis.XAddArgs{
		Stream: t.Stream(endpoint),
		Values: map[string]any{eventField: data},
	}
	if t.cfg.MaxLen > 0 {
		args.MaxLen = t.cfg.MaxLen
		args.Approx = true
	}
	if err := c.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: append to %s: %w", args.Stream, err)
	}
	return nil
}

// Bind routes publishes on topic to endpoint.
func (t *Transport) Bind(ctx context.Context, topic, endpoint string) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := t.client.SAdd(ctx, t.bindingsKey(topic), endpoint).Err(); err != nil {
		return fmt.Errorf("redis: bind %s to %s: %w", endpoint, topic, err)
	}
	return nil
}

// Receive reads the stream of endpoint in the consumer group endpoint. The
// group is created when missing.
func (t *Transport) Receive(ctx context.Context, endpoint string) (<-chan *message.RawMessage, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("redis: endpoint name must not be empty")
	}
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	stream := t.Stream(endpoint)
	err := t.client.XGroupCreateMkStream(ctx, stream, endpoint, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("redis: create group %s: %w", endpoint, err)
	}

	out := make(chan *message.RawMessage, t.cfg.BufferSize)
	go func() {
		defer close(out)
		for {
			if ctx.Err() != nil || t.checkOpen() != nil {
				return
			}
			streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    endpoint,
				Consumer: t.cfg.Consumer,
				Streams:  []string{stream, ">"},
				Count:    t.cfg.Count,
				Block:    t.cfg.Block,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
					return
				}
				t.cfg.Logger.Error("FILTERBUS: Redis read failed", "endpoint", endpoint, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(t.cfg.Block):
				}
				continue
			}
			for _, s := range streams {
				for _, entry := range s.Messages {
					msg, err := t.decode(endpoint, stream, entry)
					if err != nil {
						t.cfg.Logger.Error("FILTERBUS: Redis entry skipped", "endpoint", endpoint, "entry", entry.ID, "error", err)
						t.ack(endpoint, stream, entry.ID)
						continue
					}
					select {
					case <-ctx.Done():
						return
					case out <- msg:
					}
				}
			}
		}
	}()
	return out, nil
}

func (t *Transport) decode(endpoint, stream string, entry redis.XMessage) (*message.RawMessage, error) {
	v, ok := entry.Values[eventField].(string)
	if !ok {
		return nil, fmt.Errorf("redis: entry has no %q field", eventField)
	}
	raw, err := cloudevents.Decode([]byte(v))
	if err != nil {
		return nil, err
	}
	ack := func() { t.ack(endpoint, stream, entry.ID) }
	nack := func(cause error) {
		t.cfg.Logger.Warn("FILTERBUS: Redis entry nacked", "endpoint", endpoint, "entry", entry.ID, "error", cause)
	}
	return message.NewWithAcking(raw.Data, raw.Headers, ack, nack), nil
}

func (t *Transport) ack(endpoint, stream, id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.client.XAck(ctx, stream, endpoint, id).Err(); err != nil {
		t.cfg.Logger.Error("FILTERBUS: Redis ack failed", "endpoint", endpoint, "entry", id, "error", err)
	}
}

// Pending returns the number of delivered but unacknowledged entries of
// endpoint.
func (t *Transport) Pending(ctx context.Context, endpoint string) (int64, error) {
	p, err := t.client.XPending(ctx, t.Stream(endpoint), endpoint).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: pending of %s: %w", endpoint, err)
	}
	return p.Count, nil
}

func (t *Transport) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrClosed
	}
	return nil
}

// Close stops every receive loop after its current read.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
