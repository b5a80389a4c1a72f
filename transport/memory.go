package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxsml/filterbus/message"
)

// ErrSendTimeout is returned when a memory send times out.
var ErrSendTimeout = errors.New("transport: send timeout")

// MemoryConfig configures the in-process transport.
type MemoryConfig struct {
	// BufferSize is the channel buffer size per receive endpoint.
	// Default: 100.
	BufferSize int

	// SendTimeout is the maximum duration for delivering to one endpoint.
	// Zero means no timeout.
	SendTimeout time.Duration
}

func (c MemoryConfig) parse() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
	return c
}

// Record is an operation observed by a Memory transport.
type Record struct {
	Kind        string
	Destination string
	Message     *message.RawMessage
}

type subscription struct {
	id       uint64
	endpoint string
	ch       chan *message.RawMessage
}

// Memory is an in-process transport using Go channels. It records every
// send and publish in order.
type Memory struct {
	cfg MemoryConfig

	mu       sync.RWMutex
	subs     map[uint64]*subscription
	bindings map[string]map[string]struct{}
	records  []Record
	nextID   uint64
	closed   bool
	done     chan struct{}
}

var (
	_ Transport = (*Memory)(nil)
	_ Receiver  = (*Memory)(nil)
	_ Binder    = (*Memory)(nil)
)

// NewMemory creates an in-process transport.
func NewMemory(cfg MemoryConfig) *Memory {
	return &Memory{
		cfg:      cfg.parse(),
		subs:     make(map[uint64]*subscription),
		bindings: make(map[string]map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// Send delivers msg to every receiver of destination.
func (m *Memory) Send(ctx context.Context, destination string, msg *message.RawMessage) error {
	targets, err := m.record("send", destination, msg, func() map[string]struct{} {
		return map[string]struct{}{destination: {}}
	})
	if err != nil {
		return err
	}
	return m.deliver(ctx, targets, msg)
}

// Publish delivers msg to every endpoint bound to topic.
func (m *Memory) Publish(ctx context.Context, topic string, msg *message.RawMessage) error {
	targets, err := m.record("publish", topic, msg, func() map[string]struct{} {
		return m.bindings[topic]
	})
	if err != nil {
		return err
	}
	return m.deliver(ctx, targets, msg)
}

func (m *Memory) record(kind, destination string, msg *message.RawMessage, endpoints func() map[string]struct{}) ([]*subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.records = append(m.records, Record{Kind: kind, Destination: destination, Message: msg})

	names := endpoints()
	var targets []*subscription
	for _, sub := range m.subs {
		if _, ok := names[sub.endpoint]; ok {
			targets = append(targets, sub)
		}
	}
	return targets, nil
}

func (m *Memory) deliver(ctx context.Context, targets []*subscription, msg *message.RawMessage) error {
	if m.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.SendTimeout)
		defer cancel()
	}
	for _, sub := range targets {
		// every endpoint settles its own copy
		copied := message.New(msg.Data, msg.Headers.Clone())
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrSendTimeout
			}
			return ctx.Err()
		case <-m.done:
			return ErrClosed
		case sub.ch <- copied:
		}
	}
	return nil
}

// Bind routes publishes on topic to endpoint.
func (m *Memory) Bind(_ context.Context, topic, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.bindings[topic] == nil {
		m.bindings[topic] = make(map[string]struct{})
	}
	m.bindings[topic][endpoint] = struct{}{}
	return nil
}

// Receive subscribes to endpoint.
func (m *Memory) Receive(ctx context.Context, endpoint string) (<-chan *message.RawMessage, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("transport: endpoint name must not be empty")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.nextID++
	sub := &subscription{
		id:       m.nextID,
		endpoint: endpoint,
		ch:       make(chan *message.RawMessage, m.cfg.BufferSize),
	}
	m.subs[sub.id] = sub
	m.mu.Unlock()

	out := make(chan *message.RawMessage)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				m.unsubscribe(sub)
				return
			case <-m.done:
				return
			case msg := <-sub.ch:
				select {
				case <-ctx.Done():
					m.unsubscribe(sub)
					return
				case <-m.done:
					return
				case out <- msg:
				}
			}
		}
	}()
	return out, nil
}

func (m *Memory) unsubscribe(sub *subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, sub.id)
}

// Subscribers returns the number of active receivers of endpoint.
func (m *Memory) Subscribers(endpoint string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sub := range m.subs {
		if sub.endpoint == endpoint {
			n++
		}
	}
	return n
}

// Records returns every send and publish in order.
func (m *Memory) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Record(nil), m.records...)
}

// Reset forgets recorded operations.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.records = nil
	m.mu.Unlock()
}

// Close closes every receive channel. Further operations return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	clear(m.subs)
	return nil
}
