package message

import "sync"

type settlement uint8

const (
	unsettled settlement = iota
	acked
	nacked
)

// acking is shared by all copies of a message so the broker sees exactly
// one outcome.
type acking struct {
	mu    sync.Mutex
	state settlement
	ack   func()
	nack  func(error)
}

// settle records want and runs settleFn when the message is unsettled.
// It reports whether the message ends up settled as want.
func (a *acking) settle(want settlement, settleFn func()) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == unsettled {
		settleFn()
		a.state = want
	}
	return a.state == want
}

// TypedMessage wraps a data payload with headers and acknowledgment
// callbacks. Ack and Nack are mutually exclusive and idempotent.
type TypedMessage[T any] struct {
	Data    T
	Headers Headers

	a *acking
}

// Message carries a decoded payload of any type.
type Message = TypedMessage[any]

// RawMessage carries an encoded payload.
type RawMessage = TypedMessage[[]byte]

// New creates a message without acknowledgment callbacks. A nil headers
// map is replaced by an empty one.
func New[T any](data T, headers Headers) *TypedMessage[T] {
	if headers == nil {
		headers = make(Headers)
	}
	return &TypedMessage[T]{
		Data:    data,
		Headers: headers,
	}
}

// NewWithAcking creates a message settled through ack and nack. Without
// both callbacks it behaves like New.
func NewWithAcking[T any](data T, headers Headers, ack func(), nack func(error)) *TypedMessage[T] {
	m := New(data, headers)
	if ack != nil && nack != nil {
		m.a = &acking{ack: ack, nack: nack}
	}
	return m
}

// Ack reports the message as processed. It returns false when the message
// has no acknowledgment callbacks or was nacked before. Repeated calls
// return true without calling back again.
func (m *TypedMessage[T]) Ack() bool {
	if m.a == nil {
		return false
	}
	return m.a.settle(acked, m.a.ack)
}

// Nack reports the message as failed with err. It returns false when the
// message has no acknowledgment callbacks or was acked before.
func (m *TypedMessage[T]) Nack(err error) bool {
	if m.a == nil {
		return false
	}
	return m.a.settle(nacked, func() { m.a.nack(err) })
}

// Copy creates a message with a different payload sharing headers and
// acknowledgment callbacks with msg.
func Copy[In, Out any](msg *TypedMessage[In], data Out) *TypedMessage[Out] {
	return &TypedMessage[Out]{
		Data:    data,
		Headers: msg.Headers,
		a:       msg.a,
	}
}
