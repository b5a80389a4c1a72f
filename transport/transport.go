// Package transport defines the broker collaborator of filterbus.
//
// A bus hands encoded messages to a [Sender] or [Publisher] after the send
// and publish pipes ran, and receives encoded messages from a [Receiver].
// Sub-packages adapt NATS, AMQP, Kafka and Redis; [Memory] is an in-process
// implementation used for tests and single-process deployments.
package transport

import (
	"context"
	"errors"

	"github.com/fxsml/filterbus/message"
)

// ErrClosed is returned when operations are attempted on a closed transport.
var ErrClosed = errors.New("transport: closed")

// Sender delivers a message to a single receive endpoint.
type Sender interface {
	Send(ctx context.Context, destination string, msg *message.RawMessage) error
}

// Publisher delivers a message to every endpoint bound to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg *message.RawMessage) error
}

// Transport sends and publishes.
type Transport interface {
	Sender
	Publisher
}

// Receiver streams messages arriving at a receive endpoint. The channel is
// closed when ctx is done or the receiver is closed.
type Receiver interface {
	Receive(ctx context.Context, endpoint string) (<-chan *message.RawMessage, error)
}

// Binder routes published topics to receive endpoints.
type Binder interface {
	Bind(ctx context.Context, topic, endpoint string) error
}
