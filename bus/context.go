package bus

import (
	"context"
	"time"

	"github.com/fxsml/filterbus/message"
	"github.com/fxsml/filterbus/pipe"
)

// Endpoints accepts outbound operations issued while processing a message.
// The source context carries the payloads (such as the ambient scope) the
// send and publish pipes inherit.
type Endpoints interface {
	Send(source pipe.Context, destination string, msg *message.Message) error
	Publish(source pipe.Context, msg *message.Message) error
}

// EndpointContext is a pipe context that can issue outbound operations.
// Consume, execute and compensate contexts implement it.
type EndpointContext interface {
	pipe.Context
	Endpoints() Endpoints
	SetEndpoints(e Endpoints)
}

// ConsumeContext is the context of a consume operation.
type ConsumeContext struct {
	*pipe.BaseContext

	// EndpointName is the receive endpoint the message arrived at.
	EndpointName string
	Message      *message.Message
	MessageType  message.Type
	// Source is stamped on outbound messages.
	Source string
	// Raw is the encoded message when it was delivered by a transport.
	Raw *message.RawMessage

	endpoints Endpoints
}

// NewConsumeContext creates a consume context.
func NewConsumeContext(ctx context.Context, endpoint string, msg *message.Message, mt message.Type, endpoints Endpoints) *ConsumeContext {
	return &ConsumeContext{
		BaseContext:  pipe.NewBaseContext(ctx, nil),
		EndpointName: endpoint,
		Message:      msg,
		MessageType:  mt,
		endpoints:    endpoints,
	}
}

// CurrentMessage returns the consumed message.
func (c *ConsumeContext) CurrentMessage() *message.Message {
	return c.Message
}

// Endpoints returns the current outbound endpoints.
func (c *ConsumeContext) Endpoints() Endpoints {
	return c.endpoints
}

// SetEndpoints replaces the outbound endpoints for the remainder of the
// operation.
func (c *ConsumeContext) SetEndpoints(e Endpoints) {
	c.endpoints = e
}

// Send sends data to destination. Correlation headers are propagated from
// the consumed message.
func (c *ConsumeContext) Send(destination string, data any) error {
	return c.endpoints.Send(c, destination, c.Outgoing(data))
}

// Publish publishes data to every endpoint bound to its type.
func (c *ConsumeContext) Publish(data any) error {
	return c.endpoints.Publish(c, c.Outgoing(data))
}

// LogArgs returns the endpoint, type and id of the consumed message.
func (c *ConsumeContext) LogArgs() []any {
	args := []any{"endpoint", c.EndpointName, "type", c.MessageType.Name()}
	if c.Message != nil {
		args = append(args, "id", c.Message.Headers.ID())
	}
	return args
}

// Outgoing creates a message caused by the consumed one.
func (c *ConsumeContext) Outgoing(data any) *message.Message {
	headers := message.Headers{
		message.HeaderID:   message.DefaultIDGenerator(),
		message.HeaderTime: time.Now().UTC(),
	}
	if c.Source != "" {
		headers[message.HeaderSource] = c.Source
	}
	if c.Message != nil {
		in := c.Message.Headers
		id := in.ID()
		if v, ok := in.CorrelationID(); ok {
			headers[message.HeaderCorrelationID] = v
		} else if id != "" {
			headers[message.HeaderCorrelationID] = id
		}
		if v, ok := in.ConversationID(); ok {
			headers[message.HeaderConversationID] = v
		} else if id != "" {
			headers[message.HeaderConversationID] = id
		}
		if id != "" {
			headers[message.HeaderInitiatorID] = id
		}
	}
	return message.New(data, headers)
}

// SendContext is the context of a send operation.
type SendContext struct {
	*pipe.BaseContext

	Destination string
	Message     *message.Message
	MessageType message.Type
}

// NewSendContext creates a send context whose payloads fall through to
// source.
func NewSendContext(source pipe.Context, destination string, msg *message.Message, mt message.Type) *SendContext {
	return &SendContext{
		BaseContext: pipe.NewBaseContext(source.Context(), source.Payloads()),
		Destination: destination,
		Message:     msg,
		MessageType: mt,
	}
}

// CurrentMessage returns the message being sent.
func (c *SendContext) CurrentMessage() *message.Message {
	return c.Message
}

// PublishContext is the context of a publish operation.
type PublishContext struct {
	*pipe.BaseContext

	Topic       string
	Message     *message.Message
	MessageType message.Type
}

// NewPublishContext creates a publish context whose payloads fall through
// to source.
func NewPublishContext(source pipe.Context, topic string, msg *message.Message, mt message.Type) *PublishContext {
	return &PublishContext{
		BaseContext: pipe.NewBaseContext(source.Context(), source.Payloads()),
		Topic:       topic,
		Message:     msg,
		MessageType: mt,
	}
}

// CurrentMessage returns the message being published.
func (c *PublishContext) CurrentMessage() *message.Message {
	return c.Message
}

// ExecuteContext is the context of an activity execution. The arguments
// are carried as the consumed message.
type ExecuteContext struct {
	*ConsumeContext

	Activity string

	log    any
	logged bool
}

// Arguments returns the activity arguments.
func (c *ExecuteContext) Arguments() any {
	return c.Message.Data
}

// Completed records the compensation log of a successful execution.
func (c *ExecuteContext) Completed(log any) {
	c.log, c.logged = log, true
}

// Log returns the recorded compensation log.
func (c *ExecuteContext) Log() (any, bool) {
	return c.log, c.logged
}

// CompensateContext is the context of an activity compensation. The
// compensation log is carried as the consumed message.
type CompensateContext struct {
	*ConsumeContext

	Activity string
}

// Log returns the compensation log.
func (c *CompensateContext) Log() any {
	return c.Message.Data
}

var (
	_ EndpointContext = (*ConsumeContext)(nil)
	_ EndpointContext = (*ExecuteContext)(nil)
	_ EndpointContext = (*CompensateContext)(nil)
	_ pipe.Context    = (*SendContext)(nil)
	_ pipe.Context    = (*PublishContext)(nil)
)
