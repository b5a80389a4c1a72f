// Package message defines the messages carried through filterbus pipes.
//
// A [TypedMessage] pairs a data payload with CloudEvents-aligned [Headers]
// and optional acknowledgment callbacks. [Message] carries decoded data of
// any type; [RawMessage] carries encoded bytes as received from or handed
// to a transport.
//
// Message types are identified by [Type], a comparable tag combining the
// wire name and the Go type of the payload:
//
//	var OrderSubmitted = message.TypeOf[SubmitOrder]() // "submit.order"
//
// Types are used as keys for per-type pipes and for configuration
// observers.
package message
