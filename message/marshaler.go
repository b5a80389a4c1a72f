package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// ErrUnknownType is returned when a raw message carries a type name that
// is not registered.
var ErrUnknownType = errors.New("message: unknown type")

// Marshaler converts message data to and from its wire bytes.
type Marshaler interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	// DataContentType is written to the datacontenttype header.
	DataContentType() string
}

// JSONMarshaler encodes message data with encoding/json.
type JSONMarshaler struct{}

// NewJSONMarshaler returns the default marshaler of the bus.
func NewJSONMarshaler() *JSONMarshaler { return new(JSONMarshaler) }

func (*JSONMarshaler) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (*JSONMarshaler) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (*JSONMarshaler) DataContentType() string { return "application/json" }

// Decode unmarshals raw into a value of type t and returns a message
// sharing raw's headers and acknowledgment.
func Decode(m Marshaler, t Type, raw *RawMessage) (*Message, error) {
	if t.IsZero() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, raw.Headers.Type())
	}
	ptr := t.New()
	if err := m.Unmarshal(raw.Data, ptr); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t.Name(), err)
	}
	return Copy[[]byte, any](raw, reflect.ValueOf(ptr).Elem().Interface()), nil
}

// Encode marshals msg's data and returns a raw message with copied headers.
// The type and datacontenttype headers are set when missing.
func Encode(m Marshaler, t Type, msg *Message) (*RawMessage, error) {
	data, err := m.Marshal(msg.Data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", t.Name(), err)
	}
	headers := msg.Headers.Clone()
	if _, ok := headers[HeaderType]; !ok && !t.IsZero() {
		headers[HeaderType] = t.Name()
	}
	if _, ok := headers[HeaderDataContentType]; !ok {
		headers[HeaderDataContentType] = m.DataContentType()
	}
	return &RawMessage{Data: data, Headers: headers, a: msg.a}, nil
}
