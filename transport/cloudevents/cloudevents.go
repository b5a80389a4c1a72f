// Package cloudevents maps filterbus messages to CloudEvents.
//
// Headers named after CloudEvents context attributes map to those
// attributes, every other header becomes an extension. Encode and Decode
// use the structured JSON format; broker adapters use them as their wire
// codec.
package cloudevents

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/fxsml/filterbus/message"
)

// ContentType is the media type of structured events.
const ContentType = "application/cloudevents+json"

const (
	headerSpecVersion = "specversion"
	headerDataSchema  = "dataschema"
)

// ErrInvalidEvent is returned when a message cannot be represented as a
// valid CloudEvent.
var ErrInvalidEvent = errors.New("cloudevents: invalid event")

// ToEvent converts msg into a CloudEvent. A missing ID is generated.
func ToEvent(msg *message.RawMessage) (*cloudevents.Event, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidEvent)
	}
	h := msg.Headers

	e := cloudevents.NewEvent()
	if v, ok := h.String(headerSpecVersion); ok && v != "" {
		e.SetSpecVersion(v)
	}
	id := h.ID()
	if id == "" {
		id = message.DefaultIDGenerator()
	}
	e.SetID(id)
	e.SetType(h.Type())
	e.SetSource(h.Source())
	if t, ok := h.Time(message.HeaderTime); ok {
		e.SetTime(t)
	}
	if v, ok := h.String(message.HeaderSubject); ok && v != "" {
		e.SetSubject(v)
	}
	if v, ok := h.String(headerDataSchema); ok && v != "" {
		e.SetDataSchema(v)
	}

	for k, v := range h {
		switch k {
		case message.HeaderID, message.HeaderType, message.HeaderSource, message.HeaderTime,
			message.HeaderSubject, message.HeaderDataContentType, headerSpecVersion, headerDataSchema:
			continue
		}
		e.SetExtension(k, extensionValue(v))
	}

	ct, _ := h.String(message.HeaderDataContentType)
	if msg.Data != nil {
		var err error
		if ct == "application/json" && json.Valid(msg.Data) {
			err = e.SetData(ct, json.RawMessage(msg.Data))
		} else {
			err = e.SetData(ct, msg.Data)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: set data: %w", ErrInvalidEvent, err)
		}
	} else if ct != "" {
		e.SetDataContentType(ct)
	}

	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	return &e, nil
}

// FromEvent converts a CloudEvent into a message. Extensions become
// headers.
func FromEvent(e *cloudevents.Event) (*message.RawMessage, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}

	h := message.Headers{
		message.HeaderID:     e.ID(),
		message.HeaderType:   e.Type(),
		message.HeaderSource: e.Source(),
		headerSpecVersion:    e.SpecVersion(),
	}
	if v := e.DataContentType(); v != "" {
		h[message.HeaderDataContentType] = v
	}
	if v := e.DataSchema(); v != "" {
		h[headerDataSchema] = v
	}
	if v := e.Subject(); v != "" {
		h[message.HeaderSubject] = v
	}
	if t := e.Time(); !t.IsZero() {
		h[message.HeaderTime] = t.UTC()
	}
	for k, v := range e.Extensions() {
		h[k] = v
	}

	var data []byte
	if b := e.Data(); len(b) > 0 {
		data = append([]byte(nil), b...)
	}
	return message.New(data, h), nil
}

// Encode encodes msg as a structured JSON CloudEvent.
func Encode(msg *message.RawMessage) ([]byte, error) {
	e, err := ToEvent(msg)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("cloudevents: encode: %w", err)
	}
	return data, nil
}

// Decode decodes a structured JSON CloudEvent.
func Decode(data []byte) (*message.RawMessage, error) {
	e := cloudevents.NewEvent()
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalidEvent, err)
	}
	return FromEvent(&e)
}

// extensionValue converts v to a type CloudEvents extensions accept.
func extensionValue(v any) any {
	switch v := v.(type) {
	case string, bool, int32, []byte, time.Time:
		return v
	case int:
		if v >= math.MinInt32 && v <= math.MaxInt32 {
			return int32(v)
		}
		return fmt.Sprint(v)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
