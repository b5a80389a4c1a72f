package message

import (
	"maps"
	"time"
)

// Headers carries message metadata. Keys follow CloudEvents attribute
// naming, extensions are lowercase alphanumeric.
//
// Headers are not safe for concurrent writes. A message is processed by a
// single operation at a time.
type Headers map[string]any

const (
	// HeaderID is the unique message identifier.
	HeaderID = "id"
	// HeaderType is the message type name, see Type.Name.
	HeaderType = "type"
	// HeaderSource identifies the producer.
	HeaderSource = "source"
	// HeaderTime is the time the message was produced.
	HeaderTime = "time"
	// HeaderSubject is an optional subject.
	HeaderSubject = "subject"
	// HeaderDataContentType is the encoding of a raw payload.
	HeaderDataContentType = "datacontenttype"

	// HeaderCorrelationID correlates messages across services.
	HeaderCorrelationID = "correlationid"
	// HeaderConversationID groups every message of a conversation.
	HeaderConversationID = "conversationid"
	// HeaderInitiatorID is the ID of the message that caused this one.
	HeaderInitiatorID = "initiatorid"
	// HeaderDestination is the endpoint a message was sent to.
	HeaderDestination = "destination"
	// HeaderExpiryTime is the time after which the message is discarded.
	HeaderExpiryTime = "expirytime"
)

// String retrieves a string header.
func (h Headers) String(key string) (string, bool) {
	if v, ok := h[key]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

// Time retrieves a time header. RFC 3339 strings are parsed.
func (h Headers) Time(key string) (time.Time, bool) {
	switch v := h[key].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		return t, err == nil
	default:
		return time.Time{}, false
	}
}

// ID returns the message ID.
func (h Headers) ID() string {
	s, _ := h.String(HeaderID)
	return s
}

// Type returns the message type name.
func (h Headers) Type() string {
	s, _ := h.String(HeaderType)
	return s
}

// Source returns the message source.
func (h Headers) Source() string {
	s, _ := h.String(HeaderSource)
	return s
}

// CorrelationID returns the correlation ID.
func (h Headers) CorrelationID() (string, bool) {
	return h.String(HeaderCorrelationID)
}

// ConversationID returns the conversation ID.
func (h Headers) ConversationID() (string, bool) {
	return h.String(HeaderConversationID)
}

// InitiatorID returns the ID of the initiating message.
func (h Headers) InitiatorID() (string, bool) {
	return h.String(HeaderInitiatorID)
}

// Destination returns the destination endpoint.
func (h Headers) Destination() (string, bool) {
	return h.String(HeaderDestination)
}

// ExpiryTime returns the expiry time.
func (h Headers) ExpiryTime() (time.Time, bool) {
	return h.Time(HeaderExpiryTime)
}

// Clone returns a shallow copy.
func (h Headers) Clone() Headers {
	if h == nil {
		return make(Headers)
	}
	return maps.Clone(h)
}
