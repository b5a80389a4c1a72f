package message

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

type OrderCreated struct {
	ID    string `json:"id"`
	Total int    `json:"total"`
}

type UserSignedUp struct{}
type HTTPRequest struct{}

func TestMessage_Acking(t *testing.T) {
	var acks, nacks int
	msg := NewWithAcking("payload", nil, func() { acks++ }, func(error) { nacks++ })

	if !msg.Ack() {
		t.Error("expected Ack to return true")
	}
	if !msg.Ack() {
		t.Error("expected second Ack to be idempotent")
	}
	if msg.Nack(errors.New("late")) {
		t.Error("expected Nack after Ack to return false")
	}
	if acks != 1 || nacks != 0 {
		t.Errorf("expected 1 ack 0 nacks, got %d %d", acks, nacks)
	}
}

func TestMessage_Nack(t *testing.T) {
	var got error
	boom := errors.New("boom")
	msg := NewWithAcking(1, nil, func() {}, func(err error) { got = err })

	if !msg.Nack(boom) {
		t.Error("expected Nack to return true")
	}
	if msg.Ack() {
		t.Error("expected Ack after Nack to return false")
	}
	if !errors.Is(got, boom) {
		t.Errorf("expected boom, got %v", got)
	}
}

func TestMessage_NoAcking(t *testing.T) {
	msg := New(1, nil)
	if msg.Ack() || msg.Nack(nil) {
		t.Error("expected acking to be disabled")
	}
	if msg.Headers == nil {
		t.Error("expected headers to be initialized")
	}
}

func TestMessage_ConcurrentAck(t *testing.T) {
	var mu sync.Mutex
	acks := 0
	msg := NewWithAcking(1, nil, func() {
		mu.Lock()
		acks++
		mu.Unlock()
	}, func(error) {})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg.Ack()
		}()
	}
	wg.Wait()

	if acks != 1 {
		t.Errorf("expected one ack, got %d", acks)
	}
}

func TestCopy_SharesAcking(t *testing.T) {
	acked := false
	raw := NewWithAcking([]byte("x"), Headers{HeaderID: "1"}, func() { acked = true }, func(error) {})
	msg := Copy[[]byte, any](raw, "decoded")

	msg.Ack()
	if !acked {
		t.Error("expected copy to ack the original")
	}
	if msg.Headers.ID() != "1" {
		t.Errorf("expected headers to be shared, got %v", msg.Headers)
	}
}

func TestHeaders(t *testing.T) {
	expiry := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	h := Headers{
		HeaderID:            "id-1",
		HeaderType:          "order.created",
		HeaderSource:        "/orders",
		HeaderCorrelationID: "corr",
		HeaderExpiryTime:    expiry.Format(time.RFC3339Nano),
	}

	if h.ID() != "id-1" || h.Type() != "order.created" || h.Source() != "/orders" {
		t.Errorf("unexpected accessors: %v", h)
	}
	if v, ok := h.CorrelationID(); !ok || v != "corr" {
		t.Errorf("expected correlation id, got %q", v)
	}
	if _, ok := h.ConversationID(); ok {
		t.Error("expected missing conversation id")
	}
	if v, ok := h.ExpiryTime(); !ok || !v.Equal(expiry) {
		t.Errorf("expected parsed expiry time, got %v", v)
	}

	clone := h.Clone()
	clone[HeaderID] = "id-2"
	if h.ID() != "id-1" {
		t.Error("expected clone to be independent")
	}
}

func TestNaming(t *testing.T) {
	tests := []struct {
		naming   NamingStrategy
		input    any
		expected string
	}{
		{KebabNaming, OrderCreated{}, "order-created"},
		{KebabNaming, &UserSignedUp{}, "user-signed-up"},
		{KebabNaming, HTTPRequest{}, "h-t-t-p-request"},
		{DotNaming, OrderCreated{}, "order.created"},
		{DotNaming, &UserSignedUp{}, "user.signed.up"},
		{SnakeNaming, OrderCreated{}, "order_created"},
		{SnakeNaming, UserSignedUp{}, "user_signed_up"},
		{URNNaming, OrderCreated{}, "urn:message:github.com:fxsml:filterbus:message:OrderCreated"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.naming.TypeName(reflect.TypeOf(tt.input)); got != tt.expected {
				t.Errorf("TypeName(%T) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestType(t *testing.T) {
	a := TypeOf[OrderCreated]()
	b := TypeOfValue(OrderCreated{}, nil)

	if a != b {
		t.Errorf("expected equal types, got %v and %v", a, b)
	}
	if a.Name() != "order-created" {
		t.Errorf("unexpected name %q", a.Name())
	}
	if !a.Accepts(OrderCreated{}) || a.Accepts(&OrderCreated{}) {
		t.Error("unexpected Accepts result")
	}
	if _, ok := a.New().(*OrderCreated); !ok {
		t.Errorf("expected *OrderCreated, got %T", a.New())
	}
	if NamedTypeOf[OrderCreated]("orders.v1") == a {
		t.Error("expected named type to differ")
	}
	if !(Type{}).IsZero() || a.IsZero() {
		t.Error("unexpected IsZero result")
	}
	if TypeOfValue(nil, nil) != (Type{}) {
		t.Error("expected zero type for nil")
	}
}

func TestDecodeEncode(t *testing.T) {
	m := NewJSONMarshaler()
	ot := TypeOf[OrderCreated]()

	raw := New([]byte(`{"id":"o-1","total":5}`), Headers{HeaderType: ot.Name()})
	msg, err := Decode(m, ot, raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	order, ok := msg.Data.(OrderCreated)
	if !ok || order.ID != "o-1" || order.Total != 5 {
		t.Fatalf("unexpected data %#v", msg.Data)
	}

	out, err := Encode(m, ot, New[any](OrderCreated{ID: "o-2"}, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Headers.Type() != "order-created" {
		t.Errorf("expected type header, got %v", out.Headers)
	}
	if ct, _ := out.Headers.String(HeaderDataContentType); ct != "application/json" {
		t.Errorf("expected content type, got %q", ct)
	}

	if _, err := Decode(m, Type{}, raw); !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
	if _, err := Decode(m, ot, New([]byte("{"), nil)); err == nil {
		t.Error("expected decode error")
	}
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	if a == b || len(a) != 36 {
		t.Errorf("unexpected ids %q %q", a, b)
	}
}
