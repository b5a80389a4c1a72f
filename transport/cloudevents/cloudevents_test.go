package cloudevents

import (
	"testing"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/require"

	"github.com/fxsml/filterbus/message"
)

func newRaw() *message.RawMessage {
	return message.New([]byte(`{"id":"o-1"}`), message.Headers{
		message.HeaderID:              "m-1",
		message.HeaderType:            "submit-order",
		message.HeaderSource:          "/shop",
		message.HeaderTime:            time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		message.HeaderSubject:         "orders",
		message.HeaderDataContentType: "application/json",
		message.HeaderCorrelationID:   "c-1",
		"attempt":                     3,
	})
}

func TestToEvent(t *testing.T) {
	e, err := ToEvent(newRaw())
	require.NoError(t, err)

	require.Equal(t, "m-1", e.ID())
	require.Equal(t, "submit-order", e.Type())
	require.Equal(t, "/shop", e.Source())
	require.Equal(t, "orders", e.Subject())
	require.Equal(t, "application/json", e.DataContentType())
	require.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), e.Time().UTC())
	require.Equal(t, "c-1", e.Extensions()[message.HeaderCorrelationID])
	require.Equal(t, int32(3), e.Extensions()["attempt"])
	require.JSONEq(t, `{"id":"o-1"}`, string(e.Data()))
}

func TestToEvent_Invalid(t *testing.T) {
	_, err := ToEvent(nil)
	require.ErrorIs(t, err, ErrInvalidEvent)

	_, err = ToEvent(message.New([]byte("x"), message.Headers{message.HeaderSource: "/shop"}))
	require.ErrorIs(t, err, ErrInvalidEvent, "type is required")
}

func TestToEvent_GeneratesID(t *testing.T) {
	e, err := ToEvent(message.New([]byte("x"), message.Headers{
		message.HeaderType:   "blob",
		message.HeaderSource: "/shop",
	}))
	require.NoError(t, err)
	require.NotEmpty(t, e.ID())
}

func TestFromEvent(t *testing.T) {
	e := cloudevents.NewEvent()
	e.SetID("m-2")
	e.SetType("order-submitted")
	e.SetSource("/billing")
	e.SetExtension("correlationid", "c-2")
	require.NoError(t, e.SetData("application/json", map[string]string{"id": "o-2"}))

	raw, err := FromEvent(&e)
	require.NoError(t, err)
	require.Equal(t, "m-2", raw.Headers.ID())
	require.Equal(t, "order-submitted", raw.Headers.Type())
	require.Equal(t, "/billing", raw.Headers.Source())
	id, ok := raw.Headers.CorrelationID()
	require.True(t, ok)
	require.Equal(t, "c-2", id)
	require.JSONEq(t, `{"id":"o-2"}`, string(raw.Data))

	_, err = FromEvent(nil)
	require.ErrorIs(t, err, ErrInvalidEvent)
}

func TestEncodeDecode(t *testing.T) {
	data, err := Encode(newRaw())
	require.NoError(t, err)

	raw, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, "m-1", raw.Headers.ID())
	require.Equal(t, "submit-order", raw.Headers.Type())
	require.Equal(t, "orders", raw.Headers["subject"])
	tm, ok := raw.Headers.Time(message.HeaderTime)
	require.True(t, ok)
	require.True(t, tm.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
	require.JSONEq(t, `{"id":"o-1"}`, string(raw.Data))
}

func TestEncodeDecode_Binary(t *testing.T) {
	msg := message.New([]byte{0x00, 0xff}, message.Headers{
		message.HeaderType:            "blob",
		message.HeaderSource:          "/shop",
		message.HeaderDataContentType: "application/octet-stream",
	})
	data, err := Encode(msg)
	require.NoError(t, err)

	raw, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0xff}, raw.Data)
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.ErrorIs(t, err, ErrInvalidEvent)
}
