package message

import "github.com/google/uuid"

// IDGenerator returns a fresh message ID per call.
type IDGenerator func() string

// DefaultIDGenerator assigns the IDs of messages created by the bus and
// its filters. Tests replace it for stable IDs.
var DefaultIDGenerator IDGenerator = NewID

// NewID returns a random UUID in its canonical string form.
func NewID() string {
	return uuid.New().String()
}
