package queue

import (
	"github.com/google/uuid"
)

// Message is one queue payload. ID travels as the RocketMQ message key and is
// what consumers deduplicate on.
type Message struct {
	ID      string
	Payload []byte
}

// NewMessage keys payload with a random ID.
func NewMessage(payload []byte) Message {
	return NewKeyedMessage("", payload)
}

// NewKeyedMessage keys payload with id, so republishing the same logical
// record yields the same key. An empty id gets a random one.
func NewKeyedMessage(id string, payload []byte) Message {
	if id == "" {
		id = uuid.NewString()
	}
	return Message{ID: id, Payload: payload}
}
