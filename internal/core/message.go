package core

import (
	"context"
	"strconv"

	"github.com/vovakirdan/wirechat-relay/internal/proto"
)

// Message is the domain model for a chat message. It is a value and is never
// mutated after construction.
type Message struct {
	RoomID  int64
	Sender  string
	Content string
}

// PersistedMessage is a Message after it was stored. ID is the server-assigned
// insertion order and Timestamp the instant of the append.
type PersistedMessage struct {
	Message
	ID        int64
	Timestamp string
}

// Frame converts the message to its wire form.
func (m Message) Frame() proto.Frame {
	return proto.Frame{RoomID: m.RoomID, Sender: m.Sender, Content: m.Content}
}

// MessageFromFrame builds a message from a decoded wire frame.
func MessageFromFrame(f proto.Frame) Message {
	return Message{RoomID: f.RoomID, Sender: f.Sender, Content: f.Content}
}

// RoomKey is the bus partition key for a room.
func RoomKey(roomID int64) string {
	return strconv.FormatInt(roomID, 10)
}

// HistoryStore persists messages and returns them per room.
type HistoryStore interface {
	// Append durably stores msg. Calls are ordered by call sequence.
	Append(ctx context.Context, msg Message) (PersistedMessage, error)

	// Query returns the room's messages in ascending insertion order.
	Query(ctx context.Context, roomID int64) ([]PersistedMessage, error)
}
