package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingRoom is returned by Decode when a frame carries no roomId.
var ErrMissingRoom = errors.New("proto: roomId is required")

// Frame is the JSON shape shared by bus payloads and WebSocket text frames.
type Frame struct {
	RoomID  int64  `json:"roomId"`
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// inboundFrame keeps roomId nullable so a missing room can be told apart from room 0.
type inboundFrame struct {
	RoomID  *int64 `json:"roomId"`
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

// Encode serializes a frame to its wire form.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("proto: encode frame: %w", err)
	}
	return data, nil
}

// Decode parses a wire payload. Unknown fields are ignored.
func Decode(data []byte) (Frame, error) {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return Frame{}, fmt.Errorf("proto: decode frame: %w", err)
	}
	if in.RoomID == nil {
		return Frame{}, ErrMissingRoom
	}
	return Frame{
		RoomID:  *in.RoomID,
		Sender:  in.Sender,
		Content: in.Content,
	}, nil
}

// HistoryMessage is a persisted message as exposed by the history endpoint.
type HistoryMessage struct {
	ID        int64  `json:"id"`
	RoomID    int64  `json:"roomId"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
