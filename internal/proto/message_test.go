package proto

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeFrame(t *testing.T) {
	f, err := Decode([]byte(`{"roomId":5,"sender":"a","content":"hi","timestamp":"ignored"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.RoomID != 5 || f.Sender != "a" || f.Content != "hi" {
		t.Fatalf("unexpected frame: %+v", f)
	}
}

func TestDecodeRoomZeroIsValid(t *testing.T) {
	f, err := Decode([]byte(`{"roomId":0,"sender":"a","content":"x"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.RoomID != 0 {
		t.Fatalf("expected room 0, got %d", f.RoomID)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: `hello`},
		{name: "truncated", payload: `{"roomId":5,`},
		{name: "string room", payload: `{"roomId":"five","sender":"a"}`},
		{name: "fractional room", payload: `{"roomId":5.5}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.payload)); err == nil {
				t.Fatalf("expected error for %q", tt.payload)
			}
		})
	}
}

func TestDecodeMissingRoom(t *testing.T) {
	_, err := Decode([]byte(`{"sender":"a","content":"hi"}`))
	if !errors.Is(err, ErrMissingRoom) {
		t.Fatalf("expected ErrMissingRoom, got %v", err)
	}
}

func TestEncodeUsesWireFieldNames(t *testing.T) {
	data, err := Encode(Frame{RoomID: 7, Sender: "bob", Content: "yo"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got := string(data)
	want := `{"roomId":7,"sender":"bob","content":"yo"}`
	if got != want {
		t.Fatalf("unexpected payload:\n got %s\nwant %s", got, want)
	}
	if strings.Contains(got, "timestamp") {
		t.Fatalf("timestamp must not be part of the wire payload")
	}
}
