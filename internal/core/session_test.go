package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-relay/internal/bus/memory"
)

func seedHistory(h *fakeHistory, roomID int64, contents ...string) {
	for _, c := range contents {
		_, _ = h.Append(context.Background(), Message{RoomID: roomID, Sender: "old", Content: c})
	}
}

func TestSessionFirstMessageJoinsAndReplays(t *testing.T) {
	history := &fakeHistory{}
	seedHistory(history, 7, "m1", "m2", "m3")
	seedHistory(history, 8, "elsewhere")

	registry := NewRegistry(nil)
	pub := &recordingPublisher{}
	conn := newFakeConn("c")
	s := NewSession(conn, registry, history, pub, nil, nil)

	if state, _ := s.State(); state != StateConnecting {
		t.Fatalf("expected connecting, got %s", state)
	}

	s.HandleInbound(context.Background(), mustEncode(t, Message{RoomID: 7, Sender: "new", Content: "hello"}))

	state, room := s.State()
	if state != StateJoined || room != 7 {
		t.Fatalf("expected joined(7), got %s(%d)", state, room)
	}
	if registry.Len(7) != 1 {
		t.Fatalf("expected connection registered in room 7")
	}

	frames := conn.received()
	if len(frames) != 3 {
		t.Fatalf("expected 3 replay frames, got %d", len(frames))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if frames[i].Content != want || frames[i].RoomID != 7 {
			t.Fatalf("replay %d: got %+v want content %q", i, frames[i], want)
		}
	}

	msgs := pub.published()
	if len(msgs) != 1 || msgs[0].Content != "hello" {
		t.Fatalf("expected first message to be published, got %+v", msgs)
	}
}

func TestSessionLaterMessagesDoNotRejoin(t *testing.T) {
	history := &fakeHistory{}
	seedHistory(history, 1, "old")
	registry := NewRegistry(nil)
	pub := &recordingPublisher{}
	conn := newFakeConn("c")
	s := NewSession(conn, registry, history, pub, nil, nil)

	s.HandleInbound(context.Background(), mustEncode(t, Message{RoomID: 1, Content: "a"}))
	s.HandleInbound(context.Background(), mustEncode(t, Message{RoomID: 1, Content: "b"}))
	s.HandleInbound(context.Background(), mustEncode(t, Message{RoomID: 2, Content: "c"}))

	if conn.count() != 1 {
		t.Fatalf("history must be replayed once, got %d frames", conn.count())
	}
	if _, room := s.State(); room != 1 {
		t.Fatalf("session must stay bound to room 1, got %d", room)
	}
	if registry.Len(2) != 0 {
		t.Fatal("later frames must not register the connection in other rooms")
	}
	if got := len(pub.published()); got != 3 {
		t.Fatalf("expected 3 published messages, got %d", got)
	}
}

func TestSessionMalformedFirstMessageStaysConnecting(t *testing.T) {
	registry := NewRegistry(nil)
	pub := &recordingPublisher{}
	obs := newRecordingObserver()
	s := NewSession(newFakeConn("c"), registry, &fakeHistory{}, pub, nil, obs)

	s.HandleInbound(context.Background(), []byte(`{"sender":"a","content":"no room"}`))
	s.HandleInbound(context.Background(), []byte(`garbage`))

	if state, _ := s.State(); state != StateConnecting {
		t.Fatalf("expected connecting, got %s", state)
	}
	if registry.Rooms() != 0 {
		t.Fatal("malformed frames must not register the connection")
	}
	if len(pub.published()) != 0 {
		t.Fatal("malformed frames must not be published")
	}
	if got := obs.failuresOf(FailureDecode); got != 2 {
		t.Fatalf("expected 2 decode failures, got %d", got)
	}

	// A valid frame afterwards still binds the room.
	s.HandleInbound(context.Background(), mustEncode(t, Message{RoomID: 4, Content: "ok"}))
	if state, room := s.State(); state != StateJoined || room != 4 {
		t.Fatalf("expected joined(4), got %s(%d)", state, room)
	}
}

func TestSessionCloseDeregisters(t *testing.T) {
	registry := NewRegistry(nil)
	pub := &recordingPublisher{}
	s := NewSession(newFakeConn("c"), registry, &fakeHistory{}, pub, nil, nil)

	s.HandleInbound(context.Background(), mustEncode(t, Message{RoomID: 3, Content: "x"}))
	s.Close()
	s.Close()

	if state, _ := s.State(); state != StateClosed {
		t.Fatalf("expected closed, got %s", state)
	}
	if registry.Rooms() != 0 {
		t.Fatal("closing the only member must drop the room")
	}

	s.HandleInbound(context.Background(), mustEncode(t, Message{RoomID: 3, Content: "late"}))
	if got := len(pub.published()); got != 1 {
		t.Fatalf("frames after close must be ignored, published=%d", got)
	}
}

func TestSessionCloseBeforeJoin(t *testing.T) {
	registry := NewRegistry(nil)
	s := NewSession(newFakeConn("c"), registry, &fakeHistory{}, &recordingPublisher{}, nil, nil)
	s.Close()

	if state, _ := s.State(); state != StateClosed {
		t.Fatalf("expected closed, got %s", state)
	}
}

func TestSessionReplayPrecedesLiveBroadcast(t *testing.T) {
	history := &fakeHistory{}
	seedHistory(history, 9, "h1", "h2")
	registry := NewRegistry(nil)
	conn := newFakeConn("c")

	// A live message for the room arrives while the history query runs.
	history.onQuery = func() {
		registry.Broadcast(context.Background(), 9, []byte(`{"roomId":9,"sender":"live","content":"now"}`))
	}

	s := NewSession(conn, registry, history, &recordingPublisher{}, nil, nil)
	s.HandleInbound(context.Background(), mustEncode(t, Message{RoomID: 9, Content: "join"}))

	frames := conn.received()
	want := []string{"h1", "h2", "now"}
	if len(frames) != len(want) {
		t.Fatalf("expected %d frames, got %+v", len(want), frames)
	}
	for i, content := range want {
		if frames[i].Content != content {
			t.Fatalf("frame %d: got %q want %q", i, frames[i].Content, content)
		}
	}
}

func TestSessionReplayFailureKeepsJoin(t *testing.T) {
	history := &fakeHistory{queryErr: errors.New("db down")}
	registry := NewRegistry(nil)
	obs := newRecordingObserver()
	pub := &recordingPublisher{}
	s := NewSession(newFakeConn("c"), registry, history, pub, nil, obs)

	s.HandleInbound(context.Background(), mustEncode(t, Message{RoomID: 2, Content: "x"}))

	if state, _ := s.State(); state != StateJoined {
		t.Fatalf("expected joined, got %s", state)
	}
	if obs.failuresOf(FailureReplay) != 1 {
		t.Fatal("expected a replay failure")
	}
	if len(pub.published()) != 1 {
		t.Fatal("message must still be published")
	}
}

// Room 7 holds three messages; a newcomer gets them in order, then its own
// message comes back through the relay to every room member.
func TestSessionJoinReplayThenEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	b := memory.New()
	history := &fakeHistory{}
	seedHistory(history, 7, "one", "two", "three")
	registry := NewRegistry(nil)
	producer := NewProducer(b, DefaultChannel, nil, nil)
	consumer := NewConsumer(b, DefaultChannel, history, registry, nil, nil)
	go func() { _ = consumer.Run(ctx) }()

	veteran := newFakeConn("veteran")
	registry.Add(7, veteran)

	newcomer := newFakeConn("newcomer")
	s := NewSession(newcomer, registry, history, producer, nil, nil)
	defer s.Close()

	s.HandleInbound(ctx, mustEncode(t, Message{RoomID: 7, Sender: "n", Content: "hey all"}))

	frames := newcomer.waitFor(t, 4)
	for i, want := range []string{"one", "two", "three", "hey all"} {
		if frames[i].Content != want {
			t.Fatalf("newcomer frame %d: got %q want %q", i, frames[i].Content, want)
		}
	}
	echo := veteran.waitFor(t, 1)
	if echo[0].Content != "hey all" || echo[0].Sender != "n" {
		t.Fatalf("veteran got %+v", echo[0])
	}
	if got := len(history.room(7)); got != 4 {
		t.Fatalf("expected 4 stored messages, got %d", got)
	}
}

func TestSessionStateReadableDuringReplay(t *testing.T) {
	history := &fakeHistory{}
	seedHistory(history, 7, "m1")
	registry := NewRegistry(nil)
	conn := newBlockingConn("slow")
	s := NewSession(conn, registry, history, &recordingPublisher{}, nil, nil)

	done := make(chan struct{})
	go func() {
		s.HandleInbound(context.Background(), mustEncode(t, Message{RoomID: 7, Content: "hi"}))
		close(done)
	}()

	select {
	case <-conn.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("replay never reached the connection")
	}

	stateRead := make(chan SessionState, 1)
	go func() {
		state, _ := s.State()
		stateRead <- state
		s.Close()
	}()
	select {
	case state := <-stateRead:
		if state != StateJoined {
			t.Fatalf("expected joined while replaying, got %s", state)
		}
	case <-time.After(time.Second):
		t.Fatal("State blocked behind a replay send")
	}

	close(conn.unblock)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleInbound did not return")
	}
	if state, _ := s.State(); state != StateClosed {
		t.Fatalf("expected closed, got %s", state)
	}
	if registry.Len(7) != 0 {
		t.Fatal("closed session must leave the room")
	}
}

func TestSessionReplayHonorsSendTimeout(t *testing.T) {
	history := &fakeHistory{}
	seedHistory(history, 3, "m1", "m2")
	obs := newRecordingObserver()
	pub := &recordingPublisher{}
	conn := newBlockingConn("stuck")
	s := NewSession(conn, NewRegistry(nil), history, pub, nil, obs,
		WithSessionSendTimeout(20*time.Millisecond))

	done := make(chan struct{})
	go func() {
		s.HandleInbound(context.Background(), mustEncode(t, Message{RoomID: 3, Content: "late"}))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("replay send was not bounded by the send timeout")
	}
	if obs.failuresOf(FailureSend) != 1 {
		t.Fatalf("expected one send failure, got %d", obs.failuresOf(FailureSend))
	}
	if len(pub.published()) != 1 {
		t.Fatal("message must still be published")
	}
}
