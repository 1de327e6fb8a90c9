package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vovakirdan/wirechat-relay/internal/proto"
)

// fakeConn records every payload it is sent.
type fakeConn struct {
	id      string
	open    atomic.Bool
	sendErr error

	mu     sync.Mutex
	frames [][]byte
	notify chan struct{}
}

func newFakeConn(id string) *fakeConn {
	c := &fakeConn{id: id, notify: make(chan struct{}, 64)}
	c.open.Store(true)
	return c
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) Open() bool { return c.open.Load() }

func (c *fakeConn) Send(_ context.Context, payload []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.mu.Lock()
	c.frames = append(c.frames, payload)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *fakeConn) received() []proto.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]proto.Frame, 0, len(c.frames))
	for _, raw := range c.frames {
		f, err := proto.Decode(raw)
		if err != nil {
			panic(err)
		}
		out = append(out, f)
	}
	return out
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// waitFor blocks until the connection holds at least n frames.
func (c *fakeConn) waitFor(t *testing.T, n int) []proto.Frame {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for c.count() < n {
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("conn %s: expected %d frames, got %d", c.id, n, c.count())
		}
	}
	return c.received()
}

// blockingConn parks every Send until unblock is closed or the send context
// ends.
type blockingConn struct {
	id      string
	entered chan struct{}
	unblock chan struct{}
	once    sync.Once
}

func newBlockingConn(id string) *blockingConn {
	return &blockingConn{id: id, entered: make(chan struct{}), unblock: make(chan struct{})}
}

func (c *blockingConn) ID() string { return c.id }
func (c *blockingConn) Open() bool { return true }

func (c *blockingConn) Send(ctx context.Context, _ []byte) error {
	c.once.Do(func() { close(c.entered) })
	select {
	case <-c.unblock:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fakeHistory is an in-memory HistoryStore with failure injection.
type fakeHistory struct {
	mu        sync.Mutex
	rows      []PersistedMessage
	appendErr error
	queryErr  error
	onQuery   func()
}

func (h *fakeHistory) Append(_ context.Context, msg Message) (PersistedMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.appendErr != nil {
		return PersistedMessage{}, h.appendErr
	}
	stored := PersistedMessage{Message: msg, ID: int64(len(h.rows) + 1), Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
	h.rows = append(h.rows, stored)
	return stored, nil
}

func (h *fakeHistory) Query(_ context.Context, roomID int64) ([]PersistedMessage, error) {
	if h.onQuery != nil {
		h.onQuery()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.queryErr != nil {
		return nil, h.queryErr
	}
	var out []PersistedMessage
	for _, row := range h.rows {
		if row.RoomID == roomID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (h *fakeHistory) room(roomID int64) []PersistedMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []PersistedMessage
	for _, row := range h.rows {
		if row.RoomID == roomID {
			out = append(out, row)
		}
	}
	return out
}

// recordingObserver counts signals per kind.
type recordingObserver struct {
	mu        sync.Mutex
	published int
	consumed  int
	delivered int
	failures  map[FailureKind]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{failures: make(map[FailureKind]int)}
}

func (o *recordingObserver) Published(int64) {
	o.mu.Lock()
	o.published++
	o.mu.Unlock()
}

func (o *recordingObserver) Consumed(int64) {
	o.mu.Lock()
	o.consumed++
	o.mu.Unlock()
}

func (o *recordingObserver) Delivered(_ int64, n int) {
	o.mu.Lock()
	o.delivered += n
	o.mu.Unlock()
}

func (o *recordingObserver) Failed(err *RelayError) {
	o.mu.Lock()
	o.failures[err.Kind]++
	o.mu.Unlock()
}

func (o *recordingObserver) failuresOf(kind FailureKind) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failures[kind]
}

// recordingPublisher keeps what a session published.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []Message
}

func (p *recordingPublisher) Publish(_ context.Context, msg Message) {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
}

func (p *recordingPublisher) published() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.msgs...)
}

// failingPublisher is a bus.Publisher that always fails.
type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, string, []byte) error {
	return errors.New("broker unavailable")
}

func mustEncode(t *testing.T, msg Message) []byte {
	t.Helper()
	payload, err := proto.Encode(msg.Frame())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return payload
}

func (h *fakeHistory) snapshotAll() []PersistedMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]PersistedMessage(nil), h.rows...)
}
