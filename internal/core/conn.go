package core

import (
	"context"
	"sync"
	"time"
)

// Conn is a live transport session as seen by the core. The transport owns
// it; the core only keeps references keyed by ID.
type Conn interface {
	ID() string
	Open() bool
	Send(ctx context.Context, payload []byte) error
}

// replayGate wraps the Conn a session registers for live delivery. While
// holding, live payloads are queued so that history replay reaches the
// client first; release flushes them in arrival order.
type replayGate struct {
	Conn

	mu      sync.Mutex
	holding bool
	pending [][]byte
}

func newReplayGate(conn Conn) *replayGate {
	return &replayGate{Conn: conn}
}

func (g *replayGate) Send(ctx context.Context, payload []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.holding {
		g.pending = append(g.pending, payload)
		return nil
	}
	return g.Conn.Send(ctx, payload)
}

func (g *replayGate) hold() {
	g.mu.Lock()
	g.holding = true
	g.mu.Unlock()
}

// release stops queueing and sends what was queued, each send bounded by
// timeout. The first send error drops the rest of the queue.
func (g *replayGate) release(ctx context.Context, timeout time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.holding = false
	pending := g.pending
	g.pending = nil
	for _, payload := range pending {
		if !g.Conn.Open() {
			return ErrConnClosed
		}
		if err := sendWithin(ctx, g.Conn, payload, timeout); err != nil {
			return err
		}
	}
	return nil
}

// sendWithin sends payload with at most timeout for the write. A zero
// timeout leaves ctx as the only bound.
func sendWithin(ctx context.Context, conn Conn, payload []byte, timeout time.Duration) error {
	if timeout <= 0 {
		return conn.Send(ctx, payload)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.Send(ctx, payload)
}
