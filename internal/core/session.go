package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/proto"
)

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	// StateConnecting is a session that has not bound a room yet.
	StateConnecting SessionState = iota
	// StateJoined is a session bound to a room and registered for delivery.
	StateJoined
	// StateClosed is terminal.
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Membership registers connections under rooms.
type Membership interface {
	Add(roomID int64, conn Conn)
	Remove(roomID int64, conn Conn)
}

// Session binds one connection to the relay. The room is taken from the
// first valid inbound frame; a connection cannot switch rooms without
// reconnecting.
type Session struct {
	conn    Conn
	gate    *replayGate
	members Membership
	history HistoryStore
	out     Publisher
	log     zerolog.Logger
	obs     Observer

	sendTimeout time.Duration

	mu     sync.Mutex
	state  SessionState
	roomID int64
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionSendTimeout bounds each history replay send. Zero disables the
// bound.
func WithSessionSendTimeout(d time.Duration) SessionOption {
	return func(s *Session) { s.sendTimeout = d }
}

// NewSession creates a session in StateConnecting.
func NewSession(conn Conn, members Membership, history HistoryStore, out Publisher, logger *zerolog.Logger, obs Observer, opts ...SessionOption) *Session {
	s := &Session{
		conn:    conn,
		gate:    newReplayGate(conn),
		members: members,
		history: history,
		out:     out,
		log:     loggerOrNop(logger).With().Str("conn_id", conn.ID()).Logger(),
		obs:     observerOrNop(obs),
		state:   StateConnecting,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state and, when joined, the bound room.
func (s *Session) State() (SessionState, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.roomID
}

// HandleInbound processes one frame from the client. The first valid frame
// joins its room and replays history before the frame itself is published.
func (s *Session) HandleInbound(ctx context.Context, payload []byte) {
	frame, err := proto.Decode(payload)
	if err != nil {
		report(&s.log, s.obs, &RelayError{Kind: FailureDecode, ConnID: s.conn.ID(), Err: err}, "drop inbound frame")
		return
	}
	msg := MessageFromFrame(frame)

	s.mu.Lock()
	joining := false
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		s.log.Debug().Err(ErrSessionClosed).Msg("ignore frame after close")
		return
	case StateConnecting:
		s.bind(msg.RoomID)
		joining = true
	}
	s.mu.Unlock()

	// Only the read loop calls HandleInbound, so no second frame can race
	// the replay; State and Close stay available while it runs.
	if joining {
		s.join(ctx, msg.RoomID)
	}

	s.log.Info().Int64("room_id", msg.RoomID).Str("sender", msg.Sender).Msg("inbound message")
	s.out.Publish(ctx, msg)
}

// bind moves the session to Joined and registers it for live delivery with
// the gate holding. Caller holds s.mu.
func (s *Session) bind(roomID int64) {
	s.state = StateJoined
	s.roomID = roomID

	// Registering before the query means nothing published in between is
	// missed; live payloads wait in the gate until replay is done.
	s.gate.hold()
	s.members.Add(roomID, s.gate)
	s.log.Info().Int64("room_id", roomID).Msg("session joined room")
}

// join replays the room history and then flushes the live payloads queued
// meanwhile.
func (s *Session) join(ctx context.Context, roomID int64) {
	replayed := s.replay(ctx, roomID)

	if err := s.gate.release(ctx, s.sendTimeout); err != nil {
		report(&s.log, s.obs, &RelayError{Kind: FailureSend, RoomID: roomID, ConnID: s.conn.ID(), Err: err}, "flush live messages after replay")
	}
	s.log.Debug().Int64("room_id", roomID).Int("replayed", replayed).Msg("history replay done")
}

func (s *Session) replay(ctx context.Context, roomID int64) int {
	history, err := s.history.Query(ctx, roomID)
	if err != nil {
		report(&s.log, s.obs, &RelayError{Kind: FailureReplay, RoomID: roomID, ConnID: s.conn.ID(), Err: err}, "history query failed")
		return 0
	}

	for i, stored := range history {
		payload, err := proto.Encode(stored.Frame())
		if err != nil {
			report(&s.log, s.obs, &RelayError{Kind: FailureEncode, RoomID: roomID, ConnID: s.conn.ID(), Err: err}, "skip history message")
			continue
		}
		if err := sendWithin(ctx, s.conn, payload, s.sendTimeout); err != nil {
			report(&s.log, s.obs, &RelayError{Kind: FailureSend, RoomID: roomID, ConnID: s.conn.ID(), Err: err}, "history replay aborted")
			return i
		}
	}
	return len(history)
}

// Close unregisters the connection if it joined a room. It is safe to call
// more than once and from any state.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateJoined {
		s.members.Remove(s.roomID, s.gate)
		s.log.Info().Int64("room_id", s.roomID).Msg("session left room")
	}
	s.state = StateClosed
}
