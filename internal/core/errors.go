package core

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// FailureKind classifies the contained failures of the relay path.
type FailureKind string

const (
	// FailureDecode is a malformed inbound or bus payload.
	FailureDecode FailureKind = "decode"
	// FailureEncode is a message that could not be serialized.
	FailureEncode FailureKind = "encode"
	// FailurePublish is a rejected bus publish; the message is dropped.
	FailurePublish FailureKind = "publish"
	// FailurePersist is a failed history append; broadcast still happens.
	FailurePersist FailureKind = "persist"
	// FailureSend is a failed send to one connection.
	FailureSend FailureKind = "send"
	// FailureReplay is a failed history query while joining a room.
	FailureReplay FailureKind = "replay"
)

var (
	// ErrConnClosed is returned when sending to a connection that is no longer open.
	ErrConnClosed = errors.New("connection closed")
	// ErrSessionClosed is reported for frames arriving after a session closed.
	ErrSessionClosed = errors.New("session closed")
)

// RelayError wraps a contained failure with its kind and scope.
type RelayError struct {
	Kind   FailureKind
	RoomID int64
	ConnID string
	Err    error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("%s failure: %v", e.Kind, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// KindOf reports the failure kind carried by err, if any.
func KindOf(err error) (FailureKind, bool) {
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Kind, true
	}
	return "", false
}

// report logs a contained failure and hands it to the observer.
func report(log *zerolog.Logger, obs Observer, err *RelayError, msg string) {
	ev := log.Warn().Err(err.Err).Str("kind", string(err.Kind)).Int64("room_id", err.RoomID)
	if err.ConnID != "" {
		ev = ev.Str("conn_id", err.ConnID)
	}
	ev.Msg(msg)
	obs.Failed(err)
}
