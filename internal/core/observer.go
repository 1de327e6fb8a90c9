package core

import "github.com/rs/zerolog"

// Observer receives relay signals. Implementations must be safe for
// concurrent use.
type Observer interface {
	Published(roomID int64)
	Consumed(roomID int64)
	Delivered(roomID int64, n int)
	Failed(err *RelayError)
}

type nopObserver struct{}

func (nopObserver) Published(int64)      {}
func (nopObserver) Consumed(int64)       {}
func (nopObserver) Delivered(int64, int) {}
func (nopObserver) Failed(*RelayError)   {}

func observerOrNop(obs Observer) Observer {
	if obs == nil {
		return nopObserver{}
	}
	return obs
}

func loggerOrNop(logger *zerolog.Logger) *zerolog.Logger {
	if logger == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return logger
}
