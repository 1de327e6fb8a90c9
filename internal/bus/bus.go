// Package bus abstracts the durable, subscribable message log that decouples
// inbound publishing from persistence and fan-out.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus: closed")

// Handler processes one delivery. Returning nil acknowledges it; a non-nil
// error stops the subscription without acknowledging, so the delivery is
// redelivered to the next subscriber of the same group.
type Handler func(ctx context.Context, key string, value []byte) error

// Publisher appends records to a channel.
type Publisher interface {
	// Publish appends value to channel. Adapters that support partitioning
	// use key to keep records with the same key in order.
	Publish(ctx context.Context, channel, key string, value []byte) error
}

// Subscriber consumes a channel with at-least-once semantics.
type Subscriber interface {
	// Subscribe blocks, invoking handle for each record, until ctx is done,
	// the bus is closed, or handle returns an error.
	Subscribe(ctx context.Context, channel string, handle Handler) error
}

// Bus is a durable channel with both sides.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}
