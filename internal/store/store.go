// Package store holds what the history store drivers share.
package store

import (
	"time"

	"github.com/vovakirdan/wirechat-relay/internal/core"
)

// Store is a HistoryStore that owns resources.
type Store interface {
	core.HistoryStore

	// Close releases the underlying database handle.
	Close() error
}

// Options configures a history store driver.
type Options struct {
	// HistoryLimit caps Query to the latest N messages. Zero means unbounded.
	HistoryLimit int
	// Now stamps appended messages.
	Now func() time.Time
}

// Option mutates Options.
type Option func(*Options)

// WithHistoryLimit caps how many messages Query returns.
func WithHistoryLimit(n int) Option {
	return func(o *Options) {
		if n < 0 {
			n = 0
		}
		o.HistoryLimit = n
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		if now != nil {
			o.Now = now
		}
	}
}

// Apply resolves opts over the defaults.
func Apply(opts ...Option) Options {
	o := Options{Now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// FormatTimestamp renders the append instant stored with a message.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
