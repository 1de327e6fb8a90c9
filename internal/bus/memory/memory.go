// Package memory is an in-process append log implementing bus.Bus.
//
// Records survive for the lifetime of the process only. Each channel keeps a
// single committed offset, so concurrent subscribers on one channel share it
// like members of one consumer group.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/vovakirdan/wirechat-relay/internal/bus"
)

type record struct {
	key   string
	value []byte
}

type channelLog struct {
	records   []record
	committed int
	wake      chan struct{}
}

// Bus is an in-memory bus.Bus.
type Bus struct {
	mu       sync.Mutex
	channels map[string]*channelLog
	closed   bool
}

var _ bus.Bus = (*Bus)(nil)

// New creates an empty in-memory bus.
func New() *Bus {
	return &Bus{channels: make(map[string]*channelLog)}
}

// channel returns the log for name. Caller must hold b.mu.
func (b *Bus) channel(name string) *channelLog {
	ch, ok := b.channels[name]
	if !ok {
		ch = &channelLog{wake: make(chan struct{})}
		b.channels[name] = ch
	}
	return ch
}

// Publish appends a record and wakes waiting subscribers.
func (b *Bus) Publish(ctx context.Context, channel, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return bus.ErrClosed
	}
	ch := b.channel(channel)
	ch.records = append(ch.records, record{key: key, value: append([]byte(nil), value...)})
	close(ch.wake)
	ch.wake = make(chan struct{})
	return nil
}

// Subscribe delivers records from the committed offset onwards.
func (b *Bus) Subscribe(ctx context.Context, channel string, handle bus.Handler) error {
	for {
		rec, offset, wait, err := b.next(channel)
		if err != nil {
			return err
		}
		if wait != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wait:
				continue
			}
		}

		if err := handle(ctx, rec.key, rec.value); err != nil {
			return fmt.Errorf("memory bus: handle %s@%d: %w", channel, offset, err)
		}
		// Work cut short by cancellation is not committed.
		if err := ctx.Err(); err != nil {
			return err
		}
		b.commit(channel, offset)
	}
}

func (b *Bus) next(channel string) (record, int, <-chan struct{}, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return record{}, 0, nil, bus.ErrClosed
	}
	ch := b.channel(channel)
	if ch.committed < len(ch.records) {
		return ch.records[ch.committed], ch.committed, nil, nil
	}
	return record{}, 0, ch.wake, nil
}

func (b *Bus) commit(channel string, offset int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := b.channel(channel)
	if offset+1 > ch.committed {
		ch.committed = offset + 1
	}
}

// Len reports how many records channel holds.
func (b *Bus) Len(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channel(channel).records)
}

// Rewind moves the committed offset of channel back to offset, so the
// records after it are delivered again. It models a consumer restarting
// before its last commit.
func (b *Bus) Rewind(channel string, offset int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	ch := b.channel(channel)
	if offset < 0 {
		offset = 0
	}
	if offset < ch.committed {
		ch.committed = offset
	}
	close(ch.wake)
	ch.wake = make(chan struct{})
}

// Close stops all subscribers and rejects further publishes.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, ch := range b.channels {
		close(ch.wake)
	}
	return nil
}
