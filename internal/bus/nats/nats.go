// Package nats implements bus.Bus on top of NATS JetStream.
//
// A channel maps to the subject space "<channel>.>" of one stream and every
// record is published to "<channel>.<key>", so records keep their key while
// sharing the stream's single order. Consumption uses a durable pull consumer
// named after the consumer group.
package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vovakirdan/wirechat-relay/internal/bus"
)

// Config describes the JetStream connection.
type Config struct {
	URL          string
	Stream       string
	Channel      string
	Group        string
	CreateStream bool
	FetchBatch   int
	FetchWait    time.Duration
}

// Bus is a JetStream-backed bus.Bus.
type Bus struct {
	cfg Config
	nc  *nats.Conn
	js  nats.JetStreamContext
}

var _ bus.Bus = (*Bus)(nil)

// Dial connects to NATS and binds the JetStream context. When CreateStream is
// set the stream is created if it does not exist yet.
func Dial(cfg Config) (*Bus, error) {
	if cfg.FetchBatch <= 0 {
		cfg.FetchBatch = 16
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = 2 * time.Second
	}
	if cfg.Stream == "" || cfg.Channel == "" || cfg.Group == "" {
		return nil, errors.New("nats bus: stream, channel and group are required")
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("wirechat-relay"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("nats jetstream: %w", err)
	}

	b := &Bus{cfg: cfg, nc: nc, js: js}
	if cfg.CreateStream {
		if err := b.ensureStream(); err != nil {
			nc.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *Bus) ensureStream() error {
	_, err := b.js.StreamInfo(b.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("nats stream info: %w", err)
	}
	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:     b.cfg.Stream,
		Subjects: []string{b.cfg.Channel + ".>"},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("nats add stream: %w", err)
	}
	return nil
}

// Publish sends value to "<channel>.<key>" and waits for the stream ack.
func (b *Bus) Publish(ctx context.Context, channel, key string, value []byte) error {
	if _, err := b.js.Publish(subject(channel, key), value, nats.Context(ctx)); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Subscribe pulls batches from the durable consumer and acks each record
// after handle returns nil.
func (b *Bus) Subscribe(ctx context.Context, channel string, handle bus.Handler) error {
	// The subscription is not unsubscribed on exit: that would delete the
	// durable consumer and its acknowledged position.
	sub, err := b.js.PullSubscribe(channel+".>", b.cfg.Group,
		nats.BindStream(b.cfg.Stream),
		nats.DeliverAll(),
		nats.AckExplicit(),
	)
	if err != nil {
		return fmt.Errorf("nats pull subscribe: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		fetchCtx, cancel := context.WithTimeout(ctx, b.cfg.FetchWait)
		msgs, err := sub.Fetch(b.cfg.FetchBatch, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if errors.Is(err, nats.ErrConnectionClosed) {
				return bus.ErrClosed
			}
			return fmt.Errorf("nats fetch: %w", err)
		}

		for _, msg := range msgs {
			if err := deliver(ctx, msg, keyOf(channel, msg.Subject), msg.Data, handle); err != nil {
				return fmt.Errorf("nats %s: %w", msg.Subject, err)
			}
		}
	}
}

// acker is the acknowledgement side of a JetStream message.
type acker interface {
	Ack(opts ...nats.AckOpt) error
	Nak(opts ...nats.AckOpt) error
}

// deliver hands one record to handle and acks it. A record handled while ctx
// was being cancelled is left unacked so JetStream redelivers it; the handler
// may have cut its work short.
func deliver(ctx context.Context, msg acker, key string, data []byte, handle bus.Handler) error {
	if err := handle(ctx, key, data); err != nil {
		_ = msg.Nak()
		return fmt.Errorf("handle: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := msg.Ack(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Close closes the NATS connection, ending any running Subscribe.
func (b *Bus) Close() error {
	b.nc.Close()
	return nil
}

func subject(channel, key string) string {
	if key == "" {
		key = "_"
	}
	return channel + "." + key
}

func keyOf(channel, subj string) string {
	key := strings.TrimPrefix(subj, channel+".")
	if key == "_" {
		return ""
	}
	return key
}
