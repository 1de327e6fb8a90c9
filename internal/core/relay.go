package core

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/bus"
	"github.com/vovakirdan/wirechat-relay/internal/proto"
)

// DefaultChannel is the bus channel carrying chat messages.
const DefaultChannel = "chat"

// Publisher accepts messages for relaying.
type Publisher interface {
	Publish(ctx context.Context, msg Message)
}

// Broadcaster fans a serialized message out to a room.
type Broadcaster interface {
	Broadcast(ctx context.Context, roomID int64, payload []byte)
}

// Producer publishes inbound messages onto the bus.
type Producer struct {
	pub     bus.Publisher
	channel string
	log     *zerolog.Logger
	obs     Observer
}

// NewProducer creates a producer writing to channel.
func NewProducer(pub bus.Publisher, channel string, logger *zerolog.Logger, obs Observer) *Producer {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Producer{
		pub:     pub,
		channel: channel,
		log:     loggerOrNop(logger),
		obs:     observerOrNop(obs),
	}
}

// Publish serializes msg and appends it to the bus keyed by room. Failures
// are logged and the message is dropped; the caller is never told.
func (p *Producer) Publish(ctx context.Context, msg Message) {
	payload, err := proto.Encode(msg.Frame())
	if err != nil {
		report(p.log, p.obs, &RelayError{Kind: FailureEncode, RoomID: msg.RoomID, Err: err}, "drop message: encode failed")
		return
	}
	if err := p.pub.Publish(ctx, p.channel, RoomKey(msg.RoomID), payload); err != nil {
		report(p.log, p.obs, &RelayError{Kind: FailurePublish, RoomID: msg.RoomID, Err: err}, "drop message: publish failed")
		return
	}

	p.log.Debug().Int64("room_id", msg.RoomID).Str("sender", msg.Sender).Msg("message published")
	p.obs.Published(msg.RoomID)
}

// Consumer drains the bus: every record is persisted and then broadcast.
type Consumer struct {
	sub     bus.Subscriber
	channel string
	history HistoryStore
	out     Broadcaster
	log     *zerolog.Logger
	obs     Observer
}

// NewConsumer creates a consumer of channel.
func NewConsumer(sub bus.Subscriber, channel string, history HistoryStore, out Broadcaster, logger *zerolog.Logger, obs Observer) *Consumer {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Consumer{
		sub:     sub,
		channel: channel,
		history: history,
		out:     out,
		log:     loggerOrNop(logger),
		obs:     observerOrNop(obs),
	}
}

// Run consumes until ctx is done or the bus is closed. Both count as a clean
// stop; any other subscription error is returned.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info().Str("channel", c.channel).Msg("relay consumer started")
	err := c.sub.Subscribe(ctx, c.channel, c.Handle)
	if err == nil || ctx.Err() != nil || errors.Is(err, bus.ErrClosed) {
		c.log.Info().Str("channel", c.channel).Msg("relay consumer stopped")
		return nil
	}
	return err
}

// Handle processes one bus record. It always returns nil: malformed records
// are discarded and persistence failures do not hold back the broadcast.
func (c *Consumer) Handle(ctx context.Context, _ string, value []byte) error {
	frame, err := proto.Decode(value)
	if err != nil {
		report(c.log, c.obs, &RelayError{Kind: FailureDecode, Err: err}, "discard bus record")
		return nil
	}
	msg := MessageFromFrame(frame)
	c.obs.Consumed(msg.RoomID)

	if stored, err := c.history.Append(ctx, msg); err != nil {
		report(c.log, c.obs, &RelayError{Kind: FailurePersist, RoomID: msg.RoomID, Err: err}, "persist failed, broadcasting anyway")
	} else {
		c.log.Info().
			Int64("room_id", msg.RoomID).
			Int64("message_id", stored.ID).
			Str("sender", msg.Sender).
			Msg("message stored")
	}

	payload, err := proto.Encode(msg.Frame())
	if err != nil {
		report(c.log, c.obs, &RelayError{Kind: FailureEncode, RoomID: msg.RoomID, Err: err}, "skip broadcast: encode failed")
		return nil
	}
	c.out.Broadcast(ctx, msg.RoomID, payload)
	return nil
}
