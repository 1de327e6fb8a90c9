// Package kafka implements bus.Bus on Kafka.
//
// Records are keyed by the caller's key and spread with a hash balancer, so
// records sharing a key land on one partition and keep their relative order.
// The reader joins a consumer group and starts from the earliest offset when
// the group has no committed position.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/vovakirdan/wirechat-relay/internal/bus"
)

// Config describes the brokers, consumer group and security settings.
type Config struct {
	Brokers       []string
	Group         string
	SASLMechanism string // "", "PLAIN", "SCRAM-SHA-256" or "SCRAM-SHA-512"
	Username      string
	Password      string
	TLS           bool

	// BatchTimeout caps how long a publish waits for its batch to fill.
	// Zero selects DefaultBatchTimeout.
	BatchTimeout time.Duration
}

// DefaultBatchTimeout keeps a single synchronous publish from waiting out
// the writer's one second default.
const DefaultBatchTimeout = 5 * time.Millisecond

// Bus is a Kafka-backed bus.Bus.
type Bus struct {
	cfg    Config
	writer *kafka.Writer
	dialer *kafka.Dialer

	mu      sync.Mutex
	readers []*kafka.Reader
	closed  bool
}

var _ bus.Bus = (*Bus)(nil)

// New builds the writer and dialer. No connection is made until first use.
func New(cfg Config) (*Bus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka bus: no brokers configured")
	}
	if cfg.Group == "" {
		return nil, errors.New("kafka bus: consumer group is required")
	}

	mechanism, err := saslMechanism(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	var tlsConfig *tls.Config
	if cfg.TLS {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: cfg.BatchTimeout,
		Transport: &kafka.Transport{
			SASL: mechanism,
			TLS:  tlsConfig,
		},
	}
	dialer := &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		SASLMechanism: mechanism,
		TLS:           tlsConfig,
	}

	return &Bus{cfg: cfg, writer: writer, dialer: dialer}, nil
}

func saslMechanism(cfg Config) (sasl.Mechanism, error) {
	switch strings.ToUpper(cfg.SASLMechanism) {
	case "":
		return nil, nil
	case "PLAIN":
		return plain.Mechanism{Username: cfg.Username, Password: cfg.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, cfg.Username, cfg.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, cfg.Username, cfg.Password)
	default:
		return nil, fmt.Errorf("kafka bus: unsupported sasl mechanism %q", cfg.SASLMechanism)
	}
}

// Publish writes one keyed message to the channel topic.
func (b *Bus) Publish(ctx context.Context, channel, key string, value []byte) error {
	err := b.writer.WriteMessages(ctx, kafka.Message{
		Topic: channel,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Subscribe consumes the channel topic as a member of the configured group
// and commits each offset after handle returns nil.
func (b *Bus) Subscribe(ctx context.Context, channel string, handle bus.Handler) error {
	reader, err := b.newReader(channel)
	if err != nil {
		return err
	}
	defer b.dropReader(reader)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return bus.ErrClosed
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}
		if err := handle(ctx, string(msg.Key), msg.Value); err != nil {
			return fmt.Errorf("kafka handle %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("kafka commit: %w", err)
		}
	}
}

func (b *Bus) newReader(channel string) (*kafka.Reader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, bus.ErrClosed
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.cfg.Brokers,
		GroupID:     b.cfg.Group,
		Topic:       channel,
		StartOffset: kafka.FirstOffset,
		Dialer:      b.dialer,
	})
	b.readers = append(b.readers, reader)
	return reader, nil
}

func (b *Bus) dropReader(reader *kafka.Reader) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, r := range b.readers {
		if r == reader {
			b.readers = append(b.readers[:i], b.readers[i+1:]...)
			break
		}
	}
	_ = reader.Close()
}

// Close closes the writer and every active reader.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	readers := b.readers
	b.readers = nil
	b.mu.Unlock()

	var errs []error
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
