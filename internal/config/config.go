package config

import (
	"errors"
	"fmt"
	"time"
)

// Bus and store drivers.
const (
	BusMemory = "memory"
	BusNATS   = "nats"
	BusRedis  = "redis"
	BusKafka  = "kafka"

	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string        `mapstructure:"log_format" yaml:"log_format"`

	// MaxMessageBytes caps one inbound websocket frame.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	// MessagesPerMinute limits inbound frames per connection. 0 disables it.
	MessagesPerMinute int `mapstructure:"messages_per_minute" yaml:"messages_per_minute"`
	// SendTimeout bounds one broadcast send. 0 disables it.
	SendTimeout    time.Duration `mapstructure:"send_timeout" yaml:"send_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`

	Bus   BusConfig   `mapstructure:"bus" yaml:"bus"`
	Store StoreConfig `mapstructure:"store" yaml:"store"`
}

// BusConfig selects and configures the message bus.
type BusConfig struct {
	Driver  string      `mapstructure:"driver" yaml:"driver"`
	Channel string      `mapstructure:"channel" yaml:"channel"`
	Group   string      `mapstructure:"group" yaml:"group"`
	NATS    NATSConfig  `mapstructure:"nats" yaml:"nats"`
	Redis   RedisConfig `mapstructure:"redis" yaml:"redis"`
	Kafka   KafkaConfig `mapstructure:"kafka" yaml:"kafka"`
}

// NATSConfig configures the JetStream bus. CreateStream creates the stream
// on startup when it does not exist.
type NATSConfig struct {
	URL          string `mapstructure:"url" yaml:"url"`
	Stream       string `mapstructure:"stream" yaml:"stream"`
	CreateStream bool   `mapstructure:"create_stream" yaml:"create_stream"`
}

// RedisConfig configures the Redis Streams bus.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

// KafkaConfig configures the Kafka bus. SASLMechanism is empty, PLAIN,
// SCRAM-SHA-256 or SCRAM-SHA-512.
type KafkaConfig struct {
	Brokers       []string      `mapstructure:"brokers" yaml:"brokers"`
	SASLMechanism string        `mapstructure:"sasl_mechanism" yaml:"sasl_mechanism"`
	Username      string        `mapstructure:"username" yaml:"username"`
	Password      string        `mapstructure:"password" yaml:"password"`
	TLS           bool          `mapstructure:"tls" yaml:"tls"`
	BatchTimeout  time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
}

// StoreConfig selects and configures the history store.
type StoreConfig struct {
	Driver       string `mapstructure:"driver" yaml:"driver"`
	SQLitePath   string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	PostgresURL  string `mapstructure:"postgres_url" yaml:"postgres_url"`
	HistoryLimit int    `mapstructure:"history_limit" yaml:"history_limit"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
		LogFormat:         "console",
		MaxMessageBytes:   64 << 10,
		MessagesPerMinute: 0,
		SendTimeout:       0,
		AllowedOrigins:    []string{},
		Bus: BusConfig{
			Driver:  BusMemory,
			Channel: "chat",
			Group:   "chat-group",
			NATS: NATSConfig{
				URL:    "nats://127.0.0.1:4222",
				Stream: "WIRECHAT",
			},
			Redis: RedisConfig{
				Addr: "127.0.0.1:6379",
			},
			Kafka: KafkaConfig{
				Brokers:      []string{"127.0.0.1:9092"},
				BatchTimeout: 5 * time.Millisecond,
			},
		},
		Store: StoreConfig{
			Driver:     StoreSQLite,
			SQLitePath: "wirechat.db",
		},
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
// Only the flat keys that can be set from the command line are merged.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.LogFormat != "" {
		c.LogFormat = other.LogFormat
	}
}

// Validate reports configuration that cannot start a server.
func (c Config) Validate() error {
	var errs []error

	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("max_message_bytes must be positive"))
	}
	if c.MessagesPerMinute < 0 {
		errs = append(errs, errors.New("messages_per_minute must not be negative"))
	}
	if c.SendTimeout < 0 {
		errs = append(errs, errors.New("send_timeout must not be negative"))
	}
	if c.Bus.Channel == "" {
		errs = append(errs, errors.New("bus.channel is required"))
	}

	switch c.Bus.Driver {
	case BusMemory:
	case BusNATS:
		if c.Bus.NATS.URL == "" || c.Bus.NATS.Stream == "" {
			errs = append(errs, errors.New("bus.nats.url and bus.nats.stream are required"))
		}
	case BusRedis:
		if c.Bus.Redis.Addr == "" {
			errs = append(errs, errors.New("bus.redis.addr is required"))
		}
	case BusKafka:
		if len(c.Bus.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("bus.kafka.brokers is required"))
		}
		if c.Bus.Kafka.BatchTimeout < 0 {
			errs = append(errs, errors.New("bus.kafka.batch_timeout must not be negative"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus.driver %q", c.Bus.Driver))
	}
	if c.Bus.Driver != BusMemory && c.Bus.Group == "" {
		errs = append(errs, errors.New("bus.group is required"))
	}

	switch c.Store.Driver {
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required"))
		}
	case StorePostgres:
		if c.Store.PostgresURL == "" {
			errs = append(errs, errors.New("store.postgres_url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Store.HistoryLimit < 0 {
		errs = append(errs, errors.New("store.history_limit must not be negative"))
	}

	return errors.Join(errs...)
}
