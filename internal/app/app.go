package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-relay/internal/bus"
	"github.com/vovakirdan/wirechat-relay/internal/bus/kafka"
	"github.com/vovakirdan/wirechat-relay/internal/bus/memory"
	"github.com/vovakirdan/wirechat-relay/internal/bus/nats"
	"github.com/vovakirdan/wirechat-relay/internal/bus/redis"
	"github.com/vovakirdan/wirechat-relay/internal/config"
	"github.com/vovakirdan/wirechat-relay/internal/core"
	"github.com/vovakirdan/wirechat-relay/internal/metrics"
	"github.com/vovakirdan/wirechat-relay/internal/store"
	"github.com/vovakirdan/wirechat-relay/internal/store/postgres"
	"github.com/vovakirdan/wirechat-relay/internal/store/sqlite"
	transporthttp "github.com/vovakirdan/wirechat-relay/internal/transport/http"
)

// App wires together core and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	consumer        *core.Consumer
	registry        *core.Registry
	bus             bus.Bus
	store           store.Store
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	st, err := newStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("driver", cfg.Store.Driver).Int("history_limit", cfg.Store.HistoryLimit).Msg("history store initialized")

	b, err := newBus(ctx, cfg.Bus)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init bus: %w", err)
	}
	logger.Info().Str("driver", cfg.Bus.Driver).Str("channel", cfg.Bus.Channel).Msg("message bus initialized")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	registry := core.NewRegistry(logger,
		core.WithRegistryObserver(m),
		core.WithSendTimeout(cfg.SendTimeout),
	)
	m.RegisterRegistry(registry)

	producer := core.NewProducer(b, cfg.Bus.Channel, logger, m)
	consumer := core.NewConsumer(b, cfg.Bus.Channel, st, registry, logger, m)

	server := transporthttp.NewServer(transporthttp.Deps{
		Members:  registry,
		History:  st,
		Out:      producer,
		Observer: m,
		Gatherer: reg,
	}, cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		consumer:        consumer,
		registry:        registry,
		bus:             b,
		store:           st,
		log:             logger,
	}, nil
}

func newStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	opts := []store.Option{store.WithHistoryLimit(cfg.HistoryLimit)}
	switch cfg.Driver {
	case config.StoreSQLite:
		return sqlite.New(cfg.SQLitePath, opts...)
	case config.StorePostgres:
		return postgres.Connect(ctx, cfg.PostgresURL, opts...)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func newBus(ctx context.Context, cfg config.BusConfig) (bus.Bus, error) {
	switch cfg.Driver {
	case config.BusMemory:
		return memory.New(), nil
	case config.BusNATS:
		return nats.Dial(nats.Config{
			URL:          cfg.NATS.URL,
			Stream:       cfg.NATS.Stream,
			Channel:      cfg.Channel,
			Group:        cfg.Group,
			CreateStream: cfg.NATS.CreateStream,
		})
	case config.BusRedis:
		return redis.Dial(ctx, redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Group:    cfg.Group,
		})
	case config.BusKafka:
		return kafka.New(kafka.Config{
			Brokers:       cfg.Kafka.Brokers,
			Group:         cfg.Group,
			SASLMechanism: cfg.Kafka.SASLMechanism,
			Username:      cfg.Kafka.Username,
			Password:      cfg.Kafka.Password,
			TLS:           cfg.Kafka.TLS,
			BatchTimeout:  cfg.Kafka.BatchTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}

// Run starts the relay consumer and the HTTP server and blocks until context
// cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)
	consumerErr := make(chan error, 1)

	consumerCtx, stopConsumer := context.WithCancel(ctx)
	defer stopConsumer()

	go func() {
		consumerErr <- a.consumer.Run(consumerCtx)
	}()

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("http server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		stopConsumer()
		a.cleanup(consumerErr)
		return err
	case err := <-consumerErr:
		// The relay cannot work without its consumer.
		a.log.Error().Err(err).Msg("relay consumer stopped unexpectedly")
		a.shutdown()
		a.cleanup(nil)
		<-serverErr
		if err == nil {
			err = errors.New("relay consumer stopped")
		}
		return err
	case <-ctx.Done():
		err := a.shutdown()
		stopConsumer()
		a.cleanup(consumerErr)
		if err != nil {
			return err
		}
		return <-serverErr
	}
}

func (a *App) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()

	a.log.Info().Msg("shutting down http server")
	return a.server.Shutdown(shutdownCtx)
}

// cleanup closes the bus, waits for the consumer when it is still running
// and closes the store last so no append races its shutdown.
func (a *App) cleanup(consumerErr <-chan error) {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close bus")
		} else {
			a.log.Info().Msg("bus closed")
		}
	}
	if consumerErr != nil {
		select {
		case <-consumerErr:
		case <-time.After(a.shutdownTimeout):
			a.log.Warn().Msg("relay consumer did not stop in time")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}

// Handler exposes the HTTP handler for tests.
func (a *App) Handler() stdhttp.Handler {
	return a.server.Handler
}
