package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/septivank/meter-rule-engine/internal/api"
	"github.com/septivank/meter-rule-engine/internal/config"
	"github.com/septivank/meter-rule-engine/internal/db"
	"github.com/septivank/meter-rule-engine/internal/dispatch"
	"github.com/septivank/meter-rule-engine/internal/engine"
	"github.com/septivank/meter-rule-engine/internal/metrics"
	"github.com/septivank/meter-rule-engine/internal/mq"
	"github.com/septivank/meter-rule-engine/internal/repository"
	"github.com/septivank/meter-rule-engine/internal/rules"
	"github.com/septivank/meter-rule-engine/internal/seed"
	"github.com/septivank/meter-rule-engine/internal/service"
	"github.com/septivank/meter-rule-engine/internal/validator"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// appOptions assembles the fx graph for the configured store, transport and ingest
func appOptions(cfg *config.Config, logger *zap.Logger) []fx.Option {
	opts := []fx.Option{
		fx.Supply(cfg, logger),
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.Provide(
			ProvideRegistry,
			ProvideMetrics,
			ProvideDispatcher,
			ProvideEngine,
			ProvideMeterService,
			ProvideHandler,
			ProvideRouter,
			ProvideHTTPServer,
		),
		fx.Invoke(func(*http.Server) {}),
	}

	switch cfg.StoreDriver {
	case config.StoreMemory:
		opts = append(opts, fx.Provide(ProvideMemoryStore))
	default:
		opts = append(opts, fx.Provide(ProvideDBPool, ProvideRepository, ProvidePostgresStore))
	}

	if cfg.NeedsRabbitMQ() {
		opts = append(opts, fx.Provide(ProvideMQConnection))
	}

	switch cfg.Dispatch.Transport {
	case config.TransportAMQP:
		opts = append(opts, fx.Provide(ProvideAMQPActions))
	case config.TransportKafka:
		opts = append(opts, fx.Provide(ProvideKafkaActions))
	default:
		opts = append(opts, fx.Provide(ProvideLogActions))
	}

	if cfg.SeedFile != "" {
		opts = append(opts, fx.Invoke(applySeed))
	}

	if cfg.Ingest.Enabled {
		opts = append(opts,
			fx.Provide(ProvideValidator, ProvideProcessorService),
			fx.Invoke(startConsumer),
		)
	}

	return opts
}

// ProvideRegistry creates the Prometheus registry served on /metrics
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ProvideMetrics registers the engine collectors
func ProvideMetrics(reg *prometheus.Registry) (*metrics.Metrics, error) {
	return metrics.New(reg)
}

// ProvideDBPool creates a new database pool instance
func ProvideDBPool(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*db.Pool, error) {
	return db.NewPool(lc, logger, cfg.Database.URL)
}

// ProvideRepository creates the Postgres repository and migrates the schema on start
func ProvideRepository(lc fx.Lifecycle, pool *db.Pool, cfg *config.Config, logger *zap.Logger) *repository.Repository {
	repo := repository.NewRepository(pool)
	if cfg.Database.Migrate {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := repo.Migrate(ctx); err != nil {
					return err
				}
				logger.Info("database schema migrated")
				return nil
			},
		})
	}
	return repo
}

// ProvidePostgresStore exposes the repository as the engine store
func ProvidePostgresStore(repo *repository.Repository) engine.Store {
	return repo
}

// ProvideMemoryStore creates an in-process store
func ProvideMemoryStore(logger *zap.Logger) engine.Store {
	logger.Warn("using in-memory store, data is lost on restart")
	return repository.NewMemory()
}

// ProvideMQConnection creates a new RabbitMQ connection instance
func ProvideMQConnection(lc fx.Lifecycle, logger *zap.Logger, cfg *config.Config) (*mq.Connection, error) {
	return mq.NewConnection(lc, logger, cfg.RabbitMQ.URL)
}

// ProvideAMQPActions publishes fired actions to the RabbitMQ actions exchange
func ProvideAMQPActions(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, logger *zap.Logger) (dispatch.Actions, error) {
	a, err := mq.NewAMQPActions(conn, cfg.RabbitMQ.ActionsExchange, logger)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return a.Close()
		},
	})
	return a, nil
}

// ProvideKafkaActions publishes fired actions to a Kafka topic
func ProvideKafkaActions(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger) (dispatch.Actions, error) {
	return mq.NewKafkaActions(lc, cfg.Kafka.Brokers, cfg.Kafka.ActionsTopic, logger)
}

// ProvideLogActions only logs fired actions
func ProvideLogActions(logger *zap.Logger) dispatch.Actions {
	return dispatch.NewLogActions(logger)
}

// ProvideDispatcher creates the action dispatcher
func ProvideDispatcher(actions dispatch.Actions, m *metrics.Metrics, logger *zap.Logger) *dispatch.Dispatcher {
	return dispatch.NewDispatcher(actions, m, logger)
}

// ProvideEngine creates the rule engine
func ProvideEngine(store engine.Store, d *dispatch.Dispatcher, m *metrics.Metrics, logger *zap.Logger) *engine.Engine {
	return engine.NewEngine(store, d, m, logger)
}

// ProvideMeterService creates the meter catalogue service
func ProvideMeterService(store engine.Store, logger *zap.Logger) *service.MeterService {
	return service.NewMeterService(store, logger)
}

// ProvideValidator creates a new validator instance
func ProvideValidator(cfg *config.Config) *validator.Validator {
	return validator.NewValidator(cfg.Validation.TimestampToleranceMinutes)
}

// ProvideProcessorService creates a new processor service instance
func ProvideProcessorService(eng *engine.Engine, v *validator.Validator, m *metrics.Metrics, logger *zap.Logger) *service.ProcessorService {
	return service.NewProcessorService(eng, v, m, logger)
}

// ProvideHandler creates the HTTP handler
func ProvideHandler(meters *service.MeterService, eng *engine.Engine, logger *zap.Logger) *api.Handler {
	return api.NewHandler(meters, eng, logger)
}

// ProvideRouter creates the HTTP router
func ProvideRouter(h *api.Handler, reg *prometheus.Registry) *mux.Router {
	return api.NewRouter(h, reg)
}

// ProvideHTTPServer creates the HTTP server
func ProvideHTTPServer(lc fx.Lifecycle, router *mux.Router, cfg *config.Config, logger *zap.Logger) *http.Server {
	return api.NewServer(lc, router, cfg.ServicePort, logger)
}

func applySeed(lc fx.Lifecycle, svc *service.MeterService, cfg *config.Config, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			f, err := seed.LoadYAML(cfg.SeedFile)
			if err != nil {
				return fmt.Errorf("failed to load meter seed: %w", err)
			}
			if err := seed.Apply(ctx, svc, f, logger); err != nil {
				logger.Error("some seed meters were not loaded", zap.Strings("errors", rules.Messages(err)))
			}
			return nil
		},
	})
}

func startConsumer(lc fx.Lifecycle, conn *mq.Connection, cfg *config.Config, processor *service.ProcessorService, logger *zap.Logger) error {
	consumer, err := mq.NewConsumer(conn, mq.ConsumerConfig{
		Queue:         cfg.RabbitMQ.IngestQueue,
		DLQQueue:      cfg.RabbitMQ.DLQQueue,
		Exchange:      cfg.RabbitMQ.IngestExchange,
		RoutingKey:    cfg.RabbitMQ.IngestRoutingKey,
		PrefetchCount: cfg.RabbitMQ.PrefetchCount,
	}, processor.ProcessMessage, logger)
	if err != nil {
		return err
	}
	consumer.RegisterLifecycle(lc)
	return nil
}
