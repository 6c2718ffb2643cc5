package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fractal-lba/profitcast/internal/aggregate"
	"github.com/fractal-lba/profitcast/internal/artifact"
	"github.com/fractal-lba/profitcast/internal/config"
	"github.com/fractal-lba/profitcast/internal/events"
	"github.com/fractal-lba/profitcast/internal/features"
	"github.com/fractal-lba/profitcast/internal/forecast"
	"github.com/fractal-lba/profitcast/internal/journal"
	"github.com/fractal-lba/profitcast/internal/metrics"
	"github.com/fractal-lba/profitcast/internal/profit"
	"github.com/fractal-lba/profitcast/internal/training"
	"github.com/fractal-lba/profitcast/pkg/otel"
)

// app is the fully wired service plus everything that needs closing.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	pipeline *training.Pipeline
	service  *profit.Service
	closers  []func(context.Context) error
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging.level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	if cfg.Telemetry.Enabled {
		tp, err := otel.InitTracer(ctx, &cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("failed to init tracing: %w", err)
		}
		a.onClose(func(ctx context.Context) error { return otel.Shutdown(ctx, tp) })
		logger.Info("tracing enabled", zap.String("collector", cfg.Telemetry.CollectorEndpoint))
	}

	var source aggregate.Source
	if cfg.Source.PostgresDSN != "" {
		pg, err := aggregate.NewPostgresSource(ctx, cfg.Source.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return pg.Close() })
		source = pg
	} else {
		logger.Warn("no source.postgres_dsn configured, every run uses synthetic history")
	}

	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return store.Close() })

	reader, err := artifact.NewReader(store, cfg.Store.CacheSize, cfg.Store.CacheTTL)
	if err != nil {
		return nil, err
	}
	a.metrics = metrics.New(func() (uint64, uint64) {
		s := reader.Stats()
		return s.Hits, s.Misses
	})

	var recorder journal.Recorder = journal.Nop{}
	if cfg.Journal.Dir != "" {
		j, err := journal.Open(cfg.Journal.Dir)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return j.Close() })
		recorder = j
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.Events.Enabled {
		kp, err := events.NewKafkaPublisher(cfg.Events.Kafka, cfg.Store.Slot)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return kp.Close() })
		publisher = kp
	}

	collector := aggregate.NewCollector(source, cfg.Collector, time.Now, logger.Named("aggregate"))
	engineer := features.New(cfg.Features)

	a.pipeline = training.NewPipeline(cfg.Training, training.Deps{
		Collector:    collector,
		Engineer:     engineer,
		Store:        store,
		StoreBackend: cfg.Store.Backend,
		Metrics:      a.metrics,
		Journal:      recorder,
		Publisher:    publisher,
		Logger:       logger,
	})
	a.service = profit.NewService(cfg.Forecast, profit.Deps{
		Pipeline:  a.pipeline,
		Reader:    reader,
		Collector: collector,
		Generator: forecast.NewGenerator(cfg.Forecast, engineer, forecast.TimeSeeded, logger),
		Metrics:   a.metrics,
		Logger:    logger,
	})
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (artifact.Store, error) {
	switch cfg.Backend {
	case config.BackendFile:
		return artifact.NewFileStore(cfg.Dir, cfg.Slot, cfg.Keep)
	case config.BackendMemory:
		return artifact.NewMemoryStore(), nil
	case config.BackendRedis:
		opts := cfg.Redis.Options(cfg.Slot)
		opts.Logger = logger
		return artifact.NewRedisStore(opts)
	case config.BackendPostgres:
		return artifact.NewPostgresStore(ctx, cfg.PostgresDSN, cfg.Slot)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("error during shutdown", zap.Error(err))
		}
	}
	a.closers = nil
}
