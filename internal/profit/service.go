// Package profit exposes the three core operations: train, status and
// forecast.
package profit

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fractal-lba/profitcast/internal/aggregate"
	"github.com/fractal-lba/profitcast/internal/api"
	"github.com/fractal-lba/profitcast/internal/artifact"
	"github.com/fractal-lba/profitcast/internal/forecast"
	"github.com/fractal-lba/profitcast/internal/metrics"
	"github.com/fractal-lba/profitcast/internal/training"
	"github.com/fractal-lba/profitcast/pkg/otel"
)

// Forecast outcomes recorded in metrics.
const (
	outcomeOK         = "ok"
	outcomeNotTrained = "not_trained"
	outcomeBadInput   = "invalid_input"
	outcomeError      = "error"
)

// Service wires the pipeline, artifact reader and forecast generator.
type Service struct {
	pipeline  *training.Pipeline
	reader    *artifact.Reader
	collector *aggregate.Collector
	generator *forecast.Generator
	cfg       forecast.Config
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// Deps are the collaborators of a Service.
type Deps struct {
	Pipeline  *training.Pipeline
	Reader    *artifact.Reader
	Collector *aggregate.Collector
	Generator *forecast.Generator
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// NewService creates a Service.
func NewService(cfg forecast.Config, deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	return &Service{
		pipeline:  deps.Pipeline,
		reader:    deps.Reader,
		collector: deps.Collector,
		generator: deps.Generator,
		cfg:       cfg,
		metrics:   deps.Metrics,
		logger:    deps.Logger.Named("profit"),
	}
}

// Train fits and persists a new model.
func (s *Service) Train(ctx context.Context, alg api.Algorithm, horizonDays int) (*api.TrainResult, error) {
	return s.pipeline.Train(ctx, training.Request{Algorithm: alg, HorizonDays: horizonDays})
}

// Status reports whether a model exists. It never fails: backend problems
// are logged and reported as untrained with a message.
func (s *Service) Status(ctx context.Context) api.StatusResult {
	ctx, span := otel.StartSpan(ctx, "profit.status")
	defer span.End()

	loaded, err := s.reader.Current(ctx)
	if errors.Is(err, api.ErrModelNotTrained) {
		return api.StatusResult{Trained: false, Message: "model not trained yet"}
	}
	if err != nil {
		otel.RecordError(span, err, "status lookup failed")
		s.logger.Error("failed to read model status", zap.Error(err))
		return api.StatusResult{Trained: false, Message: fmt.Sprintf("model status unavailable: %v", err)}
	}

	meta := loaded.Metadata
	meta.MAE = api.RoundPtr(meta.MAE, 2)
	meta.R2 = api.RoundPtr(meta.R2, 4)
	return api.StatusResult{Trained: true, Metadata: &meta}
}

// Forecast predicts daysAhead days of profit from recent history.
// api.ErrModelNotTrained is returned when no artifact exists.
func (s *Service) Forecast(ctx context.Context, daysAhead int) (*api.ForecastResult, error) {
	ctx, span := otel.StartSpan(ctx, "profit.forecast", otel.AttrForecastDays.Int(daysAhead))
	defer span.End()

	res, err := s.forecast(ctx, daysAhead)
	s.metrics.Forecasts.WithLabelValues(forecastOutcome(err)).Inc()
	if err != nil {
		otel.RecordError(span, err, "forecast failed")
		return nil, err
	}
	s.metrics.ForecastHorizon.Observe(float64(daysAhead))
	return res, nil
}

func (s *Service) forecast(ctx context.Context, daysAhead int) (*api.ForecastResult, error) {
	if daysAhead < 1 || daysAhead > s.cfg.MaxDays {
		return nil, fmt.Errorf("%w: days ahead must be in [1, %d], got %d", api.ErrInvalidInput, s.cfg.MaxDays, daysAhead)
	}

	loaded, err := s.reader.Current(ctx)
	if err != nil {
		return nil, err
	}

	collected, err := s.collector.CollectWindow(ctx, s.cfg.HistoryDays)
	if err != nil {
		return nil, err
	}
	if collected.Synthetic {
		s.metrics.SyntheticRuns.Inc()
		s.logger.Warn("forecasting from synthetic history",
			zap.Int("raw_rows", collected.RawRows),
			zap.Int("history_days", s.cfg.HistoryDays))
	}

	out, err := s.generator.Generate(ctx, loaded, collected.Series, daysAhead)
	if err != nil {
		return nil, err
	}
	out.Result.SyntheticHistory = collected.Synthetic
	if out.Sanitized > 0 {
		s.metrics.SanitizedValues.WithLabelValues("forecast").Add(float64(out.Sanitized))
	}

	otel.AddEvent(trace.SpanFromContext(ctx), "forecast.generated",
		otel.ForecastAttributes(daysAhead, len(collected.Series), out.Result.Summary.TotalPredictedProfit)...)
	s.logger.Debug("forecast generated",
		zap.String("version", loaded.Metadata.Version),
		zap.Int("days", daysAhead),
		zap.Int("history_rows", len(collected.Series)),
		zap.Bool("synthetic_history", collected.Synthetic))
	return &out.Result, nil
}

func forecastOutcome(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, api.ErrModelNotTrained):
		return outcomeNotTrained
	case errors.Is(err, api.ErrInvalidInput), errors.Is(err, api.ErrFeatureAlignment):
		return outcomeBadInput
	default:
		return outcomeError
	}
}
