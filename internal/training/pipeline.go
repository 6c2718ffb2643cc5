// Package training runs the offline batch that turns collected history
// into a persisted model artifact.
package training

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fractal-lba/profitcast/internal/aggregate"
	"github.com/fractal-lba/profitcast/internal/api"
	"github.com/fractal-lba/profitcast/internal/artifact"
	"github.com/fractal-lba/profitcast/internal/events"
	"github.com/fractal-lba/profitcast/internal/features"
	"github.com/fractal-lba/profitcast/internal/journal"
	"github.com/fractal-lba/profitcast/internal/metrics"
	"github.com/fractal-lba/profitcast/internal/model"
	"github.com/fractal-lba/profitcast/pkg/otel"
)

// Config defines training hyperparameters
type Config struct {
	MinSamples         int            `mapstructure:"min_samples"`
	TestFraction       float64        `mapstructure:"test_fraction"`
	SplitSeed          int64          `mapstructure:"split_seed"`
	DefaultAlgorithm   string         `mapstructure:"default_algorithm"`
	DefaultHorizonDays int            `mapstructure:"default_horizon_days"`
	Bagged             model.Params   `mapstructure:"bagged"`
	Boosted            model.Params   `mapstructure:"boosted"`
	Schedule           ScheduleConfig `mapstructure:"schedule"`
}

// DefaultConfig returns production training configuration
func DefaultConfig() Config {
	return Config{
		MinSamples:         10,
		TestFraction:       0.1,
		SplitSeed:          42,
		DefaultAlgorithm:   string(api.AlgorithmBagged),
		DefaultHorizonDays: 30,
		Bagged:             model.BaggedDefaults(),
		Boosted:            model.BoostedDefaults(),
		Schedule:           DefaultScheduleConfig(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MinSamples < 2 {
		return fmt.Errorf("%w: training.min_samples must be >= 2", api.ErrInvalidInput)
	}
	if c.TestFraction <= 0 || c.TestFraction >= 1 {
		return fmt.Errorf("%w: training.test_fraction must be in (0, 1)", api.ErrInvalidInput)
	}
	if _, err := api.ParseAlgorithm(c.DefaultAlgorithm); err != nil {
		return err
	}
	if c.DefaultHorizonDays < 1 {
		return fmt.Errorf("%w: training.default_horizon_days must be >= 1", api.ErrInvalidInput)
	}
	return c.Schedule.Validate()
}

func (c Config) params(alg api.Algorithm) model.Params {
	if alg == api.AlgorithmBoosted {
		return c.Boosted
	}
	return c.Bagged
}

type triggerKey struct{}

// WithTrigger labels runs started under ctx, e.g. "cli" or "http".
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, triggerKey{}, trigger)
}

func triggerFrom(ctx context.Context) string {
	s, _ := ctx.Value(triggerKey{}).(string)
	return s
}

// Request selects what to train.
type Request struct {
	Algorithm   api.Algorithm
	HorizonDays int
	// Trigger records who started the run; empty falls back to WithTrigger.
	Trigger string
}

// Deps are the collaborators of a Pipeline. Collector and Store are
// required; the rest default to no-op or fresh instances.
type Deps struct {
	Collector *aggregate.Collector
	Engineer  *features.Engineer
	Store     artifact.Store
	// StoreBackend names the store in traces.
	StoreBackend string
	Metrics      *metrics.Metrics
	Journal      journal.Recorder
	Publisher    events.Publisher
	Logger       *zap.Logger
	Now          func() time.Time
}

// RunStats tracks pipeline outcomes
type RunStats struct {
	TotalRuns        int64
	SuccessfulRuns   int64
	FailedRuns       int64
	SkippedRuns      int64
	LastRunDuration  time.Duration
	LastDatasetSize  int
	LastModelVersion string
}

// Pipeline trains and persists models for one artifact slot. At most one
// run is active per process; the store's Locker, when present, extends
// that across processes.
type Pipeline struct {
	running sync.Mutex
	cfg     Config
	deps    Deps
	logger  *zap.Logger

	statsMu sync.RWMutex
	stats   RunStats
}

// NewPipeline creates a training pipeline
func NewPipeline(cfg Config, deps Deps) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Journal == nil {
		deps.Journal = journal.Nop{}
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Engineer == nil {
		deps.Engineer = features.New(features.DefaultConfig())
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(nil)
	}
	return &Pipeline{cfg: cfg, deps: deps, logger: deps.Logger.Named("training")}
}

// Train runs one training pass. No artifact is written unless every step
// succeeds.
func (p *Pipeline) Train(ctx context.Context, req Request) (*api.TrainResult, error) {
	if req.HorizonDays < 1 {
		return nil, fmt.Errorf("%w: horizon must be >= 1 day, got %d", api.ErrInvalidInput, req.HorizonDays)
	}
	if req.Algorithm == "" {
		req.Algorithm = api.AlgorithmBagged
	}
	if req.Trigger == "" {
		req.Trigger = triggerFrom(ctx)
	}

	if !p.running.TryLock() {
		p.skipped(req, "process")
		return nil, api.ErrTrainingInProgress
	}
	defer p.running.Unlock()

	if locker, ok := p.deps.Store.(artifact.Locker); ok {
		unlock, err := locker.Lock(ctx)
		if err != nil {
			if errors.Is(err, api.ErrTrainingInProgress) {
				p.skipped(req, "store")
			}
			return nil, err
		}
		defer unlock()
	}

	ctx, span := otel.StartSpan(ctx, "training.run",
		otel.ModelAttributes("", string(req.Algorithm), "")...)
	defer span.End()

	run := journal.Run{
		ID:          uuid.NewString(),
		StartedAt:   p.deps.Now().UTC(),
		Algorithm:   req.Algorithm,
		HorizonDays: req.HorizonDays,
		Trigger:     req.Trigger,
	}
	start := time.Now()

	result, err := p.train(ctx, req, &run)
	run.Duration = time.Since(start)

	switch {
	case err == nil:
		run.Outcome = journal.OutcomeSuccess
	case errors.Is(err, api.ErrInsufficientData):
		run.Outcome = journal.OutcomeInsufficient
	default:
		run.Outcome = journal.OutcomeFailed
	}
	if err != nil {
		run.Error = err.Error()
		otel.RecordError(span, err, "training failed")
	}
	p.finish(req, run, result)

	if err != nil {
		return nil, err
	}
	span.SetAttributes(otel.TrainingAttributes(run.RawRows, run.Samples, run.Synthetic,
		result.Metrics.MAE, result.Metrics.R2)...)
	return result, nil
}

func (p *Pipeline) train(ctx context.Context, req Request, run *journal.Run) (*api.TrainResult, error) {
	collected, err := p.deps.Collector.Collect(ctx)
	if err != nil {
		return nil, err
	}
	run.RawRows = collected.RawRows
	run.Synthetic = collected.Synthetic
	if collected.Synthetic {
		p.deps.Metrics.SyntheticRuns.Inc()
	}

	m, err := p.deps.Engineer.Transform(collected.Series)
	if err != nil {
		return nil, err
	}
	run.Samples = m.Len()
	if m.Sanitized > 0 {
		p.deps.Metrics.SanitizedValues.WithLabelValues("training").Add(float64(m.Sanitized))
		p.logger.Warn("non-finite feature values replaced with zero",
			zap.Int("count", m.Sanitized))
	}
	if m.Len() < p.cfg.MinSamples {
		return nil, &api.InsufficientDataError{
			RawRows:  collected.RawRows,
			Samples:  m.Len(),
			Required: p.cfg.MinSamples,
		}
	}

	trainIdx, testIdx := model.Split(m.Len(), p.cfg.TestFraction, p.cfg.SplitSeed)
	xTrain, yTrain := model.Subset(m.Rows, m.Targets, trainIdx)
	xTest, yTest := model.Subset(m.Rows, m.Targets, testIdx)

	scaler, err := model.FitScaler(xTrain)
	if err != nil {
		return nil, err
	}
	if xTrain, err = scaler.TransformAll(xTrain); err != nil {
		return nil, err
	}
	if xTest, err = scaler.TransformAll(xTest); err != nil {
		return nil, err
	}

	reg, err := model.New(req.Algorithm, p.cfg.params(req.Algorithm))
	if err != nil {
		return nil, err
	}
	if err := reg.Fit(ctx, xTrain, yTrain); err != nil {
		return nil, fmt.Errorf("training failed: %w", err)
	}

	preds := make([]float64, len(xTest))
	for i, x := range xTest {
		preds[i] = reg.Predict(x)
	}
	mae := api.Finite(model.MAE(yTest, preds))
	r2 := api.Finite(model.R2(yTest, preds))

	now := p.deps.Now().UTC()
	meta := api.ModelMetadata{
		Version:         artifact.NewVersion(now),
		TrainedAt:       now,
		Algorithm:       req.Algorithm,
		HorizonDays:     req.HorizonDays,
		TrainSamples:    len(trainIdx),
		TestSamples:     len(testIdx),
		MAE:             mae,
		R2:              r2,
		FeatureCount:    len(m.Columns),
		RawRows:         collected.RawRows,
		Synthetic:       collected.Synthetic,
		SanitizedValues: m.Sanitized,
		DatasetHash:     datasetHash(m),
	}

	modelBlob, err := model.Encode(reg)
	if err != nil {
		return nil, err
	}
	scalerBlob, err := scaler.Marshal()
	if err != nil {
		return nil, err
	}
	saveCtx, saveSpan := otel.StartSpan(ctx, "artifact.save",
		append(otel.ModelAttributes(meta.Version, string(meta.Algorithm), ""),
			otel.StoreAttributes(p.deps.StoreBackend, "save")...)...)
	err = p.deps.Store.Save(saveCtx, &artifact.Artifact{
		Metadata: meta,
		Columns:  m.Columns,
		Model:    modelBlob,
		Scaler:   scalerBlob,
	})
	otel.RecordError(saveSpan, err, "artifact save failed")
	saveSpan.End()
	if err != nil {
		return nil, err
	}
	run.Version = meta.Version
	run.MAE, run.R2 = mae, r2

	p.logger.Info("training completed",
		zap.String("version", meta.Version),
		zap.String("algorithm", string(meta.Algorithm)),
		zap.Int("train_samples", meta.TrainSamples),
		zap.Int("test_samples", meta.TestSamples),
		zap.Any("r2_score", api.RoundPtr(r2, 4)),
		zap.Any("mae", api.RoundPtr(mae, 2)),
		zap.Int("days_ahead", meta.HorizonDays),
		zap.Bool("synthetic", meta.Synthetic))

	if err := p.deps.Publisher.PublishModelTrained(ctx, events.NewModelTrained(meta)); err != nil {
		p.deps.Metrics.EventPublishErrors.Inc()
		p.logger.Warn("failed to publish model.trained", zap.Error(err))
	}

	return &api.TrainResult{
		Trained: true,
		Metrics: api.TrainMetrics{
			MAE:          mae,
			R2:           r2,
			TrainSamples: meta.TrainSamples,
			TestSamples:  meta.TestSamples,
		},
		Metadata: meta,
	}, nil
}

// finish records a completed attempt in stats, metrics and the journal.
func (p *Pipeline) finish(req Request, run journal.Run, result *api.TrainResult) {
	p.statsMu.Lock()
	p.stats.TotalRuns++
	p.stats.LastRunDuration = run.Duration
	p.stats.LastDatasetSize = run.Samples
	if result != nil {
		p.stats.SuccessfulRuns++
		p.stats.LastModelVersion = result.Metadata.Version
	} else {
		p.stats.FailedRuns++
	}
	p.statsMu.Unlock()

	m := p.deps.Metrics
	m.TrainingRuns.WithLabelValues(string(req.Algorithm), run.Outcome).Inc()
	if result != nil {
		m.TrainingDuration.WithLabelValues(string(req.Algorithm)).Observe(run.Duration.Seconds())
		m.TrainingSamples.Set(float64(result.Metrics.TrainSamples))
		m.ModelMAE.Set(gaugeValue(result.Metrics.MAE))
		m.ModelR2.Set(gaugeValue(result.Metrics.R2))
	}

	if err := p.deps.Journal.Append(run); err != nil {
		p.logger.Error("failed to append training journal", zap.Error(err))
	}
	if run.Outcome != journal.OutcomeSuccess {
		p.logger.Warn("training run did not produce a model",
			zap.String("outcome", run.Outcome),
			zap.String("error", run.Error),
			zap.Int("raw_rows", run.RawRows),
			zap.Int("samples", run.Samples))
	}
}

func (p *Pipeline) skipped(req Request, holder string) {
	p.statsMu.Lock()
	p.stats.SkippedRuns++
	p.statsMu.Unlock()

	p.deps.Metrics.TrainingRuns.WithLabelValues(string(req.Algorithm), journal.OutcomeSkipped).Inc()
	if err := p.deps.Journal.Append(journal.Run{
		ID:          uuid.NewString(),
		StartedAt:   p.deps.Now().UTC(),
		Algorithm:   req.Algorithm,
		HorizonDays: req.HorizonDays,
		Outcome:     journal.OutcomeSkipped,
		Error:       api.ErrTrainingInProgress.Error() + " (" + holder + ")",
		Trigger:     req.Trigger,
	}); err != nil {
		p.logger.Error("failed to append training journal", zap.Error(err))
	}
}

// Stats returns pipeline counters.
func (p *Pipeline) Stats() RunStats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config { return p.cfg }

func gaugeValue(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

// datasetHash is a SHA-256 over the design matrix and targets, so two
// artifacts trained on identical data can be recognised.
func datasetHash(m *features.Matrix) string {
	hasher := sha256.New()
	for _, c := range m.Columns {
		fmt.Fprintf(hasher, "%s,", c)
	}
	hasher.Write([]byte("\n"))
	for i, row := range m.Rows {
		for _, v := range row {
			fmt.Fprintf(hasher, "%.9f,", v)
		}
		fmt.Fprintf(hasher, "|%.9f\n", m.Targets[i])
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
