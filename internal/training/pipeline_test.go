package training

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractal-lba/profitcast/internal/aggregate"
	"github.com/fractal-lba/profitcast/internal/api"
	"github.com/fractal-lba/profitcast/internal/artifact"
	"github.com/fractal-lba/profitcast/internal/events"
	"github.com/fractal-lba/profitcast/internal/journal"
	"github.com/fractal-lba/profitcast/internal/metrics"
)

var fixedNow = time.Date(2025, 6, 15, 9, 30, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

// history returns n synthetic days ending yesterday relative to fixedNow.
func history(n int) []api.DailyMetricRecord {
	return aggregate.NewSynthesizer(7).Generate(api.Day(fixedNow), n)
}

type memJournal struct {
	mu   sync.Mutex
	runs []journal.Run
}

func (j *memJournal) Append(run journal.Run) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs = append(j.runs, run)
	return nil
}

func (j *memJournal) outcomes() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []string
	for _, r := range j.runs {
		out = append(out, r.Outcome)
	}
	return out
}

type failingPublisher struct{ events.Nop }

func (failingPublisher) PublishModelTrained(context.Context, events.ModelTrained) error {
	return errors.New("broker unavailable")
}

type fixture struct {
	pipeline *Pipeline
	store    *artifact.MemoryStore
	journal  *memJournal
	metrics  *metrics.Metrics
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Bagged.Trees = 8
	cfg.Bagged.MaxDepth = 6
	cfg.Boosted.Trees = 20
	return cfg
}

func newFixture(t *testing.T, src aggregate.Source, collector aggregate.CollectorConfig, pub events.Publisher) *fixture {
	t.Helper()
	if collector.Seed == 0 {
		collector.Seed = 3
	}
	f := &fixture{
		store:   artifact.NewMemoryStore(),
		journal: &memJournal{},
		metrics: metrics.New(nil),
	}
	f.pipeline = NewPipeline(fastConfig(), Deps{
		Collector: aggregate.NewCollector(src, collector, clock, nil),
		Store:     f.store,
		Metrics:   f.metrics,
		Journal:   f.journal,
		Publisher: pub,
		Now:       clock,
	})
	return f
}

func TestPipeline_FortyRowsYieldTenSamples(t *testing.T) {
	f := newFixture(t, &aggregate.StaticSource{Records: history(40)}, aggregate.DefaultCollectorConfig(), nil)

	res, err := f.pipeline.Train(context.Background(), Request{Algorithm: api.AlgorithmBagged, HorizonDays: 30})
	require.NoError(t, err)

	assert.True(t, res.Trained)
	assert.Equal(t, 10, res.Metrics.TrainSamples+res.Metrics.TestSamples)
	assert.Equal(t, 1, res.Metrics.TestSamples)
	assert.NotNil(t, res.Metrics.MAE)
	assert.Nil(t, res.Metrics.R2, "R2 is undefined on a single held-out row")
	assert.False(t, res.Metadata.Synthetic)
	assert.Equal(t, 40, res.Metadata.RawRows)
	assert.Equal(t, 30, res.Metadata.HorizonDays)
	assert.NotEmpty(t, res.Metadata.DatasetHash)

	version, err := f.store.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res.Metadata.Version, version)

	a, err := artifact.Load(context.Background(), f.store)
	require.NoError(t, err)
	assert.Equal(t, res.Metadata.FeatureCount, len(a.Columns))
	_, err = a.Decode()
	require.NoError(t, err)

	assert.Equal(t, []string{journal.OutcomeSuccess}, f.journal.outcomes())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TrainingRuns.WithLabelValues("ensemble_bagged", "success")))
}

func TestPipeline_ShortHistoryFallsBackToSynthetic(t *testing.T) {
	f := newFixture(t, &aggregate.StaticSource{Records: history(3)}, aggregate.DefaultCollectorConfig(), nil)

	res, err := f.pipeline.Train(context.Background(), Request{Algorithm: api.AlgorithmBoosted, HorizonDays: 30})
	require.NoError(t, err)

	assert.True(t, res.Metadata.Synthetic)
	assert.Equal(t, 3, res.Metadata.RawRows)
	assert.Equal(t, 335, res.Metrics.TrainSamples+res.Metrics.TestSamples)
	assert.Equal(t, 34, res.Metrics.TestSamples)
	assert.NotNil(t, res.Metrics.R2)
	assert.Equal(t, api.AlgorithmBoosted, res.Metadata.Algorithm)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SyntheticRuns))
}

func TestPipeline_InsufficientDataWritesNothing(t *testing.T) {
	cfg := aggregate.DefaultCollectorConfig()
	cfg.SyntheticDays = 35
	f := newFixture(t, &aggregate.StaticSource{Records: history(3)}, cfg, nil)

	_, err := f.pipeline.Train(context.Background(), Request{HorizonDays: 30})
	require.ErrorIs(t, err, api.ErrInsufficientData)

	var ide *api.InsufficientDataError
	require.ErrorAs(t, err, &ide)
	assert.Equal(t, 5, ide.Samples)
	assert.Equal(t, 10, ide.Required)

	_, err = f.store.Current(context.Background())
	assert.ErrorIs(t, err, api.ErrModelNotTrained)
	assert.Equal(t, []string{journal.OutcomeInsufficient}, f.journal.outcomes())
	assert.Equal(t, int64(1), f.pipeline.Stats().FailedRuns)
}

func TestPipeline_UpstreamErrorSurfaces(t *testing.T) {
	cause := errors.New("connection refused")
	f := newFixture(t, &aggregate.StaticSource{Err: cause}, aggregate.DefaultCollectorConfig(), nil)

	_, err := f.pipeline.Train(context.Background(), Request{HorizonDays: 30})
	assert.ErrorIs(t, err, api.ErrUpstream)
	assert.ErrorIs(t, err, cause)

	_, err = f.store.Current(context.Background())
	assert.ErrorIs(t, err, api.ErrModelNotTrained)
	assert.Equal(t, []string{journal.OutcomeFailed}, f.journal.outcomes())
}

func TestPipeline_RejectsBadHorizon(t *testing.T) {
	f := newFixture(t, &aggregate.StaticSource{Records: history(40)}, aggregate.DefaultCollectorConfig(), nil)

	_, err := f.pipeline.Train(context.Background(), Request{HorizonDays: 0})
	assert.ErrorIs(t, err, api.ErrInvalidInput)
	assert.Empty(t, f.journal.outcomes())
}

func TestPipeline_SingleFlightInProcess(t *testing.T) {
	f := newFixture(t, &aggregate.StaticSource{Records: history(40)}, aggregate.DefaultCollectorConfig(), nil)

	f.pipeline.running.Lock()
	_, err := f.pipeline.Train(context.Background(), Request{HorizonDays: 30})
	f.pipeline.running.Unlock()

	assert.ErrorIs(t, err, api.ErrTrainingInProgress)
	assert.Equal(t, int64(1), f.pipeline.Stats().SkippedRuns)
	assert.Equal(t, []string{journal.OutcomeSkipped}, f.journal.outcomes())

	_, err = f.pipeline.Train(context.Background(), Request{HorizonDays: 30})
	assert.NoError(t, err)
}

func TestPipeline_SingleFlightAcrossProcesses(t *testing.T) {
	f := newFixture(t, &aggregate.StaticSource{Records: history(40)}, aggregate.DefaultCollectorConfig(), nil)

	unlock, err := f.store.Lock(context.Background())
	require.NoError(t, err)

	_, err = f.pipeline.Train(context.Background(), Request{HorizonDays: 30})
	assert.ErrorIs(t, err, api.ErrTrainingInProgress)
	unlock()

	_, err = f.pipeline.Train(context.Background(), Request{HorizonDays: 30})
	assert.NoError(t, err)
}

func TestPipeline_PublishFailureDoesNotFailRun(t *testing.T) {
	f := newFixture(t, &aggregate.StaticSource{Records: history(40)}, aggregate.DefaultCollectorConfig(), failingPublisher{})

	res, err := f.pipeline.Train(context.Background(), Request{HorizonDays: 7})
	require.NoError(t, err)
	assert.True(t, res.Trained)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EventPublishErrors))
}

func TestPipeline_RetrainMovesPointerWithSameDatasetHash(t *testing.T) {
	f := newFixture(t, &aggregate.StaticSource{Records: history(60)}, aggregate.DefaultCollectorConfig(), nil)

	first, err := f.pipeline.Train(context.Background(), Request{HorizonDays: 30})
	require.NoError(t, err)
	second, err := f.pipeline.Train(context.Background(), Request{HorizonDays: 14})
	require.NoError(t, err)

	assert.NotEqual(t, first.Metadata.Version, second.Metadata.Version)
	assert.Equal(t, first.Metadata.DatasetHash, second.Metadata.DatasetHash)
	assert.Equal(t, first.Metrics, second.Metrics, "fixed seeds make training reproducible")

	version, err := f.store.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, second.Metadata.Version, version)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.TestFraction = 1
	assert.ErrorIs(t, cfg.Validate(), api.ErrInvalidInput)

	cfg = DefaultConfig()
	cfg.DefaultAlgorithm = "svm"
	assert.ErrorIs(t, cfg.Validate(), api.ErrInvalidInput)

	cfg = DefaultConfig()
	cfg.Schedule.Enabled = true
	cfg.Schedule.Interval = time.Second
	assert.ErrorIs(t, cfg.Validate(), api.ErrInvalidInput)
}
