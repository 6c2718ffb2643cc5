// Package aggregate builds the ascending daily metric series the rest of
// the pipeline consumes, either from the transactional store or, when
// history is too short, from a synthetic generator.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fractal-lba/profitcast/internal/api"
)

// Source produces daily aggregates for the inclusive calendar range
// [from, to]. Results are ascending by date.
type Source interface {
	DailyAggregates(ctx context.Context, from, to time.Time) ([]api.DailyMetricRecord, error)
}

// StaticSource serves a fixed series, filtered to the requested range.
type StaticSource struct {
	Records []api.DailyMetricRecord
	Err     error
}

func (s *StaticSource) DailyAggregates(ctx context.Context, from, to time.Time) ([]api.DailyMetricRecord, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	from, to = api.Day(from), api.Day(to)
	var out []api.DailyMetricRecord
	for _, rec := range s.Records {
		d := api.Day(rec.Date)
		if d.Before(from) || d.After(to) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// Result is a collected series and its provenance.
type Result struct {
	Series    []api.DailyMetricRecord
	RawRows   int
	Synthetic bool
}

// CollectorConfig controls the collection window and fallback.
type CollectorConfig struct {
	// MinRawRows is the smallest real series used as-is.
	MinRawRows int `mapstructure:"min_raw_rows"`
	// HistoryDays bounds how far back training reads.
	HistoryDays int `mapstructure:"history_days"`
	// SyntheticDays is the length of a synthesized series.
	SyntheticDays int `mapstructure:"synthetic_days"`
	// Seed seeds the synthesizer; 0 derives one from the clock.
	Seed int64 `mapstructure:"seed"`
}

// DefaultCollectorConfig returns a 10-row fallback threshold over two
// years of history, synthesizing one year when needed.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		MinRawRows:    10,
		HistoryDays:   730,
		SyntheticDays: 365,
	}
}

// Collector reads a series from a Source and substitutes synthetic data
// when the real series is shorter than MinRawRows.
type Collector struct {
	source Source
	cfg    CollectorConfig
	now    func() time.Time
	logger *zap.Logger
}

// NewCollector creates a Collector. A nil source always synthesizes.
func NewCollector(source Source, cfg CollectorConfig, now func() time.Time, logger *zap.Logger) *Collector {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{source: source, cfg: cfg, now: now, logger: logger}
}

// Collect reads the last HistoryDays complete days (ending yesterday).
func (c *Collector) Collect(ctx context.Context) (Result, error) {
	return c.CollectWindow(ctx, c.cfg.HistoryDays)
}

// CollectWindow reads the last days complete days, falling back to a
// synthetic series when fewer than MinRawRows real rows exist.
func (c *Collector) CollectWindow(ctx context.Context, days int) (Result, error) {
	if days < 1 {
		return Result{}, fmt.Errorf("%w: history window must be >= 1 day", api.ErrInvalidInput)
	}
	to := api.Day(c.now()).AddDate(0, 0, -1)
	from := to.AddDate(0, 0, -(days - 1))

	var rows []api.DailyMetricRecord
	if c.source != nil {
		var err error
		rows, err = c.source.DailyAggregates(ctx, from, to)
		if err != nil {
			return Result{}, api.Upstream("daily aggregates", err)
		}
		if err := api.ValidateSeries(rows); err != nil {
			return Result{}, api.Upstream("daily aggregates", err)
		}
	}

	if len(rows) >= c.cfg.MinRawRows {
		return Result{Series: rows, RawRows: len(rows)}, nil
	}

	c.logger.Warn("insufficient history, generating synthetic series",
		zap.Int("raw_rows", len(rows)),
		zap.Int("min_raw_rows", c.cfg.MinRawRows),
		zap.Int("synthetic_days", c.cfg.SyntheticDays))

	seed := c.cfg.Seed
	if seed == 0 {
		seed = c.now().UnixNano()
	}
	synth := NewSynthesizer(seed)
	series := synth.Generate(to.AddDate(0, 0, 1), c.cfg.SyntheticDays)
	return Result{Series: series, RawRows: len(rows), Synthetic: true}, nil
}
