// Package forecast runs the autoregressive multi-day profit simulation:
// each day's prediction is appended to a working copy of the history and
// becomes input to the next day's features.
package forecast

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/fractal-lba/profitcast/internal/api"
	"github.com/fractal-lba/profitcast/internal/artifact"
	"github.com/fractal-lba/profitcast/internal/features"
)

// Config shapes the simulated uncertainty and the revenue/cost estimates.
type Config struct {
	// NoiseStd is the base standard deviation of the profit noise.
	NoiseStd float64 `mapstructure:"noise_std"`
	// NoiseGrowth is the extra fraction of NoiseStd reached on the last day.
	NoiseGrowth     float64 `mapstructure:"noise_growth"`
	GrowthRate      float64 `mapstructure:"growth_rate"`
	WeekendFactor   float64 `mapstructure:"weekend_factor"`
	RevenueNoiseMin float64 `mapstructure:"revenue_noise_min"`
	RevenueNoiseMax float64 `mapstructure:"revenue_noise_max"`
	CostNoiseMin    float64 `mapstructure:"cost_noise_min"`
	CostNoiseMax    float64 `mapstructure:"cost_noise_max"`
	TrendWindow     int     `mapstructure:"trend_window"`
	// HistoryDays is how much recent history seeds the working series.
	HistoryDays int `mapstructure:"history_days"`
	DefaultDays int `mapstructure:"default_days"`
	MaxDays     int `mapstructure:"max_days"`
}

// DefaultConfig returns sigma 15 growing to 1.5x, 0.1 % daily revenue
// growth and a 20 % weekend dip.
func DefaultConfig() Config {
	return Config{
		NoiseStd:        15,
		NoiseGrowth:     0.5,
		GrowthRate:      1.001,
		WeekendFactor:   0.8,
		RevenueNoiseMin: 0.85,
		RevenueNoiseMax: 1.2,
		CostNoiseMin:    -0.1,
		CostNoiseMax:    0.15,
		TrendWindow:     7,
		HistoryDays:     60,
		DefaultDays:     30,
		MaxDays:         365,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.NoiseStd < 0:
		return fmt.Errorf("%w: forecast.noise_std must be >= 0", api.ErrInvalidInput)
	case c.RevenueNoiseMin > c.RevenueNoiseMax:
		return fmt.Errorf("%w: forecast revenue noise bounds inverted", api.ErrInvalidInput)
	case c.CostNoiseMin > c.CostNoiseMax:
		return fmt.Errorf("%w: forecast cost noise bounds inverted", api.ErrInvalidInput)
	case c.TrendWindow < 1:
		return fmt.Errorf("%w: forecast.trend_window must be >= 1", api.ErrInvalidInput)
	case c.HistoryDays < 1:
		return fmt.Errorf("%w: forecast.history_days must be >= 1", api.ErrInvalidInput)
	case c.DefaultDays < 1 || c.MaxDays < c.DefaultDays:
		return fmt.Errorf("%w: forecast.default_days must be in [1, max_days]", api.ErrInvalidInput)
	}
	return nil
}

// NoiseStdFor returns the profit noise standard deviation for a 1-based
// day of an n-day horizon.
func (c Config) NoiseStdFor(day, n int) float64 {
	return c.NoiseStd * (1 + float64(day)/float64(n)*c.NoiseGrowth)
}

// RandSource returns a fresh generator for one request.
type RandSource func() *rand.Rand

// TimeSeeded seeds each generator from the clock.
func TimeSeeded() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// Seeded returns a RandSource whose generators all start from seed.
func Seeded(seed int64) RandSource {
	return func() *rand.Rand { return rand.New(rand.NewSource(seed)) }
}

// Generator produces forecasts from a loaded artifact.
type Generator struct {
	cfg      Config
	engineer *features.Engineer
	rand     RandSource
	logger   *zap.Logger
}

// NewGenerator creates a Generator. A nil source seeds from the clock.
func NewGenerator(cfg Config, engineer *features.Engineer, source RandSource, logger *zap.Logger) *Generator {
	if source == nil {
		source = TimeSeeded
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{cfg: cfg, engineer: engineer, rand: source, logger: logger.Named("forecast")}
}

// Outcome is a forecast plus bookkeeping about the run.
type Outcome struct {
	Result api.ForecastResult
	// Sanitized counts non-finite feature values replaced during the run.
	Sanitized int
}

// Generate forecasts days ahead from history. The caller's slice is not
// modified. Any failure aborts the whole horizon.
func (g *Generator) Generate(ctx context.Context, m *artifact.Loaded, history []api.DailyMetricRecord, days int) (*Outcome, error) {
	if days < 1 {
		return nil, fmt.Errorf("%w: days ahead must be >= 1, got %d", api.ErrInvalidInput, days)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: empty history", api.ErrInvalidInput)
	}

	working := make([]api.DailyMetricRecord, len(history), len(history)+days)
	copy(working, history)
	r := g.rand()

	out := &Outcome{}
	points := make([]api.ForecastPoint, 0, days)
	for day := 1; day <= days; day++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, point, sanitized, err := g.step(m, working, r, day, days)
		if err != nil {
			return nil, fmt.Errorf("forecast day %d: %w", day, err)
		}
		out.Sanitized += sanitized
		points = append(points, point)
		working = append(working, rec)
	}

	if out.Sanitized > 0 {
		g.logger.Warn("non-finite feature values replaced with zero",
			zap.Int("count", out.Sanitized))
	}
	out.Result = api.ForecastResult{
		Predictions: points,
		Summary:     Summarize(points),
		ModelInfo:   m.Metadata.Info(),
	}
	return out, nil
}

// step predicts one day and builds the record appended for the next day.
func (g *Generator) step(m *artifact.Loaded, working []api.DailyMetricRecord, r *rand.Rand, day, n int) (api.DailyMetricRecord, api.ForecastPoint, int, error) {
	row, err := g.engineer.Latest(working)
	if err != nil {
		return api.DailyMetricRecord{}, api.ForecastPoint{}, 0, err
	}
	x, err := features.Align(row, m.Columns)
	if err != nil {
		return api.DailyMetricRecord{}, api.ForecastPoint{}, 0, err
	}
	xs, err := m.Scaler.Transform(x)
	if err != nil {
		return api.DailyMetricRecord{}, api.ForecastPoint{}, 0, err
	}

	profit := m.Regressor.Predict(xs) + r.NormFloat64()*g.cfg.NoiseStdFor(day, n)

	last := working[len(working)-1]
	date := last.Date.AddDate(0, 0, 1)
	revMean, costMean := g.trailingMeans(working)

	revenue := revMean * math.Pow(g.cfg.GrowthRate, float64(day))
	if api.IsWeekend(api.Weekday(date)) {
		revenue *= g.cfg.WeekendFactor
	}
	revenue *= uniform(r, g.cfg.RevenueNoiseMin, g.cfg.RevenueNoiseMax)
	cost := costMean * (1 + uniform(r, g.cfg.CostNoiseMin, g.cfg.CostNoiseMax))

	rec := api.NewDailyMetricRecord(date, revenue, cost,
		last.ActiveSubscriptions, last.ActiveUsers, last.TotalSessionMinutes, clonePlans(last.Plans))
	rec.Profit = profit

	point := api.ForecastPoint{
		Date:             date.Format(api.DateLayout),
		PredictedProfit:  api.Round(profit, 2),
		EstimatedRevenue: api.Round(revenue, 2),
		EstimatedCost:    api.Round(cost, 2),
		Confidence:       api.ConfidenceForDay(day),
	}
	return rec, point, row.Sanitized, nil
}

// trailingMeans averages revenue and cost over the last TrendWindow records.
func (g *Generator) trailingMeans(working []api.DailyMetricRecord) (float64, float64) {
	start := len(working) - g.cfg.TrendWindow
	if start < 0 {
		start = 0
	}
	tail := working[start:]
	rev := make([]float64, len(tail))
	cost := make([]float64, len(tail))
	for i, rec := range tail {
		rev[i] = rec.Revenue
		cost[i] = rec.DailyCost
	}
	return stat.Mean(rev, nil), stat.Mean(cost, nil)
}

// Summarize aggregates predicted profit over the horizon. The trend is
// increasing when the last day beats the first.
func Summarize(points []api.ForecastPoint) api.ForecastSummary {
	if len(points) == 0 {
		return api.ForecastSummary{Trend: api.TrendDecreasing}
	}
	profits := make([]float64, len(points))
	lo, hi := math.Inf(1), math.Inf(-1)
	total := 0.0
	for i, p := range points {
		profits[i] = p.PredictedProfit
		total += p.PredictedProfit
		lo = math.Min(lo, p.PredictedProfit)
		hi = math.Max(hi, p.PredictedProfit)
	}
	trend := api.TrendDecreasing
	if points[len(points)-1].PredictedProfit > points[0].PredictedProfit {
		trend = api.TrendIncreasing
	}
	return api.ForecastSummary{
		TotalPredictedProfit: api.Round(total, 2),
		AverageDailyProfit:   api.Round(stat.Mean(profits, nil), 2),
		MinDailyProfit:       lo,
		MaxDailyProfit:       hi,
		Trend:                trend,
	}
}

func uniform(r *rand.Rand, lo, hi float64) float64 {
	return lo + r.Float64()*(hi-lo)
}

func clonePlans(plans map[string]int) map[string]int {
	if plans == nil {
		return nil
	}
	out := make(map[string]int, len(plans))
	for k, v := range plans {
		out[k] = v
	}
	return out
}
