// Package features turns an ascending daily metric series into a supervised
// design matrix: lags, rolling statistics, growth rates, engagement ratios
// and calendar flags. The same column contract is applied at training and
// inference time.
package features

import (
	"fmt"
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/fractal-lba/profitcast/internal/api"
)

// Growth rates are clipped into this band.
const (
	GrowthMin = -1.0
	GrowthMax = 5.0
)

// Config holds the lag offsets and rolling windows.
type Config struct {
	Lags    []int `mapstructure:"lags"`
	Windows []int `mapstructure:"windows"`
}

// DefaultConfig returns lags {1,7,14,30} and windows {7,14,30}.
func DefaultConfig() Config {
	return Config{
		Lags:    []int{1, 7, 14, 30},
		Windows: []int{7, 14, 30},
	}
}

// Warmup is the number of leading records without full lag/rolling coverage.
func (c Config) Warmup() int {
	max := 0
	for _, l := range c.Lags {
		if l > max {
			max = l
		}
	}
	for _, w := range c.Windows {
		if w > max {
			max = w
		}
	}
	return max
}

// Validate rejects non-positive offsets.
func (c Config) Validate() error {
	if len(c.Lags) == 0 && len(c.Windows) == 0 {
		return fmt.Errorf("%w: at least one lag or window is required", api.ErrInvalidInput)
	}
	for _, l := range c.Lags {
		if l < 1 {
			return fmt.Errorf("%w: lag %d must be >= 1", api.ErrInvalidInput, l)
		}
	}
	for _, w := range c.Windows {
		if w < 2 {
			return fmt.Errorf("%w: window %d must be >= 2", api.ErrInvalidInput, w)
		}
	}
	return nil
}

// Matrix is the training design matrix with one row per covered record.
type Matrix struct {
	Columns   []string
	Rows      [][]float64
	Targets   []float64
	Dates     []time.Time
	Sanitized int
}

// Len returns the number of rows.
func (m *Matrix) Len() int { return len(m.Rows) }

// Row is a single inference feature row.
type Row struct {
	Columns   []string
	Values    []float64
	Sanitized int
}

// Engineer computes feature rows for a fixed Config.
type Engineer struct {
	cfg Config
}

// New creates an Engineer.
func New(cfg Config) *Engineer {
	return &Engineer{cfg: cfg}
}

// Config returns the engineer's configuration.
func (e *Engineer) Config() Config { return e.cfg }

// Columns returns the feature columns for a given plan column set, in order.
func (e *Engineer) Columns(planColumns []string) []string {
	cols := []string{
		"revenue",
		"active_subscriptions",
		"daily_cost",
		"active_users",
		"total_session_minutes",
		"day_of_week",
		"day_of_month",
		"month",
	}
	cols = append(cols, planColumns...)
	for _, l := range e.cfg.Lags {
		cols = append(cols,
			fmt.Sprintf("revenue_lag_%d", l),
			fmt.Sprintf("profit_lag_%d", l),
			fmt.Sprintf("active_subs_lag_%d", l),
		)
	}
	for _, w := range e.cfg.Windows {
		cols = append(cols,
			fmt.Sprintf("revenue_rolling_mean_%d", w),
			fmt.Sprintf("profit_rolling_mean_%d", w),
			fmt.Sprintf("revenue_rolling_std_%d", w),
		)
	}
	return append(cols,
		"revenue_growth",
		"subs_growth",
		"avg_session_minutes",
		"user_to_sub_ratio",
		"is_weekend",
		"is_month_start",
		"is_month_end",
	)
}

// Transform builds the training matrix. The first Warmup() records are
// excluded, so exactly max(0, len(series)-Warmup()) rows are produced.
func (e *Engineer) Transform(series []api.DailyMetricRecord) (*Matrix, error) {
	if err := api.ValidateSeries(series); err != nil {
		return nil, err
	}

	plans := api.PlanColumns(series)
	cols := e.Columns(plans)
	fr := newFrame(series)
	warmup := e.cfg.Warmup()

	m := &Matrix{Columns: cols}
	for i := warmup; i < len(series); i++ {
		values, sanitized := e.row(fr, series, plans, i)
		m.Rows = append(m.Rows, values)
		m.Targets = append(m.Targets, series[i].Profit)
		m.Dates = append(m.Dates, series[i].Date)
		m.Sanitized += sanitized
	}
	return m, nil
}

// Latest builds the feature row for the last record in series. Lag and
// rolling values without enough history are zero-filled.
func (e *Engineer) Latest(series []api.DailyMetricRecord) (Row, error) {
	if len(series) == 0 {
		return Row{}, fmt.Errorf("%w: empty series", api.ErrInvalidInput)
	}
	plans := api.PlanColumns(series)
	fr := newFrame(series)
	values, sanitized := e.row(fr, series, plans, len(series)-1)
	return Row{Columns: e.Columns(plans), Values: values, Sanitized: sanitized}, nil
}

// Align reorders row to the persisted column list. Missing plan columns
// are zero-filled and extra columns dropped; any other missing column is a
// FeatureAlignmentError.
func Align(row Row, columns []string) ([]float64, error) {
	index := make(map[string]int, len(row.Columns))
	for i, c := range row.Columns {
		index[c] = i
	}

	out := make([]float64, len(columns))
	var missing []string
	for j, c := range columns {
		i, ok := index[c]
		switch {
		case ok:
			out[j] = row.Values[i]
		case strings.HasPrefix(c, "plan_"):
			out[j] = 0
		default:
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return nil, &api.FeatureAlignmentError{Missing: missing}
	}
	return out, nil
}

// frame holds the numeric columns lags and windows read from.
type frame struct {
	revenue []float64
	profit  []float64
	subs    []float64
}

func newFrame(series []api.DailyMetricRecord) frame {
	fr := frame{
		revenue: make([]float64, len(series)),
		profit:  make([]float64, len(series)),
		subs:    make([]float64, len(series)),
	}
	for i, rec := range series {
		fr.revenue[i] = rec.Revenue
		fr.profit[i] = rec.Profit
		fr.subs[i] = float64(rec.ActiveSubscriptions)
	}
	return fr
}

func (e *Engineer) row(fr frame, series []api.DailyMetricRecord, plans []string, i int) ([]float64, int) {
	rec := series[i]
	values := []float64{
		rec.Revenue,
		float64(rec.ActiveSubscriptions),
		rec.DailyCost,
		float64(rec.ActiveUsers),
		float64(rec.TotalSessionMinutes),
		float64(rec.DayOfWeek),
		float64(rec.DayOfMonth),
		float64(rec.Month),
	}
	for _, p := range plans {
		values = append(values, float64(rec.Plans[p]))
	}

	for _, l := range e.cfg.Lags {
		values = append(values, lag(fr.revenue, i, l), lag(fr.profit, i, l), lag(fr.subs, i, l))
	}
	for _, w := range e.cfg.Windows {
		values = append(values,
			rollingMean(fr.revenue, i, w),
			rollingMean(fr.profit, i, w),
			rollingStd(fr.revenue, i, w),
		)
	}

	values = append(values,
		growth(fr.revenue, i),
		growth(fr.subs, i),
		float64(rec.TotalSessionMinutes)/float64(rec.ActiveUsers+1),
		float64(rec.ActiveUsers)/float64(rec.ActiveSubscriptions+1),
		flag(api.IsWeekend(rec.DayOfWeek)),
		flag(rec.DayOfMonth <= 5),
		flag(rec.DayOfMonth >= 25),
	)

	return values, Sanitize(values)
}

// Sanitize replaces NaN and infinite values with 0 in place and returns
// how many were replaced.
func Sanitize(values []float64) int {
	n := 0
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			values[i] = 0
			n++
		}
	}
	return n
}

func lag(xs []float64, i, l int) float64 {
	if i-l < 0 {
		return 0
	}
	return xs[i-l]
}

func rollingMean(xs []float64, i, w int) float64 {
	if i+1 < w {
		return 0
	}
	return stat.Mean(xs[i-w+1:i+1], nil)
}

// rollingStd is the sample standard deviation of the trailing window.
func rollingStd(xs []float64, i, w int) float64 {
	if i+1 < w {
		return 0
	}
	return stat.StdDev(xs[i-w+1:i+1], nil)
}

// growth is the percent change from the previous record clipped to
// [GrowthMin, GrowthMax]. 0/0 yields 0; x/0 saturates at the bound.
func growth(xs []float64, i int) float64 {
	if i == 0 {
		return 0
	}
	prev, cur := xs[i-1], xs[i]
	if prev == 0 {
		switch {
		case cur > 0:
			return GrowthMax
		case cur < 0:
			return GrowthMin
		default:
			return 0
		}
	}
	g := (cur - prev) / prev
	if math.IsNaN(g) {
		return 0
	}
	return math.Max(GrowthMin, math.Min(GrowthMax, g))
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
