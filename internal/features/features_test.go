package features

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractal-lba/profitcast/internal/api"
)

func series(n int, revenue func(i int) float64) []api.DailyMetricRecord {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]api.DailyMetricRecord, n)
	for i := 0; i < n; i++ {
		out[i] = api.NewDailyMetricRecord(start.AddDate(0, 0, i), revenue(i), 50, 20+i%3, 12, 600, map[string]int{"plan_pro": 5})
	}
	return out
}

func TestTransform_RowCount(t *testing.T) {
	eng := New(DefaultConfig())
	for _, n := range []int{0, 1, 29, 30, 31, 40, 100} {
		m, err := eng.Transform(series(n, func(i int) float64 { return float64(100 + i) }))
		require.NoError(t, err)
		want := n - 30
		if want < 0 {
			want = 0
		}
		assert.Equal(t, want, m.Len(), "series length %d", n)
		assert.Len(t, m.Targets, m.Len())
	}
}

func TestTransform_ColumnContract(t *testing.T) {
	eng := New(DefaultConfig())
	m, err := eng.Transform(series(35, func(i int) float64 { return 100 }))
	require.NoError(t, err)

	assert.NotContains(t, m.Columns, "profit")
	assert.NotContains(t, m.Columns, "date")
	assert.Contains(t, m.Columns, "plan_pro")
	assert.Contains(t, m.Columns, "revenue_lag_30")
	assert.Contains(t, m.Columns, "revenue_rolling_std_14")
	for _, row := range m.Rows {
		assert.Len(t, row, len(m.Columns))
	}
}

func TestTransform_LagAndRollingValues(t *testing.T) {
	eng := New(DefaultConfig())
	s := series(31, func(i int) float64 { return float64(i) })
	m, err := eng.Transform(s)
	require.NoError(t, err)
	require.Equal(t, 1, m.Len())

	col := func(name string) float64 {
		for j, c := range m.Columns {
			if c == name {
				return m.Rows[0][j]
			}
		}
		t.Fatalf("column %s not found", name)
		return 0
	}

	assert.Equal(t, 29.0, col("revenue_lag_1"))
	assert.Equal(t, 0.0, col("revenue_lag_30"))
	assert.InDelta(t, 27.0, col("revenue_rolling_mean_7"), 1e-9)
	// sample std of 7 consecutive integers
	assert.InDelta(t, math.Sqrt(28.0/6.0), col("revenue_rolling_std_7"), 1e-9)
	assert.Equal(t, s[30].Profit, m.Targets[0])
}

func TestGrowth_AlwaysBounded(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	eng := New(DefaultConfig())
	s := series(200, func(i int) float64 {
		switch r.Intn(4) {
		case 0:
			return 0
		case 1:
			return r.Float64() * 1e9
		case 2:
			return r.Float64() * 1e-6
		default:
			return r.Float64() * 500
		}
	})

	m, err := eng.Transform(s)
	require.NoError(t, err)

	idx := -1
	for j, c := range m.Columns {
		if c == "revenue_growth" {
			idx = j
		}
	}
	require.GreaterOrEqual(t, idx, 0)
	for _, row := range m.Rows {
		assert.GreaterOrEqual(t, row[idx], GrowthMin)
		assert.LessOrEqual(t, row[idx], GrowthMax)
	}
}

func TestGrowth_DivisionByZero(t *testing.T) {
	assert.Equal(t, 0.0, growth([]float64{0, 0}, 1))
	assert.Equal(t, GrowthMax, growth([]float64{0, 10}, 1))
	assert.Equal(t, GrowthMin, growth([]float64{10, 0}, 1))
	assert.Equal(t, GrowthMax, growth([]float64{1, 1000}, 1))
}

func TestLatest_ZeroFillsShortHistory(t *testing.T) {
	eng := New(DefaultConfig())
	row, err := eng.Latest(series(3, func(i int) float64 { return 10 }))
	require.NoError(t, err)
	require.Len(t, row.Values, len(row.Columns))

	for j, c := range row.Columns {
		if c == "revenue_lag_30" || c == "revenue_rolling_mean_7" {
			assert.Equal(t, 0.0, row.Values[j], c)
		}
	}

	_, err = eng.Latest(nil)
	assert.ErrorIs(t, err, api.ErrInvalidInput)
}

func TestAlign(t *testing.T) {
	row := Row{
		Columns: []string{"revenue", "plan_pro", "plan_new"},
		Values:  []float64{10, 2, 7},
	}

	got, err := Align(row, []string{"plan_pro", "plan_legacy", "revenue"})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 0, 10}, got)

	_, err = Align(row, []string{"revenue", "profit_lag_1"})
	var alignErr *api.FeatureAlignmentError
	require.ErrorAs(t, err, &alignErr)
	assert.Equal(t, []string{"profit_lag_1"}, alignErr.Missing)
}

func TestSanitize(t *testing.T) {
	values := []float64{1, math.NaN(), math.Inf(-1), 3}
	assert.Equal(t, 2, Sanitize(values))
	assert.Equal(t, []float64{1, 0, 0, 3}, values)
}

func TestTransform_RejectsUnorderedSeries(t *testing.T) {
	s := series(5, func(i int) float64 { return 1 })
	s[2], s[3] = s[3], s[2]
	_, err := New(DefaultConfig()).Transform(s)
	assert.ErrorIs(t, err, api.ErrInvalidInput)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{Lags: []int{0}}.Validate())
	assert.Error(t, Config{Windows: []int{1}}.Validate())
	assert.Equal(t, 30, DefaultConfig().Warmup())
}
