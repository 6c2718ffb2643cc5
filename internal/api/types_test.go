package api

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfidenceForDay(t *testing.T) {
	for day := 1; day <= 60; day++ {
		got := ConfidenceForDay(day)
		switch {
		case day <= 7:
			assert.Equal(t, ConfidenceHigh, got, "day %d", day)
		case day <= 14:
			assert.Equal(t, ConfidenceMedium, got, "day %d", day)
		default:
			assert.Equal(t, ConfidenceLow, got, "day %d", day)
		}
	}
}

func TestWeekday_MondayIsZero(t *testing.T) {
	monday := time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, Weekday(monday))
	assert.Equal(t, 5, Weekday(monday.AddDate(0, 0, 5)))
	assert.Equal(t, 6, Weekday(monday.AddDate(0, 0, 6)))
}

func TestNewDailyMetricRecord(t *testing.T) {
	rec := NewDailyMetricRecord(time.Date(2024, 3, 30, 18, 45, 0, 0, time.UTC), 120, 150, 4, 3, 90, nil)

	assert.Equal(t, -30.0, rec.Profit)
	assert.Equal(t, 30, rec.DayOfMonth)
	assert.Equal(t, 3, rec.Month)
	assert.Equal(t, 5, rec.DayOfWeek)
	assert.Equal(t, 0, rec.Date.Hour())
}

func TestPlanColumn(t *testing.T) {
	assert.Equal(t, "plan_pro", PlanColumn("Pro"))
	assert.Equal(t, "plan_team_plus", PlanColumn(" Team+Plus "))
}

func TestValidateSeries(t *testing.T) {
	d := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ok := []DailyMetricRecord{{Date: d}, {Date: d.AddDate(0, 0, 1)}}
	require.NoError(t, ValidateSeries(ok))

	dup := []DailyMetricRecord{{Date: d}, {Date: d}}
	err := ValidateSeries(dup)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestFinite(t *testing.T) {
	assert.Nil(t, Finite(math.NaN()))
	assert.Nil(t, Finite(math.Inf(1)))
	require.NotNil(t, Finite(0.25))
	assert.Equal(t, 0.25, *Finite(0.25))
}

func TestParseAlgorithm(t *testing.T) {
	a, err := ParseAlgorithm("gradient_boosting")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmBoosted, a)

	a, err = ParseAlgorithm("")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmBagged, a)

	_, err = ParseAlgorithm("svm")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestErrorTaxonomy(t *testing.T) {
	var err error = &InsufficientDataError{RawRows: 3, Samples: 0, Required: 10}
	assert.ErrorIs(t, fmt.Errorf("train: %w", err), ErrInsufficientData)

	err = &FeatureAlignmentError{Missing: []string{"revenue"}}
	assert.ErrorIs(t, err, ErrFeatureAlignment)

	cause := errors.New("connection refused")
	err = Upstream("daily aggregates", cause)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.ErrorIs(t, err, cause)
	assert.NoError(t, Upstream("noop", nil))
}
