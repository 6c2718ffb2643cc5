package api

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"
)

// DateLayout is the calendar-day format used on every external surface.
const DateLayout = "2006-01-02"

// Algorithm selects the regression family used by the trainer.
type Algorithm string

const (
	AlgorithmBagged  Algorithm = "ensemble_bagged"
	AlgorithmBoosted Algorithm = "ensemble_boosted"
)

// ParseAlgorithm accepts the canonical names and the legacy
// random_forest / gradient_boosting aliases.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(AlgorithmBagged), "random_forest", "bagged":
		return AlgorithmBagged, nil
	case string(AlgorithmBoosted), "gradient_boosting", "boosted":
		return AlgorithmBoosted, nil
	default:
		return "", fmt.Errorf("%w: unknown algorithm %q", ErrInvalidInput, s)
	}
}

// DailyMetricRecord is one summarized row of business metrics for a calendar day.
type DailyMetricRecord struct {
	Date                time.Time      `json:"date"`
	Revenue             float64        `json:"revenue"`
	ActiveSubscriptions int            `json:"active_subscriptions"`
	DailyCost           float64        `json:"daily_cost"`
	Profit              float64        `json:"profit"`
	ActiveUsers         int            `json:"active_users"`
	TotalSessionMinutes int            `json:"total_session_minutes"`
	DayOfWeek           int            `json:"day_of_week"`
	DayOfMonth          int            `json:"day_of_month"`
	Month               int            `json:"month"`
	Plans               map[string]int `json:"plans,omitempty"`
}

// NewDailyMetricRecord builds a record for date, deriving profit and the
// calendar fields.
func NewDailyMetricRecord(date time.Time, revenue, cost float64, subs, users, minutes int, plans map[string]int) DailyMetricRecord {
	day := Day(date)
	return DailyMetricRecord{
		Date:                day,
		Revenue:             revenue,
		ActiveSubscriptions: subs,
		DailyCost:           cost,
		Profit:              revenue - cost,
		ActiveUsers:         users,
		TotalSessionMinutes: minutes,
		DayOfWeek:           Weekday(day),
		DayOfMonth:          day.Day(),
		Month:               int(day.Month()),
		Plans:               plans,
	}
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Weekday returns the day of week with Monday = 0 and Sunday = 6.
func Weekday(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// IsWeekend reports whether a Monday-based day of week is Saturday or Sunday.
func IsWeekend(dayOfWeek int) bool {
	return dayOfWeek >= 5
}

// PlanColumn normalizes a plan name into its feature column name.
func PlanColumn(name string) string {
	var b strings.Builder
	b.WriteString("plan_")
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// PlanColumns returns the sorted union of plan columns across a series.
func PlanColumns(series []DailyMetricRecord) []string {
	seen := make(map[string]struct{})
	for _, rec := range series {
		for name := range rec.Plans {
			seen[name] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for name := range seen {
		cols = append(cols, name)
	}
	sort.Strings(cols)
	return cols
}

// ValidateSeries checks that records are unique by date and ascending.
func ValidateSeries(series []DailyMetricRecord) error {
	for i := 1; i < len(series); i++ {
		if !series[i].Date.After(series[i-1].Date) {
			return fmt.Errorf("%w: series not strictly ascending at %s",
				ErrInvalidInput, series[i].Date.Format(DateLayout))
		}
	}
	return nil
}

// Confidence labels a forecast day.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ConfidenceForDay maps a 1-based forecast day to its label.
func ConfidenceForDay(day int) Confidence {
	switch {
	case day <= 7:
		return ConfidenceHigh
	case day <= 14:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// ForecastPoint is one predicted day. It is never persisted.
type ForecastPoint struct {
	Date             string     `json:"date"`
	PredictedProfit  float64    `json:"predicted_profit"`
	EstimatedRevenue float64    `json:"estimated_revenue"`
	EstimatedCost    float64    `json:"estimated_cost"`
	Confidence       Confidence `json:"confidence"`
}

// Trend values reported in a forecast summary.
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
)

// ForecastSummary aggregates predicted profit over the horizon.
type ForecastSummary struct {
	TotalPredictedProfit float64 `json:"total_predicted_profit"`
	AverageDailyProfit   float64 `json:"average_daily_profit"`
	MinDailyProfit       float64 `json:"min_daily_profit"`
	MaxDailyProfit       float64 `json:"max_daily_profit"`
	Trend                string  `json:"trend"`
}

// ModelInfo describes the artifact a forecast was produced with.
type ModelInfo struct {
	Version   string    `json:"version"`
	Algorithm Algorithm `json:"algorithm"`
	TrainedAt time.Time `json:"trained_at"`
	MAE       *float64  `json:"mae"`
	R2        *float64  `json:"r2_score"`
}

// ForecastResult is the output of a forecast request.
type ForecastResult struct {
	Predictions []ForecastPoint `json:"predictions"`
	Summary     ForecastSummary `json:"summary"`
	ModelInfo   ModelInfo       `json:"model_info"`

	// SyntheticHistory reports that too few real days were available and
	// the simulation was seeded from generated history.
	SyntheticHistory bool `json:"synthetic_history"`
}

// ModelMetadata is persisted alongside the model and scaler.
type ModelMetadata struct {
	Version         string    `json:"version"`
	TrainedAt       time.Time `json:"trained_at"`
	Algorithm       Algorithm `json:"algorithm"`
	HorizonDays     int       `json:"days_ahead"`
	TrainSamples    int       `json:"train_samples"`
	TestSamples     int       `json:"test_samples"`
	MAE             *float64  `json:"mae"`
	R2              *float64  `json:"r2_score"`
	FeatureCount    int       `json:"feature_count"`
	RawRows         int       `json:"raw_rows"`
	Synthetic       bool      `json:"synthetic"`
	SanitizedValues int       `json:"sanitized_values"`
	DatasetHash     string    `json:"dataset_hash"`
}

// Info projects the metadata into the forecast model summary.
func (m ModelMetadata) Info() ModelInfo {
	return ModelInfo{
		Version:   m.Version,
		Algorithm: m.Algorithm,
		TrainedAt: m.TrainedAt,
		MAE:       m.MAE,
		R2:        m.R2,
	}
}

// TrainMetrics are the evaluation results of a training run.
type TrainMetrics struct {
	MAE          *float64 `json:"mae"`
	R2           *float64 `json:"r2_score"`
	TrainSamples int      `json:"train_samples"`
	TestSamples  int      `json:"test_samples"`
}

// TrainResult is returned by a successful training run.
type TrainResult struct {
	Trained  bool          `json:"trained"`
	Metrics  TrainMetrics  `json:"metrics"`
	Metadata ModelMetadata `json:"metadata"`
}

// StatusResult reports whether a model artifact exists.
type StatusResult struct {
	Trained  bool           `json:"trained"`
	Metadata *ModelMetadata `json:"metadata,omitempty"`
	Message  string         `json:"message,omitempty"`
}

// Finite returns a pointer to v, or nil when v is NaN or infinite.
func Finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// RoundPtr rounds a possibly absent value.
func RoundPtr(v *float64, places int) *float64 {
	if v == nil {
		return nil
	}
	r := Round(*v, places)
	return &r
}
