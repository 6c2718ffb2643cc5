package model

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat"

	"github.com/fractal-lba/profitcast/internal/api"
)

// StandardScaler centers each feature on its mean and divides by its
// population standard deviation. Constant features get scale 1.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// FitScaler computes per-column statistics over X.
func FitScaler(X [][]float64) (*StandardScaler, error) {
	if len(X) == 0 {
		return nil, fmt.Errorf("%w: cannot fit scaler on empty matrix", api.ErrInvalidInput)
	}
	width := len(X[0])
	s := &StandardScaler{Mean: make([]float64, width), Scale: make([]float64, width)}
	col := make([]float64, len(X))
	for j := 0; j < width; j++ {
		for i := range X {
			col[i] = X[i][j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		s.Mean[j] = mean
		s.Scale[j] = std
	}
	return s, nil
}

// Transform returns a scaled copy of x.
func (s *StandardScaler) Transform(x []float64) ([]float64, error) {
	if len(x) != len(s.Mean) {
		return nil, fmt.Errorf("%w: scaler expects %d features, got %d", api.ErrFeatureAlignment, len(s.Mean), len(x))
	}
	out := make([]float64, len(x))
	for j, v := range x {
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out, nil
}

// TransformAll scales every row of X.
func (s *StandardScaler) TransformAll(X [][]float64) ([][]float64, error) {
	out := make([][]float64, len(X))
	for i, row := range X {
		r, err := s.Transform(row)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// Marshal serializes the scaler.
func (s *StandardScaler) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalScaler restores a scaler written by Marshal.
func UnmarshalScaler(data []byte) (*StandardScaler, error) {
	var s StandardScaler
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode scaler: %w", err)
	}
	if len(s.Mean) != len(s.Scale) {
		return nil, fmt.Errorf("scaler has %d means but %d scales", len(s.Mean), len(s.Scale))
	}
	return &s, nil
}

// Split partitions row indices into a held-out test set of
// ceil(testFraction*n) rows and a training set, after a seeded shuffle.
func Split(n int, testFraction float64, seed int64) (train, test []int) {
	if n == 0 {
		return nil, nil
	}
	// the epsilon keeps 0.1*30 from rounding up to 4
	nTest := int(math.Ceil(testFraction*float64(n) - 1e-9))
	if nTest < 1 {
		nTest = 1
	}
	if nTest >= n {
		nTest = n - 1
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	return perm[nTest:], perm[:nTest]
}

// Subset gathers rows and targets by index.
func Subset(X [][]float64, y []float64, idx []int) ([][]float64, []float64) {
	xs := make([][]float64, len(idx))
	ys := make([]float64, len(idx))
	for k, i := range idx {
		xs[k] = X[i]
		ys[k] = y[i]
	}
	return xs, ys
}

// MAE is the mean absolute error. It is NaN for empty input.
func MAE(yTrue, yPred []float64) float64 {
	if len(yTrue) == 0 {
		return math.NaN()
	}
	s := 0.0
	for i := range yTrue {
		s += math.Abs(yTrue[i] - yPred[i])
	}
	return s / float64(len(yTrue))
}

// R2 is the coefficient of determination. It is NaN when fewer than two
// samples are given or the targets have no variance.
func R2(yTrue, yPred []float64) float64 {
	if len(yTrue) < 2 {
		return math.NaN()
	}
	mean := stat.Mean(yTrue, nil)
	ssRes, ssTot := 0.0, 0.0
	for i := range yTrue {
		d := yTrue[i] - yPred[i]
		ssRes += d * d
		m := yTrue[i] - mean
		ssTot += m * m
	}
	if ssTot == 0 {
		return math.NaN()
	}
	return 1 - ssRes/ssTot
}
