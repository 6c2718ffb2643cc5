package model

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractal-lba/profitcast/internal/api"
)

// stepData is y = 100 when x0 > 0.5, else 10, plus a noise feature.
func stepData(n int, seed int64) ([][]float64, []float64) {
	r := rand.New(rand.NewSource(seed))
	X := make([][]float64, n)
	y := make([]float64, n)
	for i := range X {
		x0 := r.Float64()
		X[i] = []float64{x0, r.Float64()}
		if x0 > 0.5 {
			y[i] = 100
		} else {
			y[i] = 10
		}
	}
	return X, y
}

func TestTree_LearnsStep(t *testing.T) {
	X, y := stepData(200, 1)
	tree := fitTree(X, y, allRows(len(X)), TreeParams{MaxDepth: 3})

	assert.InDelta(t, 100, tree.Predict([]float64{0.9, 0.2}), 1e-9)
	assert.InDelta(t, 10, tree.Predict([]float64{0.1, 0.8}), 1e-9)
}

func TestTree_ConstantTargetIsSingleLeaf(t *testing.T) {
	X := [][]float64{{1}, {2}, {3}}
	tree := fitTree(X, []float64{5, 5, 5}, allRows(3), TreeParams{MaxDepth: 5})
	require.Len(t, tree.Nodes, 1)
	assert.Equal(t, 5.0, tree.Predict([]float64{42}))
}

func TestForest_FitPredict(t *testing.T) {
	X, y := stepData(150, 2)
	p := BaggedDefaults()
	p.Trees = 20
	reg, err := New(api.AlgorithmBagged, p)
	require.NoError(t, err)
	require.NoError(t, reg.Fit(context.Background(), X, y))

	assert.InDelta(t, 100, reg.Predict([]float64{0.95, 0.5}), 10)
	assert.InDelta(t, 10, reg.Predict([]float64{0.05, 0.5}), 10)
}

func TestForest_DeterministicAcrossWorkers(t *testing.T) {
	X, y := stepData(80, 3)
	p := BaggedDefaults()
	p.Trees = 10

	p.Workers = 1
	a := &Forest{Params: p}
	require.NoError(t, a.Fit(context.Background(), X, y))

	p.Workers = 8
	b := &Forest{Params: p}
	require.NoError(t, b.Fit(context.Background(), X, y))

	for _, x := range X[:10] {
		assert.Equal(t, a.Predict(x), b.Predict(x))
	}
}

func TestBoosted_FitPredict(t *testing.T) {
	X, y := stepData(150, 4)
	reg, err := New(api.AlgorithmBoosted, BoostedDefaults())
	require.NoError(t, err)
	require.NoError(t, reg.Fit(context.Background(), X, y))

	assert.InDelta(t, 100, reg.Predict([]float64{0.95, 0.5}), 2)
	assert.InDelta(t, 10, reg.Predict([]float64{0.05, 0.5}), 2)
}

func TestFit_CancelledContext(t *testing.T) {
	X, y := stepData(20, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b, err := New(api.AlgorithmBoosted, BoostedDefaults())
	require.NoError(t, err)
	assert.ErrorIs(t, b.Fit(ctx, X, y), context.Canceled)
}

func TestNew_RejectsBadParams(t *testing.T) {
	_, err := New(api.AlgorithmBagged, Params{})
	assert.ErrorIs(t, err, api.ErrInvalidInput)

	p := BoostedDefaults()
	p.LearningRate = 0
	_, err = New(api.AlgorithmBoosted, p)
	assert.ErrorIs(t, err, api.ErrInvalidInput)

	_, err = New("svm", BaggedDefaults())
	assert.ErrorIs(t, err, api.ErrInvalidInput)
}

func TestEncodeDecode_PreservesPredictions(t *testing.T) {
	X, y := stepData(60, 6)
	for _, alg := range []api.Algorithm{api.AlgorithmBagged, api.AlgorithmBoosted} {
		var p Params
		if alg == api.AlgorithmBagged {
			p = BaggedDefaults()
		} else {
			p = BoostedDefaults()
		}
		p.Trees = 5
		reg, err := New(alg, p)
		require.NoError(t, err)
		require.NoError(t, reg.Fit(context.Background(), X, y))

		data, err := Encode(reg)
		require.NoError(t, err)
		restored, err := Decode(data)
		require.NoError(t, err)

		assert.Equal(t, alg, restored.Algorithm())
		assert.Equal(t, reg.Predict(X[0]), restored.Predict(X[0]))
	}

	_, err := Decode([]byte(`{"algorithm":"ensemble_bagged"}`))
	assert.Error(t, err)
}

func TestScaler(t *testing.T) {
	X := [][]float64{{1, 7}, {3, 7}, {5, 7}}
	s, err := FitScaler(X)
	require.NoError(t, err)

	assert.Equal(t, []float64{3, 7}, s.Mean)
	assert.InDelta(t, math.Sqrt(8.0/3.0), s.Scale[0], 1e-12)
	assert.Equal(t, 1.0, s.Scale[1])

	out, err := s.Transform([]float64{3, 9})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 2}, out)

	_, err = s.Transform([]float64{1})
	assert.ErrorIs(t, err, api.ErrFeatureAlignment)

	data, err := s.Marshal()
	require.NoError(t, err)
	back, err := UnmarshalScaler(data)
	require.NoError(t, err)
	assert.Equal(t, s, back)
}

func TestSplit(t *testing.T) {
	train, test := Split(10, 0.1, 42)
	assert.Len(t, test, 1)
	assert.Len(t, train, 9)

	train, test = Split(365, 0.1, 42)
	assert.Len(t, test, 37)
	assert.Len(t, train, 328)

	seen := map[int]bool{}
	for _, i := range append(append([]int{}, train...), test...) {
		assert.False(t, seen[i])
		seen[i] = true
	}

	train2, test2 := Split(365, 0.1, 42)
	assert.Equal(t, train, train2)
	assert.Equal(t, test, test2)
}

func TestMetrics(t *testing.T) {
	assert.Equal(t, 1.5, MAE([]float64{1, 2}, []float64{2, 4}))
	assert.True(t, math.IsNaN(MAE(nil, nil)))

	assert.InDelta(t, 1.0, R2([]float64{1, 2, 3}, []float64{1, 2, 3}), 1e-12)
	assert.True(t, math.IsNaN(R2([]float64{4}, []float64{3})))
	assert.True(t, math.IsNaN(R2([]float64{4, 4}, []float64{3, 5})))
}
