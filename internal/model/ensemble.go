package model

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/fractal-lba/profitcast/internal/api"
)

// Regressor is a fitted-or-fittable regression model.
type Regressor interface {
	Fit(ctx context.Context, X [][]float64, y []float64) error
	Predict(x []float64) float64
	Algorithm() api.Algorithm
}

// Params configures either ensemble family.
type Params struct {
	Trees           int     `mapstructure:"trees" json:"trees"`
	MaxDepth        int     `mapstructure:"max_depth" json:"max_depth"`
	LearningRate    float64 `mapstructure:"learning_rate" json:"learning_rate,omitempty"`
	MinSamplesSplit int     `mapstructure:"min_samples_split" json:"min_samples_split"`
	MinSamplesLeaf  int     `mapstructure:"min_samples_leaf" json:"min_samples_leaf"`
	Seed            int64   `mapstructure:"seed" json:"seed"`
	Workers         int     `mapstructure:"workers" json:"-"`
}

// BaggedDefaults returns 100 trees of depth 10.
func BaggedDefaults() Params {
	return Params{Trees: 100, MaxDepth: 10, MinSamplesSplit: 2, MinSamplesLeaf: 1, Seed: 42}
}

// BoostedDefaults returns 100 stages of depth 5 at learning rate 0.1.
func BoostedDefaults() Params {
	return Params{Trees: 100, MaxDepth: 5, LearningRate: 0.1, MinSamplesSplit: 2, MinSamplesLeaf: 1, Seed: 42}
}

func (p Params) tree() TreeParams {
	return TreeParams{MaxDepth: p.MaxDepth, MinSamplesSplit: p.MinSamplesSplit, MinSamplesLeaf: p.MinSamplesLeaf}
}

// New returns an unfitted regressor for the algorithm.
func New(alg api.Algorithm, p Params) (Regressor, error) {
	if p.Trees < 1 {
		return nil, fmt.Errorf("%w: trees must be >= 1", api.ErrInvalidInput)
	}
	switch alg {
	case api.AlgorithmBagged:
		return &Forest{Params: p}, nil
	case api.AlgorithmBoosted:
		if p.LearningRate <= 0 {
			return nil, fmt.Errorf("%w: learning rate must be > 0", api.ErrInvalidInput)
		}
		return &Boosted{Params: p}, nil
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %q", api.ErrInvalidInput, alg)
	}
}

// Forest is a bootstrap-aggregated ensemble of regression trees.
type Forest struct {
	Params Params `json:"params"`
	Trees  []Tree `json:"trees"`
}

func (f *Forest) Algorithm() api.Algorithm { return api.AlgorithmBagged }

// Fit grows the trees in parallel. Each tree draws its bootstrap sample
// from its own generator seeded from Params.Seed and its index, so the
// result does not depend on scheduling.
func (f *Forest) Fit(ctx context.Context, X [][]float64, y []float64) error {
	if err := checkXY(X, y); err != nil {
		return err
	}

	trees := make([]Tree, f.Params.Trees)
	g, ctx := errgroup.WithContext(ctx)
	workers := f.Params.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(workers)

	for t := range trees {
		t := t
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r := rand.New(rand.NewSource(f.Params.Seed + int64(t)))
			trees[t] = fitTree(X, y, bootstrap(len(X), r), f.Params.tree())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	f.Trees = trees
	return nil
}

func (f *Forest) Predict(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	s := 0.0
	for i := range f.Trees {
		s += f.Trees[i].Predict(x)
	}
	return s / float64(len(f.Trees))
}

// Boosted is a gradient-boosted tree ensemble under squared loss.
type Boosted struct {
	Params Params  `json:"params"`
	Init   float64 `json:"init"`
	Trees  []Tree  `json:"trees"`
}

func (b *Boosted) Algorithm() api.Algorithm { return api.AlgorithmBoosted }

// Fit starts from the target mean and fits each stage to the residuals.
func (b *Boosted) Fit(ctx context.Context, X [][]float64, y []float64) error {
	if err := checkXY(X, y); err != nil {
		return err
	}

	init := 0.0
	for _, v := range y {
		init += v
	}
	init /= float64(len(y))

	pred := make([]float64, len(y))
	for i := range pred {
		pred[i] = init
	}
	residual := make([]float64, len(y))
	rows := allRows(len(X))
	trees := make([]Tree, 0, b.Params.Trees)

	for stage := 0; stage < b.Params.Trees; stage++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for i := range y {
			residual[i] = y[i] - pred[i]
		}
		tree := fitTree(X, residual, rows, b.Params.tree())
		for i := range pred {
			pred[i] += b.Params.LearningRate * tree.Predict(X[i])
		}
		trees = append(trees, tree)
	}

	b.Init = init
	b.Trees = trees
	return nil
}

func (b *Boosted) Predict(x []float64) float64 {
	p := b.Init
	for i := range b.Trees {
		p += b.Params.LearningRate * b.Trees[i].Predict(x)
	}
	return p
}

func checkXY(X [][]float64, y []float64) error {
	if len(X) == 0 {
		return fmt.Errorf("%w: empty training set", api.ErrInvalidInput)
	}
	if len(X) != len(y) {
		return fmt.Errorf("%w: %d rows but %d targets", api.ErrInvalidInput, len(X), len(y))
	}
	width := len(X[0])
	for i, row := range X {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d features, want %d", api.ErrInvalidInput, i, len(row), width)
		}
	}
	return nil
}

// snapshot is the persisted envelope for a fitted regressor.
type snapshot struct {
	Algorithm api.Algorithm `json:"algorithm"`
	Forest    *Forest       `json:"forest,omitempty"`
	Boosted   *Boosted      `json:"boosted,omitempty"`
}

// Encode serializes a fitted regressor.
func Encode(r Regressor) ([]byte, error) {
	s := snapshot{Algorithm: r.Algorithm()}
	switch m := r.(type) {
	case *Forest:
		s.Forest = m
	case *Boosted:
		s.Boosted = m
	default:
		return nil, fmt.Errorf("unsupported regressor %T", r)
	}
	return json.Marshal(s)
}

// Decode restores a regressor written by Encode.
func Decode(data []byte) (Regressor, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode model: %w", err)
	}
	switch {
	case s.Algorithm == api.AlgorithmBagged && s.Forest != nil:
		return s.Forest, nil
	case s.Algorithm == api.AlgorithmBoosted && s.Boosted != nil:
		return s.Boosted, nil
	default:
		return nil, fmt.Errorf("model snapshot has no %q payload", s.Algorithm)
	}
}
