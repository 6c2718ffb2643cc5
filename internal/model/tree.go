package model

import (
	"math"
	"math/rand"
	"sort"
)

// leaf marks a node without children.
const leaf = -1

// Node is one node of a regression tree stored in a flat slice.
type Node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Left      int     `json:"l"`
	Right     int     `json:"r"`
	Value     float64 `json:"v"`
}

// Tree is a CART regression tree minimizing squared error.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// TreeParams bound tree growth.
type TreeParams struct {
	MaxDepth        int
	MinSamplesSplit int
	MinSamplesLeaf  int
}

func (p TreeParams) normalized() TreeParams {
	if p.MaxDepth < 1 {
		p.MaxDepth = 1
	}
	if p.MinSamplesSplit < 2 {
		p.MinSamplesSplit = 2
	}
	if p.MinSamplesLeaf < 1 {
		p.MinSamplesLeaf = 1
	}
	return p
}

// Predict walks the tree for one feature row.
func (t *Tree) Predict(x []float64) float64 {
	if len(t.Nodes) == 0 {
		return 0
	}
	i := 0
	for {
		n := t.Nodes[i]
		if n.Left == leaf {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// fitTree grows a tree on the rows listed in idx (duplicates allowed, as
// produced by bootstrap sampling).
func fitTree(X [][]float64, y []float64, idx []int, p TreeParams) Tree {
	p = p.normalized()
	b := &treeBuilder{X: X, y: y, p: p}
	b.grow(idx, 0)
	return Tree{Nodes: b.nodes}
}

type treeBuilder struct {
	X     [][]float64
	y     []float64
	p     TreeParams
	nodes []Node
}

func (b *treeBuilder) grow(idx []int, depth int) int {
	self := len(b.nodes)
	b.nodes = append(b.nodes, Node{Left: leaf, Right: leaf, Value: b.mean(idx)})

	if depth >= b.p.MaxDepth || len(idx) < b.p.MinSamplesSplit {
		return self
	}
	feature, threshold, ok := b.bestSplit(idx)
	if !ok {
		return self
	}

	var left, right []int
	for _, i := range idx {
		if b.X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[self].Feature = feature
	b.nodes[self].Threshold = threshold
	b.nodes[self].Left = l
	b.nodes[self].Right = r
	return self
}

func (b *treeBuilder) mean(idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	s := 0.0
	for _, i := range idx {
		s += b.y[i]
	}
	return s / float64(len(idx))
}

// bestSplit scans every feature for the threshold with the largest
// reduction in squared error.
func (b *treeBuilder) bestSplit(idx []int) (int, float64, bool) {
	n := len(idx)
	total, totalSq := 0.0, 0.0
	for _, i := range idx {
		total += b.y[i]
		totalSq += b.y[i] * b.y[i]
	}
	parentSSE := totalSq - total*total/float64(n)
	if parentSSE <= 1e-12 {
		return 0, 0, false
	}

	bestFeature, bestThreshold := -1, 0.0
	bestSSE := parentSSE
	sorted := make([]int, n)
	nFeatures := len(b.X[idx[0]])

	for f := 0; f < nFeatures; f++ {
		copy(sorted, idx)
		sort.Slice(sorted, func(a, c int) bool { return b.X[sorted[a]][f] < b.X[sorted[c]][f] })

		leftSum, leftSq := 0.0, 0.0
		for k := 0; k < n-1; k++ {
			yi := b.y[sorted[k]]
			leftSum += yi
			leftSq += yi * yi

			cur, next := b.X[sorted[k]][f], b.X[sorted[k+1]][f]
			if cur == next {
				continue
			}
			nl, nr := k+1, n-k-1
			if nl < b.p.MinSamplesLeaf || nr < b.p.MinSamplesLeaf {
				continue
			}
			rightSum, rightSq := total-leftSum, totalSq-leftSq
			sse := leftSq - leftSum*leftSum/float64(nl) + rightSq - rightSum*rightSum/float64(nr)
			if sse < bestSSE-1e-12 {
				bestSSE = sse
				bestFeature = f
				bestThreshold = cur + (next-cur)/2
			}
		}
	}

	if bestFeature < 0 || math.IsNaN(bestThreshold) {
		return 0, 0, false
	}
	return bestFeature, bestThreshold, true
}

// bootstrap draws n row indices with replacement.
func bootstrap(n int, r *rand.Rand) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = r.Intn(n)
	}
	return idx
}

func allRows(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}
