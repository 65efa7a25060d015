// Package forest is a Random Forest classifier: bagged CART trees split on
// Gini impurity with a random feature subset per node.
package forest

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

var ErrFeatureMismatch = errors.New("feature count mismatch")

type Params struct {
	NEstimators int `json:"n_estimators"`
	// MaxDepth of 0 grows trees until leaves are pure.
	MaxDepth int `json:"max_depth"`
	// MaxFeatures of 0 samples floor(sqrt(n_features)) per split.
	MaxFeatures     int   `json:"max_features"`
	MinSamplesSplit int   `json:"min_samples_split"`
	Seed            int64 `json:"seed"`
}

func (p Params) withDefaults(nFeatures int) Params {
	if p.NEstimators <= 0 {
		p.NEstimators = 100
	}
	if p.MaxFeatures <= 0 {
		p.MaxFeatures = int(math.Sqrt(float64(nFeatures)))
	}
	if p.MaxFeatures < 1 {
		p.MaxFeatures = 1
	}
	if p.MaxFeatures > nFeatures {
		p.MaxFeatures = nFeatures
	}
	if p.MinSamplesSplit < 2 {
		p.MinSamplesSplit = 2
	}
	return p
}

type Forest struct {
	Params    Params
	NFeatures int
	// Classes holds the distinct labels seen during Fit, ascending.
	Classes []float64
	Trees   []*Node
}

// Node is a leaf when Left is nil.
type Node struct {
	Feature   int     `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      *Node   `json:"left,omitempty"`
	Right     *Node   `json:"right,omitempty"`
	Class     int     `json:"class"`
}

func (n *Node) leaf() bool {
	return n.Left == nil
}

func Fit(X [][]float64, y []float64, params Params) (*Forest, error) {
	if len(X) == 0 {
		return nil, errors.New("fit: no samples")
	}
	if len(X) != len(y) {
		return nil, fmt.Errorf("fit: %d samples but %d labels", len(X), len(y))
	}
	if params.MaxDepth < 0 {
		return nil, fmt.Errorf("fit: max depth must be >= 0, got %d", params.MaxDepth)
	}
	nFeatures := len(X[0])
	if nFeatures == 0 {
		return nil, errors.New("fit: samples have no features")
	}
	for i, row := range X {
		if len(row) != nFeatures {
			return nil, fmt.Errorf("fit: sample %d: %w", i, ErrFeatureMismatch)
		}
	}

	classes, labels := encodeLabels(y)
	params = params.withDefaults(nFeatures)
	rng := rand.New(rand.NewSource(params.Seed))

	f := &Forest{
		Params:    params,
		NFeatures: nFeatures,
		Classes:   classes,
		Trees:     make([]*Node, 0, params.NEstimators),
	}
	for t := 0; t < params.NEstimators; t++ {
		sample := make([]int, len(X))
		for i := range sample {
			sample[i] = rng.Intn(len(X))
		}
		b := &builder{
			X:       X,
			labels:  labels,
			classes: len(classes),
			params:  params,
			rng:     rand.New(rand.NewSource(rng.Int63())),
		}
		f.Trees = append(f.Trees, b.build(sample, 0))
	}
	return f, nil
}

// Predict returns one label per row, in row order.
func (f *Forest) Predict(X [][]float64) ([]float64, error) {
	if f == nil || len(f.Trees) == 0 {
		return nil, errors.New("predict: forest is empty")
	}
	out := make([]float64, len(X))
	votes := make([]int, len(f.Classes))
	for i, row := range X {
		if len(row) != f.NFeatures {
			return nil, fmt.Errorf("predict: row %d has %d features, model expects %d: %w", i, len(row), f.NFeatures, ErrFeatureMismatch)
		}
		clear(votes)
		for _, tree := range f.Trees {
			votes[tree.classify(row)]++
		}
		out[i] = f.Classes[argmax(votes)]
	}
	return out, nil
}

// Accuracy is the fraction of predictions equal to the expected labels.
func Accuracy(expected, predicted []float64) float64 {
	if len(expected) == 0 || len(expected) != len(predicted) {
		return 0
	}
	correct := 0
	for i := range expected {
		if expected[i] == predicted[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(expected))
}

func (n *Node) classify(row []float64) int {
	for !n.leaf() {
		if row[n.Feature] <= n.Threshold {
			n = n.Left
		} else {
			n = n.Right
		}
	}
	return n.Class
}

func encodeLabels(y []float64) ([]float64, []int) {
	seen := make(map[float64]struct{})
	for _, v := range y {
		seen[v] = struct{}{}
	}
	classes := make([]float64, 0, len(seen))
	for v := range seen {
		classes = append(classes, v)
	}
	sort.Float64s(classes)

	index := make(map[float64]int, len(classes))
	for i, v := range classes {
		index[v] = i
	}
	labels := make([]int, len(y))
	for i, v := range y {
		labels[i] = index[v]
	}
	return classes, labels
}

func argmax(counts []int) int {
	best := 0
	for i, c := range counts {
		if c > counts[best] {
			best = i
		}
	}
	return best
}
