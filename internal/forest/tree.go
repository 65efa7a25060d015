package forest

import (
	"math/rand"
	"sort"
)

type builder struct {
	X       [][]float64
	labels  []int
	classes int
	params  Params
	rng     *rand.Rand
}

func (b *builder) build(idx []int, depth int) *Node {
	counts := b.count(idx)
	leaf := &Node{Class: argmax(counts)}
	if pure(counts) || len(idx) < b.params.MinSamplesSplit {
		return leaf
	}
	if b.params.MaxDepth > 0 && depth >= b.params.MaxDepth {
		return leaf
	}

	feature, threshold, ok := b.bestSplit(idx, counts)
	if !ok {
		return leaf
	}

	left := make([]int, 0, len(idx))
	right := make([]int, 0, len(idx))
	for _, i := range idx {
		if b.X[i][feature] <= threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return &Node{
		Feature:   feature,
		Threshold: threshold,
		Left:      b.build(left, depth+1),
		Right:     b.build(right, depth+1),
	}
}

// bestSplit evaluates MaxFeatures randomly chosen features and keeps drawing
// past that budget only while no valid split has been found.
func (b *builder) bestSplit(idx []int, counts []int) (int, float64, bool) {
	n := len(idx)
	parent := gini(counts, n)

	var (
		found         bool
		bestFeature   int
		bestThreshold float64
		bestGain      float64
	)
	sorted := make([]int, n)
	left := make([]int, b.classes)
	right := make([]int, b.classes)

	for drawn, feature := range b.rng.Perm(len(b.X[idx[0]])) {
		if drawn >= b.params.MaxFeatures && found {
			break
		}
		copy(sorted, idx)
		sort.Slice(sorted, func(i, j int) bool {
			return b.X[sorted[i]][feature] < b.X[sorted[j]][feature]
		})

		clear(left)
		copy(right, counts)
		for k := 0; k < n-1; k++ {
			label := b.labels[sorted[k]]
			left[label]++
			right[label]--

			cur := b.X[sorted[k]][feature]
			next := b.X[sorted[k+1]][feature]
			if cur == next {
				continue
			}
			nl, nr := k+1, n-k-1
			weighted := (float64(nl)*gini(left, nl) + float64(nr)*gini(right, nr)) / float64(n)
			gain := parent - weighted
			if !found || gain > bestGain {
				found = true
				bestFeature = feature
				bestThreshold = cur + (next-cur)/2
				bestGain = gain
			}
		}
	}
	return bestFeature, bestThreshold, found
}

func (b *builder) count(idx []int) []int {
	counts := make([]int, b.classes)
	for _, i := range idx {
		counts[b.labels[i]]++
	}
	return counts
}

func gini(counts []int, n int) float64 {
	if n == 0 {
		return 0
	}
	sum := 0.0
	for _, c := range counts {
		p := float64(c) / float64(n)
		sum += p * p
	}
	return 1 - sum
}

func pure(counts []int) bool {
	nonZero := 0
	for _, c := range counts {
		if c > 0 {
			nonZero++
		}
	}
	return nonZero <= 1
}
