package training

import (
	"math/rand/v2"
	"sort"

	"github.com/pkg/errors"
	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrEmptyClass is returned when a class-balanced weight would need a
// class with no training examples.
var ErrEmptyClass = errors.New("class has no training examples")

// ClassCounts maps a class index to its number of examples.
type ClassCounts map[int]int

// Total returns the sum of all counts.
func (c ClassCounts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// Classes returns the class indices present, in ascending order.
func (c ClassCounts) Classes() []int {
	classes := make([]int, 0, len(c))
	for class := range c {
		classes = append(classes, class)
	}
	sort.Ints(classes)
	return classes
}

// CountClasses tallies the labels of the examples selected by indices.
func CountClasses(indices []int, targets []int) (ClassCounts, error) {
	counts := make(ClassCounts)
	for _, idx := range indices {
		if idx < 0 || idx >= len(targets) {
			return nil, errors.Errorf("index %d out of range [0, %d)", idx, len(targets))
		}
		label := targets[idx]
		if label < 0 {
			return nil, errors.Errorf("negative label %d at index %d", label, idx)
		}
		counts[label]++
	}
	return counts, nil
}

// ClassBalancedWeights returns one weight per entry of indices, equal to
// 1/count(label) over the subset, along with the counts used.
func ClassBalancedWeights(indices []int, targets []int) ([]float64, ClassCounts, error) {
	counts, err := CountClasses(indices, targets)
	if err != nil {
		return nil, nil, err
	}

	weights := make([]float64, len(indices))
	for i, idx := range indices {
		label := targets[idx]
		n := counts[label]
		if n <= 0 {
			return nil, nil, errors.Wrapf(ErrEmptyClass, "class %d", label)
		}
		weights[i] = 1.0 / float64(n)
	}
	return weights, counts, nil
}

// Sampler yields the order in which a loader visits examples. Each call to
// Indices starts a new epoch.
type Sampler interface {
	Indices() []int
	Len() int
}

// SequentialSampler visits [0, n) in order.
type SequentialSampler struct {
	n int
}

func NewSequentialSampler(n int) *SequentialSampler {
	return &SequentialSampler{n: n}
}

func (s *SequentialSampler) Indices() []int {
	indices := make([]int, s.n)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

func (s *SequentialSampler) Len() int {
	return s.n
}

// RandomSampler visits a fresh permutation of [0, n) every epoch.
type RandomSampler struct {
	n   int
	rng *rand.Rand
}

func NewRandomSampler(n int, seed int64) *RandomSampler {
	return &RandomSampler{n: n, rng: newSeededRand(seed)}
}

func (s *RandomSampler) Indices() []int {
	return s.rng.Perm(s.n)
}

func (s *RandomSampler) Len() int {
	return s.n
}

// WeightedRandomSampler draws NumSamples positions with replacement, where
// position i is drawn with probability proportional to weights[i].
type WeightedRandomSampler struct {
	NumSamples int
	dist       distuv.Categorical
}

// NewWeightedRandomSampler creates a sampler over len(weights) positions.
// numSamples <= 0 means one draw per weight.
func NewWeightedRandomSampler(weights []float64, numSamples int, seed int64) (*WeightedRandomSampler, error) {
	if len(weights) == 0 {
		return nil, errors.New("weighted sampler needs at least one weight")
	}
	var sum float64
	for i, w := range weights {
		if w < 0 {
			return nil, errors.Errorf("negative weight %f at position %d", w, i)
		}
		sum += w
	}
	if sum <= 0 {
		return nil, errors.New("weights sum to zero")
	}
	if numSamples <= 0 {
		numSamples = len(weights)
	}

	return &WeightedRandomSampler{
		NumSamples: numSamples,
		dist:       distuv.NewCategorical(weights, exprand.NewSource(uint64(seed))),
	}, nil
}

func (s *WeightedRandomSampler) Indices() []int {
	indices := make([]int, s.NumSamples)
	for i := range indices {
		indices[i] = int(s.dist.Rand())
	}
	return indices
}

func (s *WeightedRandomSampler) Len() int {
	return s.NumSamples
}

// NewClassBalancedSampler builds the training sampler for subset: weights
// from the subset's class frequencies and one draw per subset example. The
// sampler yields positions into subset, so it pairs with a SubsetDataset.
func NewClassBalancedSampler(subset Subset, targets []int, seed int64) (*WeightedRandomSampler, ClassCounts, error) {
	weights, counts, err := ClassBalancedWeights(subset.Indices, targets)
	if err != nil {
		return nil, nil, err
	}
	sampler, err := NewWeightedRandomSampler(weights, len(subset.Indices), seed)
	if err != nil {
		return nil, nil, err
	}
	return sampler, counts, nil
}

func newSeededRand(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15))
}
