package training

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
)

var (
	// ErrDatasetTooSmall is returned when a dataset cannot be split into
	// three non-empty subsets.
	ErrDatasetTooSmall = errors.New("dataset too small to partition")
	// ErrInvalidRatios is returned for split ratios that are not positive or
	// do not sum to 1.
	ErrInvalidRatios = errors.New("invalid split ratios")
	// ErrEmptySubset is returned when rounding leaves a subset empty.
	ErrEmptySubset = errors.New("partition produced an empty subset")
)

// Role identifies what an index subset is used for.
type Role int

const (
	RoleTrain Role = iota
	RoleVal
	RoleTest
)

func (r Role) String() string {
	switch r {
	case RoleTrain:
		return "train"
	case RoleVal:
		return "val"
	case RoleTest:
		return "test"
	default:
		return "unknown"
	}
}

// SplitRatios holds the fractions of the dataset given to each subset.
type SplitRatios struct {
	Train float64 `yaml:"train"`
	Val   float64 `yaml:"val"`
	Test  float64 `yaml:"test"`
}

// DefaultSplitRatios returns the 60/20/20 split.
func DefaultSplitRatios() SplitRatios {
	return SplitRatios{Train: 0.6, Val: 0.2, Test: 0.2}
}

// Validate checks that all ratios are positive and sum to 1.
func (r SplitRatios) Validate() error {
	if r.Train <= 0 || r.Val <= 0 || r.Test <= 0 {
		return errors.Wrapf(ErrInvalidRatios, "ratios must be positive: %v/%v/%v", r.Train, r.Val, r.Test)
	}
	if sum := r.Train + r.Val + r.Test; math.Abs(sum-1) > 1e-6 {
		return errors.Wrapf(ErrInvalidRatios, "ratios sum to %v", sum)
	}
	return nil
}

// Subset is a set of indices into a dataset with a role.
type Subset struct {
	Role    Role
	Indices []int
}

func (s Subset) Len() int {
	return len(s.Indices)
}

// Partition is the result of RandomSplit. The subsets are disjoint; Dropped
// counts the indices lost to integer rounding.
type Partition struct {
	Train   Subset
	Val     Subset
	Test    Subset
	Dropped int
}

// SplitSizes returns the subset sizes for n examples. The training size is
// floor(ratio.Train*n); the remainder is shared between val and test in
// proportion to their ratios, each rounded down.
func SplitSizes(n int, ratios SplitRatios) (train, val, test int) {
	train = floorCount(ratios.Train * float64(n))
	rest := float64(n - train)
	share := ratios.Val + ratios.Test
	val = floorCount(rest * ratios.Val / share)
	test = floorCount(rest * ratios.Test / share)
	return train, val, test
}

// floorCount rounds down, absorbing float error just below an integer.
func floorCount(v float64) int {
	return int(math.Floor(v + 1e-9))
}

// RandomSplit permutes [0, n) with a generator seeded by seed and cuts the
// permutation into train, val and test subsets. The same n, ratios and seed
// always give the same partition.
func RandomSplit(n int, ratios SplitRatios, seed int64) (*Partition, error) {
	if n < 3 {
		return nil, errors.Wrapf(ErrDatasetTooSmall, "got %d examples, need at least 3", n)
	}
	if err := ratios.Validate(); err != nil {
		return nil, err
	}

	trainSize, valSize, testSize := SplitSizes(n, ratios)
	if trainSize == 0 || valSize == 0 || testSize == 0 {
		return nil, errors.Wrapf(ErrEmptySubset, "sizes %d/%d/%d for %d examples", trainSize, valSize, testSize, n)
	}

	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x5851f42d4c957f2d))
	perm := rng.Perm(n)

	valEnd := trainSize + valSize
	testEnd := valEnd + testSize
	return &Partition{
		Train:   Subset{Role: RoleTrain, Indices: perm[:trainSize:trainSize]},
		Val:     Subset{Role: RoleVal, Indices: perm[trainSize:valEnd:valEnd]},
		Test:    Subset{Role: RoleTest, Indices: perm[valEnd:testEnd:testEnd]},
		Dropped: n - testEnd,
	}, nil
}
