package training

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomSplitCompleteness(t *testing.T) {
	ratios := DefaultSplitRatios()
	for n := 3; n <= 500; n++ {
		p, err := RandomSplit(n, ratios, 220029955)
		if err != nil {
			assert.Equal(t, ErrEmptySubset, errors.Cause(err), "n=%d", n)
			continue
		}

		train, val, test := SplitSizes(n, ratios)
		require.Equal(t, train, p.Train.Len(), "n=%d", n)
		require.Equal(t, val, p.Val.Len(), "n=%d", n)
		require.Equal(t, test, p.Test.Len(), "n=%d", n)
		// 60/20/20 gives val and test an equal share of the remainder.
		assert.Equal(t, (n-train)/2, val, "n=%d", n)
		assert.Equal(t, n, train+val+test+p.Dropped, "n=%d", n)

		seen := make(map[int]bool, n)
		for _, s := range []Subset{p.Train, p.Val, p.Test} {
			for _, idx := range s.Indices {
				require.True(t, idx >= 0 && idx < n, "n=%d index %d", n, idx)
				require.False(t, seen[idx], "n=%d index %d in two subsets", n, idx)
				seen[idx] = true
			}
		}
	}
}

func TestRandomSplitHundred(t *testing.T) {
	p, err := RandomSplit(100, DefaultSplitRatios(), 220029955)
	require.NoError(t, err)
	assert.Equal(t, 60, p.Train.Len())
	assert.Equal(t, 20, p.Val.Len())
	assert.Equal(t, 20, p.Test.Len())
	assert.Zero(t, p.Dropped)
	assert.Equal(t, RoleTrain, p.Train.Role)
	assert.Equal(t, RoleVal, p.Val.Role)
	assert.Equal(t, RoleTest, p.Test.Role)
}

func TestRandomSplitRemainderDropped(t *testing.T) {
	// 0.6*7 = 4.2 -> 4 train, remainder 3 -> 1 val, 1 test, 1 dropped.
	p, err := RandomSplit(7, DefaultSplitRatios(), 1)
	require.NoError(t, err)
	assert.Equal(t, 4, p.Train.Len())
	assert.Equal(t, 1, p.Val.Len())
	assert.Equal(t, 1, p.Test.Len())
	assert.Equal(t, 1, p.Dropped)
}

func TestRandomSplitDeterministic(t *testing.T) {
	a, err := RandomSplit(50, DefaultSplitRatios(), 42)
	require.NoError(t, err)
	b, err := RandomSplit(50, DefaultSplitRatios(), 42)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := RandomSplit(50, DefaultSplitRatios(), 43)
	require.NoError(t, err)
	assert.NotEqual(t, a.Train.Indices, c.Train.Indices)
}

func TestRandomSplitErrors(t *testing.T) {
	for _, n := range []int{0, 1, 2} {
		_, err := RandomSplit(n, DefaultSplitRatios(), 1)
		assert.Equal(t, ErrDatasetTooSmall, errors.Cause(err), "n=%d", n)
	}

	bad := []SplitRatios{
		{Train: 0.5, Val: 0.2, Test: 0.2},
		{Train: 0.8, Val: 0.2, Test: 0},
		{Train: 1.2, Val: -0.1, Test: -0.1},
	}
	for _, r := range bad {
		_, err := RandomSplit(10, r, 1)
		assert.Equal(t, ErrInvalidRatios, errors.Cause(err), "ratios %+v", r)
	}

	// 0.9 of 4 leaves one example for val and test together.
	_, err := RandomSplit(4, SplitRatios{Train: 0.9, Val: 0.05, Test: 0.05}, 1)
	assert.Equal(t, ErrEmptySubset, errors.Cause(err))
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "train", RoleTrain.String())
	assert.Equal(t, "val", RoleVal.String())
	assert.Equal(t, "test", RoleTest.String())
	assert.Equal(t, "unknown", Role(9).String())
}
