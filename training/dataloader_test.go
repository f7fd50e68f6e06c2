package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, loader BatchIterator) []*Batch {
	t.Helper()
	require.NoError(t, loader.Reset())
	var batches []*Batch
	for {
		b, err := loader.Next()
		require.NoError(t, err)
		if b == nil {
			return batches
		}
		batches = append(batches, b)
	}
}

func TestDataLoaderBatches(t *testing.T) {
	ds := toyDataset(t, 10, 3, 2, 1)
	loader := newLoader(t, ds, nil, 4)
	assert.Equal(t, 10, loader.Len())
	assert.Equal(t, 3, loader.NumBatches())

	batches := drain(t, loader)
	require.Len(t, batches, 3)
	assert.Equal(t, 4, batches[0].Size())
	assert.Equal(t, 2, batches[2].Size())
	assert.False(t, loader.HasNext())

	first, label, err := ds.Get(0)
	require.NoError(t, err)
	assert.Equal(t, first, batches[0].Inputs.RawRowView(0))
	assert.Equal(t, label, batches[0].Labels[0])

	// A second epoch starts over.
	assert.Len(t, drain(t, loader), 3)

	_, err = NewDataLoader(ds, nil, 0)
	assert.Error(t, err)
}

type outOfRangeSampler struct{}

func (outOfRangeSampler) Indices() []int { return []int{0, 99} }
func (outOfRangeSampler) Len() int       { return 2 }

func TestDataLoaderRejectsBadSampler(t *testing.T) {
	loader := newLoader(t, toyDataset(t, 5, 2, 2, 1), outOfRangeSampler{}, 2)
	assert.Error(t, loader.Reset())
}

func TestInMemoryDataset(t *testing.T) {
	ds, err := NewInMemoryDataset([][]float64{{1}, {2}, {3}}, []int{0, 2, 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, ds.NumClasses())
	assert.Equal(t, []string{"class_0", "class_1", "class_2"}, ds.ClassNames())
	assert.Equal(t, []int{0, 2, 1}, ds.Targets())

	_, _, err = ds.Get(3)
	assert.Error(t, err)

	_, err = NewInMemoryDataset([][]float64{{1}}, []int{0, 1}, nil)
	assert.Error(t, err)
	_, err = NewInMemoryDataset([][]float64{{1}}, []int{1}, []string{"only"})
	assert.Error(t, err)
}

func TestSubsetLoaderMapsPositions(t *testing.T) {
	ds := toyDataset(t, 20, 3, 2, 1)
	subset := Subset{Role: RoleVal, Indices: []int{19, 4, 7}}

	loader, err := NewSubsetLoader(ds, subset, nil, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, loader.Len())

	batches := drain(t, loader)
	require.Len(t, batches, 2)
	var labels []int
	for _, b := range batches {
		labels = append(labels, b.Labels...)
	}
	assert.Equal(t, []int{19 % 2, 4 % 2, 7 % 2}, labels)

	want, _, err := ds.Get(19)
	require.NoError(t, err)
	assert.Equal(t, want, batches[0].Inputs.RawRowView(0))

	_, err = NewSubsetLoader(ds, Subset{Indices: []int{20}}, nil, 2)
	assert.Error(t, err)
}

func TestShuffledSubsetLoader(t *testing.T) {
	data := make([][]float64, 40)
	labels := make([]int, 40)
	for i := range data {
		data[i] = []float64{float64(i)}
		labels[i] = i % 2
	}
	ds, err := NewInMemoryDataset(data, labels, []string{"a", "b"})
	require.NoError(t, err)

	subset := Subset{Role: RoleVal, Indices: make([]int, 30)}
	var want []float64
	for i := range subset.Indices {
		subset.Indices[i] = 39 - i
		want = append(want, float64(39-i))
	}

	loader, err := NewShuffledSubsetLoader(ds, subset, 4, 5)
	require.NoError(t, err)
	assert.Equal(t, 30, loader.Len())

	pass := func() []float64 {
		var seen []float64
		for _, b := range drain(t, loader) {
			for r := 0; r < b.Size(); r++ {
				seen = append(seen, b.Inputs.At(r, 0))
			}
		}
		return seen
	}
	first := pass()
	assert.ElementsMatch(t, want, first, "every example once per pass")
	assert.NotEqual(t, want, first)

	second := pass()
	assert.ElementsMatch(t, want, second)
	assert.NotEqual(t, first, second, "each pass reshuffles")
}

func TestSubsetLoaderWithClassBalancedSampler(t *testing.T) {
	ds := toyDataset(t, 30, 3, 3, 2)
	p, err := RandomSplit(ds.Len(), DefaultSplitRatios(), 5)
	require.NoError(t, err)

	sampler, _, err := NewClassBalancedSampler(p.Train, ds.Targets(), 5)
	require.NoError(t, err)
	loader, err := NewSubsetLoader(ds, p.Train, sampler, 4)
	require.NoError(t, err)

	trainSet := make(map[int]bool)
	for _, idx := range p.Train.Indices {
		trainSet[idx] = true
	}

	seen := 0
	for _, b := range drain(t, loader) {
		for i := 0; i < b.Size(); i++ {
			row := b.Inputs.RawRowView(i)
			found := false
			for idx := range trainSet {
				data, _, err := ds.Get(idx)
				require.NoError(t, err)
				if data[0] == row[0] && data[1] == row[1] && data[2] == row[2] {
					found = true
					break
				}
			}
			assert.True(t, found, "batch row is not a training example")
			seen++
		}
	}
	assert.Equal(t, p.Train.Len(), seen)
}

func TestSubsetDatasetGet(t *testing.T) {
	ds := toyDataset(t, 6, 2, 2, 1)
	view, err := NewSubsetDataset(ds, []int{5, 2})
	require.NoError(t, err)
	assert.Equal(t, 2, view.Len())

	_, label, err := view.Get(1)
	require.NoError(t, err)
	assert.Equal(t, 0, label)
	_, _, err = view.Get(2)
	assert.Error(t, err)
	_, _, err = view.GetBatch([]int{0, 3})
	assert.Error(t, err)
}
