package training

import (
	"github.com/pkg/errors"
)

// SubsetDataset exposes the examples of an underlying dataset selected by
// indices, renumbered from 0.
type SubsetDataset struct {
	originalDataset Dataset
	indices         []int
}

// NewSubsetDataset creates a new SubsetDataset that wraps an existing dataset
// and exposes only the samples at indices, in that order.
func NewSubsetDataset(original Dataset, indices []int) (*SubsetDataset, error) {
	n := original.Len()
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, errors.Errorf("subset index %d out of range [0, %d)", idx, n)
		}
	}
	return &SubsetDataset{
		originalDataset: original,
		indices:         indices,
	}, nil
}

// Len returns the number of samples in the subset.
func (sd *SubsetDataset) Len() int {
	return len(sd.indices)
}

// Get returns the sample at position idx of the subset.
func (sd *SubsetDataset) Get(idx int) ([]float64, int, error) {
	if idx < 0 || idx >= len(sd.indices) {
		return nil, 0, errors.Errorf("index out of bounds for subset: %d (size: %d)", idx, len(sd.indices))
	}
	return sd.originalDataset.Get(sd.indices[idx])
}

// GetBatch forwards to the underlying dataset's batch loader when it has
// one.
func (sd *SubsetDataset) GetBatch(positions []int) ([][]float64, []int, error) {
	mapped := make([]int, len(positions))
	for i, p := range positions {
		if p < 0 || p >= len(sd.indices) {
			return nil, nil, errors.Errorf("index out of bounds for subset: %d (size: %d)", p, len(sd.indices))
		}
		mapped[i] = sd.indices[p]
	}

	if getter, ok := sd.originalDataset.(BatchGetter); ok {
		return getter.GetBatch(mapped)
	}

	data := make([][]float64, len(mapped))
	labels := make([]int, len(mapped))
	for i, idx := range mapped {
		d, l, err := sd.originalDataset.Get(idx)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to load sample %d", idx)
		}
		data[i] = d
		labels[i] = l
	}
	return data, labels, nil
}

// NewSubsetLoader builds a loader over subset of dataset. A nil sampler
// visits the subset in order.
func NewSubsetLoader(dataset Dataset, subset Subset, sampler Sampler, batchSize int) (*DataLoader, error) {
	view, err := NewSubsetDataset(dataset, subset.Indices)
	if err != nil {
		return nil, errors.Wrapf(err, "%s subset", subset.Role)
	}
	return NewDataLoader(view, sampler, batchSize)
}

// NewShuffledSubsetLoader builds a loader that visits every example of
// subset once per pass, in a fresh order each pass.
func NewShuffledSubsetLoader(dataset Dataset, subset Subset, batchSize int, seed int64) (*DataLoader, error) {
	return NewSubsetLoader(dataset, subset, NewRandomSampler(subset.Len(), seed), batchSize)
}
