package training

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// toyDataset returns n examples with dim features. Class c has its mean at
// +2 on feature c and the classes alternate by index.
func toyDataset(t *testing.T, n, dim, classes int, seed uint64) *InMemoryDataset {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, seed+1))
	data := make([][]float64, n)
	labels := make([]int, n)
	for i := range data {
		label := i % classes
		row := make([]float64, dim)
		for j := range row {
			row[j] = rng.NormFloat64() * 0.3
		}
		row[label] += 2
		data[i] = row
		labels[i] = label
	}
	ds, err := NewInMemoryDataset(data, labels, nil)
	require.NoError(t, err)
	return ds
}

// toyModel is a frozen projection followed by a trainable head, the same
// shape as a TransferModel without the pooling stage.
func toyModel(t *testing.T, in, hidden, classes int, seed uint64) *Sequential {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, 7))
	features, err := NewLinear("features", in, hidden, rng)
	require.NoError(t, err)
	backbone := NewSequential(features, NewReLU())
	Freeze(backbone)
	head, err := NewLinear("fc", hidden, classes, rng)
	require.NoError(t, err)
	return NewSequential(backbone, head)
}

func newLoader(t *testing.T, ds Dataset, sampler Sampler, batchSize int) *DataLoader {
	t.Helper()
	loader, err := NewDataLoader(ds, sampler, batchSize)
	require.NoError(t, err)
	return loader
}

func newSGD(t *testing.T, model Module, lr float64) *SGD {
	t.Helper()
	opt, err := NewSGD(TrainableParameters(model), SGDConfig{LearningRate: lr, Momentum: 0.9})
	require.NoError(t, err)
	return opt
}

// snapshotValues deep-copies every parameter value of m.
func snapshotValues(m Module) []*mat.Dense {
	var values []*mat.Dense
	for _, p := range m.Parameters() {
		values = append(values, mat.DenseCopyOf(p.Value))
	}
	return values
}

func valuesEqual(a, b []*mat.Dense) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !mat.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// fixedIterator replays batches and reports a configurable Len.
type fixedIterator struct {
	batches  []*Batch
	reported int
	pos      int
}

func (f *fixedIterator) Reset() error {
	f.pos = 0
	return nil
}

func (f *fixedIterator) Next() (*Batch, error) {
	if f.pos >= len(f.batches) {
		return nil, nil
	}
	b := f.batches[f.pos]
	f.pos++
	return b, nil
}

func (f *fixedIterator) Len() int {
	return f.reported
}
