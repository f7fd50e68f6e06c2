package training

import (
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int                                           // Total number of samples
	Get(idx int) (data []float64, label int, err error) // Returns a single flattened sample
}

// BatchGetter is implemented by datasets that can load several samples at
// once, for example concurrently. DataLoader prefers it over Get.
type BatchGetter interface {
	GetBatch(indices []int) (data [][]float64, labels []int, err error)
}

// LabeledDataset exposes the label of every example without loading it.
type LabeledDataset interface {
	Len() int
	Targets() []int
	NumClasses() int
	ClassNames() []string
}

// BatchIterator is what the epoch runner consumes. Len is the number of
// examples one pass yields.
type BatchIterator interface {
	Reset() error
	Next() (*Batch, error)
	Len() int
}

// Batch represents a batch of data and labels, one example per row
type Batch struct {
	Inputs *mat.Dense
	Labels []int
}

// Size returns the number of examples in the batch.
func (b *Batch) Size() int {
	return len(b.Labels)
}

// DataLoader provides batching over a dataset in the order chosen by a
// sampler. A new order is drawn on every Reset.
type DataLoader struct {
	dataset   Dataset
	sampler   Sampler
	batchSize int
	indices   []int
	position  int
	mutex     sync.Mutex
}

// NewDataLoader creates a new DataLoader
func NewDataLoader(dataset Dataset, sampler Sampler, batchSize int) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	if sampler == nil {
		sampler = NewSequentialSampler(dataset.Len())
	}
	return &DataLoader{
		dataset:   dataset,
		sampler:   sampler,
		batchSize: batchSize,
	}, nil
}

// Len returns the number of examples in one epoch
func (dl *DataLoader) Len() int {
	return dl.sampler.Len()
}

// NumBatches returns the number of batches in an epoch
func (dl *DataLoader) NumBatches() int {
	return (dl.sampler.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset draws the visiting order for a new epoch
func (dl *DataLoader) Reset() error {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	indices := dl.sampler.Indices()
	n := dl.dataset.Len()
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			return errors.Errorf("sampler produced index %d out of range [0, %d)", idx, n)
		}
	}
	dl.indices = indices
	dl.position = 0
	return nil
}

// Next returns the next batch or nil if epoch is complete
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil
	}

	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}
	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load batch")
	}
	return batch, nil
}

// HasNext returns true if there are more batches in the current epoch
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	if len(indices) == 0 {
		return nil, errors.New("empty batch indices")
	}

	var (
		samples [][]float64
		labels  []int
	)
	if getter, ok := dl.dataset.(BatchGetter); ok {
		var err error
		samples, labels, err = getter.GetBatch(indices)
		if err != nil {
			return nil, err
		}
	} else {
		samples = make([][]float64, len(indices))
		labels = make([]int, len(indices))
		for i, idx := range indices {
			data, label, err := dl.dataset.Get(idx)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to load sample %d", idx)
			}
			samples[i] = data
			labels[i] = label
		}
	}
	if len(samples) != len(indices) || len(labels) != len(indices) {
		return nil, errors.Errorf("dataset returned %d samples and %d labels for %d indices", len(samples), len(labels), len(indices))
	}

	width := len(samples[0])
	inputs := mat.NewDense(len(samples), width, nil)
	for i, s := range samples {
		if len(s) != width {
			return nil, errors.Errorf("sample %d has %d features, expected %d", indices[i], len(s), width)
		}
		inputs.SetRow(i, s)
	}

	return &Batch{Inputs: inputs, Labels: labels}, nil
}

// InMemoryDataset holds flattened samples and their labels in memory.
type InMemoryDataset struct {
	data       [][]float64
	labels     []int
	classNames []string
}

// NewInMemoryDataset creates a dataset from data and labels. Class names
// default to the class indices.
func NewInMemoryDataset(data [][]float64, labels []int, classNames []string) (*InMemoryDataset, error) {
	if len(data) != len(labels) {
		return nil, errors.Errorf("data and labels must have the same length: got %d and %d", len(data), len(labels))
	}
	numClasses := len(classNames)
	for i, l := range labels {
		if l < 0 {
			return nil, errors.Errorf("negative label %d at index %d", l, i)
		}
		if classNames != nil && l >= numClasses {
			return nil, errors.Errorf("label %d at index %d has no class name", l, i)
		}
		if l+1 > numClasses {
			numClasses = l + 1
		}
	}
	if classNames == nil {
		classNames = make([]string, numClasses)
		for i := range classNames {
			classNames[i] = "class_" + strconv.Itoa(i)
		}
	}
	return &InMemoryDataset{data: data, labels: labels, classNames: classNames}, nil
}

func (ds *InMemoryDataset) Len() int {
	return len(ds.data)
}

func (ds *InMemoryDataset) Get(idx int) ([]float64, int, error) {
	if idx < 0 || idx >= len(ds.data) {
		return nil, 0, errors.Errorf("index %d out of range [0, %d)", idx, len(ds.data))
	}
	return ds.data[idx], ds.labels[idx], nil
}

func (ds *InMemoryDataset) Targets() []int {
	return ds.labels
}

func (ds *InMemoryDataset) NumClasses() int {
	return len(ds.classNames)
}

func (ds *InMemoryDataset) ClassNames() []string {
	return ds.classNames
}
