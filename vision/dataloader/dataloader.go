package dataloader

import (
	"context"
	"runtime"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/tsawler/go-finetune/vision/preprocessing"
	"golang.org/x/sync/errgroup"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	GetItem(index int) (imagePath string, label int, err error)
}

// Config holds configuration for ImageDataset
type Config struct {
	NumWorkers   int           // Parallel decodes per batch; runtime.NumCPU() when 0
	CacheManager *CacheManager // Optional, may be shared between datasets
}

// ImageDataset turns the image paths of a Dataset into preprocessed
// tensors. Batches are decoded in parallel and results are cached by path.
type ImageDataset struct {
	dataset    Dataset
	fs         afero.Fs
	processor  *preprocessing.ImageProcessor
	cache      *CacheManager
	numWorkers int
}

// NewImageDataset creates a new image dataset reading files from fs
func NewImageDataset(fs afero.Fs, dataset Dataset, processor *preprocessing.ImageProcessor, config Config) (*ImageDataset, error) {
	if dataset == nil || processor == nil {
		return nil, errors.New("image dataset needs a dataset and a processor")
	}
	workers := config.NumWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &ImageDataset{
		dataset:    dataset,
		fs:         fs,
		processor:  processor,
		cache:      config.CacheManager,
		numWorkers: workers,
	}, nil
}

// Len returns the number of images
func (d *ImageDataset) Len() int {
	return d.dataset.Len()
}

// Get returns the preprocessed image and label at index.
func (d *ImageDataset) Get(index int) ([]float64, int, error) {
	path, label, err := d.dataset.GetItem(index)
	if err != nil {
		return nil, 0, err
	}
	data, err := d.loadImageWithCache(path)
	if err != nil {
		return nil, 0, err
	}
	return data, label, nil
}

// GetBatch loads the images at indices concurrently. The first failure
// cancels the batch: decodes that have not started are skipped.
func (d *ImageDataset) GetBatch(indices []int) ([][]float64, []int, error) {
	data := make([][]float64, len(indices))
	labels := make([]int, len(indices))

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(d.numWorkers)
	for i, idx := range indices {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var err error
			data[i], labels[i], err = d.Get(idx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return data, labels, nil
}

// loadImageWithCache loads an image with caching support
func (d *ImageDataset) loadImageWithCache(imagePath string) ([]float64, error) {
	if d.cache != nil {
		if cached, ok := d.cache.Get(imagePath); ok {
			return cached, nil
		}
	}

	file, err := d.fs.Open(imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", imagePath)
	}
	defer file.Close()

	data, err := d.processor.DecodeAndPreprocess(file)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to preprocess %s", imagePath)
	}

	if d.cache != nil {
		d.cache.Put(imagePath, data)
	}
	return data, nil
}

// Stats returns cache statistics
func (d *ImageDataset) Stats() string {
	if d.cache == nil {
		return "Cache: disabled"
	}
	return d.cache.Stats().String()
}
