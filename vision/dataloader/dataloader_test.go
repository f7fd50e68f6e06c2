package dataloader

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-finetune/vision/preprocessing"
)

// MockDataset implements the Dataset interface for testing
type MockDataset struct {
	paths  []string
	labels []int
}

func (md *MockDataset) Len() int {
	return len(md.paths)
}

func (md *MockDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(md.paths) {
		return "", 0, errors.Errorf("index %d out of range [0, %d)", index, len(md.paths))
	}
	return md.paths[index], md.labels[index], nil
}

// newMockImages writes n solid PNGs whose red channel encodes the index.
func newMockImages(t *testing.T, fs afero.Fs, n int) *MockDataset {
	t.Helper()
	md := &MockDataset{}
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 6, 6))
		for y := 0; y < 6; y++ {
			for x := 0; x < 6; x++ {
				img.SetRGBA(x, y, color.RGBA{R: uint8(i * 10), A: 255})
			}
		}
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, img))
		path := fmt.Sprintf("/images/image_%d.png", i)
		require.NoError(t, afero.WriteFile(fs, path, buf.Bytes(), 0644))
		md.paths = append(md.paths, path)
		md.labels = append(md.labels, i%3)
	}
	return md
}

func newTestProcessor(t *testing.T) *preprocessing.ImageProcessor {
	t.Helper()
	p, err := preprocessing.NewImageProcessor(preprocessing.Config{ImageSize: 2, Std: [3]float64{1, 1, 1}})
	require.NoError(t, err)
	return p
}

func TestNewImageDataset(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := NewImageDataset(fs, nil, newTestProcessor(t), Config{})
	assert.Error(t, err)

	ds, err := NewImageDataset(fs, newMockImages(t, fs, 2), newTestProcessor(t), Config{})
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
	assert.Greater(t, ds.numWorkers, 0)
	assert.Equal(t, "Cache: disabled", ds.Stats())
}

func TestImageDatasetGet(t *testing.T) {
	fs := afero.NewMemMapFs()
	ds, err := NewImageDataset(fs, newMockImages(t, fs, 4), newTestProcessor(t), Config{})
	require.NoError(t, err)

	data, label, err := ds.Get(2)
	require.NoError(t, err)
	assert.Equal(t, 2, label)
	require.Len(t, data, 12)
	assert.InDelta(t, 20.0/255, data[0], 1e-9)
	assert.InDelta(t, 0, data[4], 1e-9)

	_, _, err = ds.Get(10)
	assert.Error(t, err)
}

func TestImageDatasetGetBatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	ds, err := NewImageDataset(fs, newMockImages(t, fs, 10), newTestProcessor(t), Config{NumWorkers: 3})
	require.NoError(t, err)

	indices := []int{9, 0, 4, 4, 7}
	data, labels, err := ds.GetBatch(indices)
	require.NoError(t, err)
	require.Len(t, data, len(indices))
	for i, idx := range indices {
		assert.Equal(t, idx%3, labels[i])
		assert.InDelta(t, float64(idx*10)/255, data[i][0], 1e-9, "batch order must match indices")
	}
}

func TestImageDatasetGetBatchError(t *testing.T) {
	fs := afero.NewMemMapFs()
	md := newMockImages(t, fs, 3)
	require.NoError(t, afero.WriteFile(fs, md.paths[1], []byte("mock image content"), 0644))

	ds, err := NewImageDataset(fs, md, newTestProcessor(t), Config{NumWorkers: 2})
	require.NoError(t, err)
	_, _, err = ds.GetBatch([]int{0, 1, 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), md.paths[1])
}

func TestImageDatasetGetBatchStopsAfterFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	md := newMockImages(t, fs, 3)
	require.NoError(t, afero.WriteFile(fs, md.paths[1], []byte("mock image content"), 0644))
	cache, err := NewCacheManager(10)
	require.NoError(t, err)

	// One worker decodes in order, so the failing first image cancels the rest.
	ds, err := NewImageDataset(fs, md, newTestProcessor(t), Config{NumWorkers: 1, CacheManager: cache})
	require.NoError(t, err)
	_, _, err = ds.GetBatch([]int{1, 0, 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), md.paths[1])

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Misses, "only the failing image was attempted")
	assert.Zero(t, stats.Size)
}

func TestImageDatasetCache(t *testing.T) {
	fs := afero.NewMemMapFs()
	md := newMockImages(t, fs, 3)
	cache, err := NewCacheManager(10)
	require.NoError(t, err)
	ds, err := NewImageDataset(fs, md, newTestProcessor(t), Config{CacheManager: cache})
	require.NoError(t, err)

	first, _, err := ds.Get(1)
	require.NoError(t, err)

	// Served from the cache even after the file disappears.
	require.NoError(t, fs.Remove(md.paths[1]))
	second, _, err := ds.Get(1)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Contains(t, ds.Stats(), "Hits: 1")
}
