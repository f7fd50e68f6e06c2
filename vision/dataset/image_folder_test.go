package dataset

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestDataset lays out root/<class>/image_<i>.jpg on fs.
func createTestDataset(t *testing.T, fs afero.Fs, root string, counts map[string]int) {
	t.Helper()
	for className, n := range counts {
		classDir := filepath.Join(root, className)
		require.NoError(t, fs.MkdirAll(classDir, 0755))
		for i := 0; i < n; i++ {
			path := filepath.Join(classDir, fmt.Sprintf("image_%d.jpg", i))
			require.NoError(t, afero.WriteFile(fs, path, []byte("mock image content"), 0644))
		}
	}
}

func TestNewImageFolderDataset(t *testing.T) {
	fs := afero.NewMemMapFs()
	createTestDataset(t, fs, "/data", map[string]int{"dog": 3, "cat": 2, "bird": 4})

	ds, err := NewImageFolderDataset(fs, "/data", Options{})
	require.NoError(t, err)

	assert.Equal(t, 9, ds.Len())
	assert.Equal(t, 3, ds.NumClasses())
	assert.Equal(t, []string{"bird", "cat", "dog"}, ds.ClassNames())
	assert.Equal(t, map[string]int{"bird": 4, "cat": 2, "dog": 3}, ds.ClassDistribution())

	// Labels follow sorted class order and items are grouped by class.
	assert.Equal(t, []int{0, 0, 0, 0, 1, 1, 2, 2, 2}, ds.Targets())

	idx, ok := ds.ClassIndex("dog")
	assert.True(t, ok)
	assert.Equal(t, 2, idx)
}

func TestImageFolderDatasetDeterministic(t *testing.T) {
	fs := afero.NewMemMapFs()
	createTestDataset(t, fs, "/data", map[string]int{"a": 5, "b": 5})

	first, err := NewImageFolderDataset(fs, "/data", Options{})
	require.NoError(t, err)
	second, err := NewImageFolderDataset(fs, "/data", Options{})
	require.NoError(t, err)

	for i := 0; i < first.Len(); i++ {
		p1, l1, err := first.GetItem(i)
		require.NoError(t, err)
		p2, l2, err := second.GetItem(i)
		require.NoError(t, err)
		assert.Equal(t, p1, p2)
		assert.Equal(t, l1, l2)
	}
}

func TestImageFolderDatasetExtensions(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data/cat", 0755))
	for _, name := range []string{"a.JPG", "b.png", "c.bmp", "d.jpeg", "notes.txt", ".DS_Store"} {
		require.NoError(t, afero.WriteFile(fs, filepath.Join("/data/cat", name), []byte("x"), 0644))
	}
	require.NoError(t, afero.WriteFile(fs, "/data/README.md", []byte("x"), 0644))

	ds, err := NewImageFolderDataset(fs, "/data", Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, ds.Len())
	assert.Equal(t, []string{"cat"}, ds.ClassNames())

	pngOnly, err := NewImageFolderDataset(fs, "/data", Options{Extensions: []string{".png"}})
	require.NoError(t, err)
	assert.Equal(t, 1, pngOnly.Len())
}

func TestImageFolderDatasetMaxPerClass(t *testing.T) {
	fs := afero.NewMemMapFs()
	createTestDataset(t, fs, "/data", map[string]int{"cat": 10, "dog": 2})

	ds, err := NewImageFolderDataset(fs, "/data", Options{MaxPerClass: 3})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"cat": 3, "dog": 2}, ds.ClassDistribution())
}

func TestImageFolderDatasetErrors(t *testing.T) {
	t.Run("MissingRoot", func(t *testing.T) {
		_, err := NewImageFolderDataset(afero.NewMemMapFs(), "/nope", Options{})
		assert.Error(t, err)
	})

	t.Run("NoClasses", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, fs.MkdirAll("/data", 0755))
		_, err := NewImageFolderDataset(fs, "/data", Options{})
		assert.Equal(t, ErrNoImages, errors.Cause(err))
	})

	t.Run("EmptyClassDirectory", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		createTestDataset(t, fs, "/data", map[string]int{"cat": 2})
		require.NoError(t, fs.MkdirAll("/data/dog", 0755))
		_, err := NewImageFolderDataset(fs, "/data", Options{})
		assert.Equal(t, ErrEmptyClassDir, errors.Cause(err))
	})
}

func TestImageFolderDatasetGetItem(t *testing.T) {
	fs := afero.NewMemMapFs()
	createTestDataset(t, fs, "/data", map[string]int{"cat": 1, "dog": 1})
	ds, err := NewImageFolderDataset(fs, "/data", Options{})
	require.NoError(t, err)

	path, label, err := ds.GetItem(1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "dog", "image_0.jpg"), path)
	assert.Equal(t, 1, label)

	_, _, err = ds.GetItem(2)
	assert.Error(t, err)
	_, _, err = ds.GetItem(-1)
	assert.Error(t, err)
}

func TestImageFolderDatasetTargetsIsCopy(t *testing.T) {
	fs := afero.NewMemMapFs()
	createTestDataset(t, fs, "/data", map[string]int{"cat": 1, "dog": 1})
	ds, err := NewImageFolderDataset(fs, "/data", Options{})
	require.NoError(t, err)

	targets := ds.Targets()
	targets[0] = 99
	assert.Equal(t, []int{0, 1}, ds.Targets())
}

func TestImageFolderDatasetString(t *testing.T) {
	fs := afero.NewMemMapFs()
	createTestDataset(t, fs, "/data", map[string]int{"cat": 2, "dog": 1})
	ds, err := NewImageFolderDataset(fs, "/data", Options{})
	require.NoError(t, err)

	s := ds.String()
	assert.Contains(t, s, "3 samples, 2 classes")
	assert.Contains(t, s, "cat: 2 samples")
	assert.Contains(t, s, "dog: 1 samples")
}
