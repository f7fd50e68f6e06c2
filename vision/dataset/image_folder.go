package dataset

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// DefaultExtensions are the image file extensions scanned when none are given.
var DefaultExtensions = []string{".jpg", ".jpeg", ".png", ".bmp"}

var (
	ErrNoImages      = errors.New("no images found")
	ErrEmptyClassDir = errors.New("class directory has no images")
)

// Options controls how a directory tree is scanned.
type Options struct {
	Extensions  []string // Matched case-insensitively; DefaultExtensions when empty
	MaxPerClass int      // Keep at most this many images per class; 0 keeps all
}

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class. Classes are indexed in sorted
// name order and files within a class are sorted by name, so the same tree
// always yields the same indices.
type ImageFolderDataset struct {
	root       string
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int
}

// NewImageFolderDataset scans root on fs.
func NewImageFolderDataset(fs afero.Fs, root string, opts Options) (*ImageFolderDataset, error) {
	extensions := opts.Extensions
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}

	entries, err := afero.ReadDir(fs, root)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list classes in %s", root)
	}

	dataset := &ImageFolderDataset{
		root:       root,
		classToIdx: make(map[string]int),
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		className := entry.Name()
		classPath := filepath.Join(root, className)

		files, err := afero.ReadDir(fs, classPath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list %s", classPath)
		}
		var paths []string
		for _, f := range files {
			if f.IsDir() || !hasExtension(f.Name(), extensions) {
				continue
			}
			paths = append(paths, filepath.Join(classPath, f.Name()))
		}
		if len(paths) == 0 {
			return nil, errors.Wrapf(ErrEmptyClassDir, "%s", classPath)
		}
		sort.Strings(paths)
		if opts.MaxPerClass > 0 && len(paths) > opts.MaxPerClass {
			paths = paths[:opts.MaxPerClass]
		}

		classIdx := len(dataset.classNames)
		dataset.classNames = append(dataset.classNames, className)
		dataset.classToIdx[className] = classIdx
		for _, p := range paths {
			dataset.imagePaths = append(dataset.imagePaths, p)
			dataset.labels = append(dataset.labels, classIdx)
		}
	}

	if len(dataset.imagePaths) == 0 {
		return nil, errors.Wrapf(ErrNoImages, "%s", root)
	}
	return dataset, nil
}

func hasExtension(name string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range extensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, errors.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// Targets returns the label of every item, in index order.
func (d *ImageFolderDataset) Targets() []int {
	targets := make([]int, len(d.labels))
	copy(targets, d.labels)
	return targets
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the list of class names
func (d *ImageFolderDataset) ClassNames() []string {
	return d.classNames
}

// ClassIndex returns the label assigned to className.
func (d *ImageFolderDataset) ClassIndex(className string) (int, bool) {
	idx, ok := d.classToIdx[className]
	return idx, ok
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int)
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ImageFolderDataset %s: %s samples, %d classes\n",
		d.root, humanize.Comma(int64(len(d.imagePaths))), len(d.classNames))
	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		fmt.Fprintf(&sb, "  %s: %s samples\n", className, humanize.Comma(int64(dist[className])))
	}
	return sb.String()
}
