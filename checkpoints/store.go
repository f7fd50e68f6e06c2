package checkpoints

import (
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// ErrNoCheckpoint is returned by Load before anything has been saved.
var ErrNoCheckpoint = errors.New("no checkpoint saved")

// BestModelFile is the base name of the best-so-far checkpoint.
const BestModelFile = "best_model_params"

// Store is a single checkpoint slot. Save overwrites it, Load reads back the
// last save, Discard releases it.
type Store interface {
	Save(checkpoint *Checkpoint) error
	Load() (*Checkpoint, error)
	Path() string
	Discard() error
}

// FileStore keeps one checkpoint file on an afero filesystem.
type FileStore struct {
	fs    afero.Fs
	saver *CheckpointSaver
	dir   string
	path  string
	temp  bool
	saved bool
}

// NewTempStore creates a store in a fresh temporary directory. Discard
// removes the directory.
func NewTempStore(fs afero.Fs, format CheckpointFormat) (*FileStore, error) {
	dir, err := afero.TempDir(fs, "", "finetune-ckpt")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create checkpoint directory")
	}
	store := newFileStore(fs, dir, format)
	store.temp = true
	return store, nil
}

// NewFileStore creates a store under dir that survives Discard.
func NewFileStore(fs afero.Fs, dir string, format CheckpointFormat) (*FileStore, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create checkpoint directory %s", dir)
	}
	return newFileStore(fs, dir, format), nil
}

func newFileStore(fs afero.Fs, dir string, format CheckpointFormat) *FileStore {
	return &FileStore{
		fs:    fs,
		saver: NewCheckpointSaver(fs, format),
		dir:   dir,
		path:  filepath.Join(dir, BestModelFile+"."+format.Extension()),
	}
}

func (s *FileStore) Save(checkpoint *Checkpoint) error {
	if err := s.saver.SaveCheckpoint(checkpoint, s.path); err != nil {
		return errors.Wrapf(err, "failed to save checkpoint to %s", s.path)
	}
	s.saved = true
	return nil
}

func (s *FileStore) Load() (*Checkpoint, error) {
	if !s.saved {
		return nil, ErrNoCheckpoint
	}
	checkpoint, err := s.saver.LoadCheckpoint(s.path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load checkpoint from %s", s.path)
	}
	return checkpoint, nil
}

// Path returns where the checkpoint file lives.
func (s *FileStore) Path() string {
	return s.path
}

// Kept reports whether the checkpoint outlives Discard.
func (s *FileStore) Kept() bool {
	return !s.temp
}

func (s *FileStore) Discard() error {
	if !s.temp {
		return nil
	}
	if err := s.fs.RemoveAll(s.dir); err != nil {
		return errors.Wrapf(err, "failed to remove checkpoint directory %s", s.dir)
	}
	s.saved = false
	return nil
}
