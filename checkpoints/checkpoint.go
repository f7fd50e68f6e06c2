package checkpoints

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format, without a dot.
func (cf CheckpointFormat) Extension() string {
	switch cf {
	case FormatBinary:
		return "ckpt"
	default:
		return "json"
	}
}

// ParseFormat maps a configuration value ("json" or "binary") to a format.
func ParseFormat(name string) (CheckpointFormat, error) {
	switch name {
	case "", "json":
		return FormatJSON, nil
	case "binary", "ckpt":
		return FormatBinary, nil
	default:
		return FormatJSON, errors.Errorf("unknown checkpoint format %q", name)
	}
}

// FormatForPath picks the format from a file extension: .ckpt is binary,
// anything else JSON.
func FormatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), "."+FormatBinary.Extension()) {
		return FormatBinary
	}
	return FormatJSON
}

// Checkpoint represents a model state: every parameter tensor, the
// training progress when it was taken, and metadata.
type Checkpoint struct {
	Weights       []WeightTensor     `json:"weights"`
	TrainingState TrainingState      `json:"training_state"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name   string    `json:"name"`
	Shape  []int     `json:"shape"`
	Data   []float64 `json:"data"`
	Frozen bool      `json:"frozen"`
}

// NumElements returns the product of the shape.
func (w WeightTensor) NumElements() int {
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	return n
}

// TrainingState captures the training progress at save time
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	BestLoss     float64 `json:"best_loss"`
	BestAccuracy float64 `json:"best_accuracy"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Find returns the weight tensor called name.
func (c *Checkpoint) Find(name string) (WeightTensor, bool) {
	for _, w := range c.Weights {
		if w.Name == name {
			return w, true
		}
	}
	return WeightTensor{}, false
}

// Validate checks that every tensor's data matches its shape.
func (c *Checkpoint) Validate() error {
	seen := make(map[string]bool, len(c.Weights))
	for _, w := range c.Weights {
		if w.Name == "" {
			return errors.New("weight tensor without a name")
		}
		if seen[w.Name] {
			return errors.Errorf("duplicate weight tensor %s", w.Name)
		}
		seen[w.Name] = true
		if n := w.NumElements(); n != len(w.Data) {
			return errors.Errorf("weight %s: shape %v needs %d values, has %d", w.Name, w.Shape, n, len(w.Data))
		}
	}
	return nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	fs     afero.Fs
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(fs afero.Fs, format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		fs:     fs,
		format: format,
	}
}

// Format returns the format the saver writes.
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint saves a complete model checkpoint
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if err := checkpoint.Validate(); err != nil {
		return errors.Wrap(err, "invalid checkpoint")
	}
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-finetune"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	var (
		data []byte
		err  error
	)
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatBinary:
		data, err = MarshalBinary(checkpoint)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}

	if err := afero.WriteFile(cs.fs, path, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write checkpoint file")
	}
	return nil
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := afero.ReadFile(cs.fs, path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read checkpoint file")
	}

	var checkpoint *Checkpoint
	switch cs.format {
	case FormatJSON:
		checkpoint = &Checkpoint{}
		err = json.Unmarshal(data, checkpoint)
	case FormatBinary:
		checkpoint, err = UnmarshalBinary(data)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode checkpoint")
	}
	if err := checkpoint.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid checkpoint")
	}
	return checkpoint, nil
}
