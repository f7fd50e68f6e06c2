package training

import (
	"math/rand/v2"

	"github.com/pkg/errors"
)

// ModelConfig describes a transfer-learning classifier: a frozen feature
// extractor followed by a trainable linear head.
type ModelConfig struct {
	Channels   int     // Input image channels
	ImageSize  int     // Input images are ImageSize x ImageSize
	PoolGrid   int     // Spatial grid the backbone pools onto
	FeatureDim int     // Width of the backbone feature vector
	NumClasses int     // Output classes of the head
	Dropout    float64 // Dropout probability before the head (train mode only)
	Seed       int64   // Seed for weight initialization and dropout masks
}

// DefaultModelConfig returns the configuration used for 224x224 RGB input.
func DefaultModelConfig(numClasses int) ModelConfig {
	return ModelConfig{
		Channels:   3,
		ImageSize:  224,
		PoolGrid:   7,
		FeatureDim: 512,
		NumClasses: numClasses,
		Seed:       1,
	}
}

// TransferModel is a Sequential whose backbone parameters are frozen and
// whose final Linear layer ("fc") is the only trainable part.
type TransferModel struct {
	*Sequential
	Backbone *Sequential
	Head     *Linear
	Config   ModelConfig
}

// NewTransferModel builds the backbone (grid pooling, projection, ReLU),
// freezes it, and attaches a freshly initialized head.
func NewTransferModel(cfg ModelConfig) (*TransferModel, error) {
	if cfg.NumClasses < 2 {
		return nil, errors.Errorf("model needs at least 2 classes, got %d", cfg.NumClasses)
	}
	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), 0x9e3779b97f4a7c15))

	pool, err := NewGridPool(cfg.Channels, cfg.ImageSize, cfg.PoolGrid)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build backbone")
	}
	projection, err := NewLinear("features", pool.OutputSize(), cfg.FeatureDim, rng)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build backbone")
	}
	backbone := NewSequential(pool, projection, NewReLU())
	Freeze(backbone)

	dropout, err := NewDropout(cfg.Dropout, rng)
	if err != nil {
		return nil, err
	}
	head, err := NewLinear("fc", cfg.FeatureDim, cfg.NumClasses, rng)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build head")
	}

	return &TransferModel{
		Sequential: NewSequential(backbone, dropout, head),
		Backbone:   backbone,
		Head:       head,
		Config:     cfg,
	}, nil
}
