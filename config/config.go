// Package config holds the settings of a fine-tuning run.
package config

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/tsawler/go-finetune/checkpoints"
	"github.com/tsawler/go-finetune/training"
	"github.com/tsawler/go-finetune/vision/preprocessing"
	yaml "gopkg.in/yaml.v2"
)

// ErrInvalidConfig is the cause of every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// DefaultSeed is the seed used for the partition, the sampler and weight
// initialization when none is configured.
const DefaultSeed = 220029955

// RunConfig is the complete, immutable-once-validated configuration of a run.
type RunConfig struct {
	DataDir string `yaml:"data_dir"`
	Seed    int64  `yaml:"seed"`
	Device  string `yaml:"device"` // auto or cpu

	BatchSize     int                  `yaml:"batch_size"`
	NumEpochs     int                  `yaml:"num_epochs"`
	LearningRates []float64            `yaml:"learning_rates"`
	Split         training.SplitRatios `yaml:"split"`

	Optimizer   string  `yaml:"optimizer"` // sgd or adam
	Momentum    float64 `yaml:"momentum"`
	WeightDecay float64 `yaml:"weight_decay"`
	Nesterov    bool    `yaml:"nesterov"`

	LRSchedule    string  `yaml:"lr_schedule"` // step, exponential, cosine or constant
	LRDecayStep   int     `yaml:"lr_decay_step"`
	LRDecayFactor float64 `yaml:"lr_decay_factor"`

	ResetBetweenCandidates bool `yaml:"reset_between_candidates"`

	CheckpointFormat  string `yaml:"checkpoint_format"` // json or binary
	KeepCheckpoints   bool   `yaml:"keep_checkpoints"`
	CheckpointDir     string `yaml:"checkpoint_dir"`
	PretrainedWeights string `yaml:"pretrained_weights"`
	PlotDir           string `yaml:"plot_dir"`

	EvaluateTest bool `yaml:"evaluate_test"`
	Progress     bool `yaml:"progress"`

	ImageSize   int        `yaml:"image_size"`
	Mean        [3]float64 `yaml:"mean,flow"`
	Std         [3]float64 `yaml:"std,flow"`
	NumWorkers  int        `yaml:"num_workers"`
	CacheSize   int        `yaml:"cache_size"`
	MaxPerClass int        `yaml:"max_per_class"`

	PoolGrid   int     `yaml:"pool_grid"`
	FeatureDim int     `yaml:"feature_dim"`
	Dropout    float64 `yaml:"dropout"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when nothing is overridden.
func Default() RunConfig {
	pre := preprocessing.DefaultConfig()
	return RunConfig{
		DataDir:          "data",
		Seed:             DefaultSeed,
		Device:           "auto",
		BatchSize:        4,
		NumEpochs:        25,
		LearningRates:    []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		Split:            training.DefaultSplitRatios(),
		Optimizer:        "sgd",
		Momentum:         0.9,
		LRSchedule:       "step",
		LRDecayStep:      7,
		LRDecayFactor:    0.1,
		CheckpointFormat: "json",
		CheckpointDir:    "checkpoints",
		PlotDir:          ".",
		ImageSize:        pre.ImageSize,
		Mean:             pre.Mean,
		Std:              pre.Std,
		CacheSize:        1000,
		PoolGrid:         7,
		FeatureDim:       512,
		LogLevel:         "info",
	}
}

// Load reads a YAML file on fs over the defaults. Unknown keys are an error.
func Load(fs afero.Fs, path string) (RunConfig, error) {
	cfg := Default()
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read config %s", path)
	}
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse config %s", path)
	}
	return cfg, nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidConfig, format, args...)
}

// Validate checks every field. It never modifies the config.
func (c RunConfig) Validate() error {
	if c.DataDir == "" {
		return invalid("data_dir is required")
	}
	if _, err := c.ResolveDevice(); err != nil {
		return err
	}
	if c.BatchSize <= 0 {
		return invalid("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.NumEpochs <= 0 {
		return invalid("num_epochs must be positive, got %d", c.NumEpochs)
	}
	if len(c.LearningRates) == 0 {
		return invalid("learning_rates must not be empty")
	}
	for i, lr := range c.LearningRates {
		if !(lr > 0) || math.IsInf(lr, 0) {
			return invalid("learning_rates[%d] must be positive, got %v", i, lr)
		}
	}
	if err := c.Split.Validate(); err != nil {
		return invalid("split: %v", err)
	}
	switch c.Optimizer {
	case "sgd", "adam":
	default:
		return invalid("optimizer must be sgd or adam, got %q", c.Optimizer)
	}
	if c.Momentum < 0 || c.WeightDecay < 0 {
		return invalid("momentum and weight_decay must not be negative")
	}
	if _, err := training.NewLRScheduler(c.Schedule()); err != nil {
		return invalid("lr_schedule: %v", err)
	}
	if c.LRDecayStep <= 0 {
		return invalid("lr_decay_step must be positive, got %d", c.LRDecayStep)
	}
	if !(c.LRDecayFactor > 0 && c.LRDecayFactor <= 1) {
		return invalid("lr_decay_factor must be in (0, 1], got %v", c.LRDecayFactor)
	}
	if _, err := checkpoints.ParseFormat(c.CheckpointFormat); err != nil {
		return invalid("checkpoint_format: %v", err)
	}
	if c.KeepCheckpoints && c.CheckpointDir == "" {
		return invalid("keep_checkpoints needs checkpoint_dir")
	}
	if c.ImageSize <= 0 {
		return invalid("image_size must be positive, got %d", c.ImageSize)
	}
	for i, s := range c.Std {
		if s <= 0 {
			return invalid("std[%d] must be positive, got %v", i, s)
		}
	}
	if c.PoolGrid <= 0 || c.PoolGrid > c.ImageSize {
		return invalid("pool_grid must be in [1, image_size], got %d", c.PoolGrid)
	}
	if c.FeatureDim <= 0 {
		return invalid("feature_dim must be positive, got %d", c.FeatureDim)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return invalid("dropout must be in [0, 1), got %v", c.Dropout)
	}
	if c.NumWorkers < 0 || c.CacheSize < 0 || c.MaxPerClass < 0 {
		return invalid("num_workers, cache_size and max_per_class must not be negative")
	}
	return nil
}

// ResolveDevice maps the configured device onto an available backend. Only
// the CPU backend exists, so auto always resolves to cpu.
func (c RunConfig) ResolveDevice() (string, error) {
	switch strings.ToLower(c.Device) {
	case "", "auto", "cpu":
		return "cpu", nil
	default:
		return "", invalid("device %q is not available", c.Device)
	}
}

// Schedule returns the learning-rate policy settings.
func (c RunConfig) Schedule() training.ScheduleConfig {
	return training.ScheduleConfig{
		Name:     c.LRSchedule,
		StepSize: c.LRDecayStep,
		Gamma:    c.LRDecayFactor,
		TMax:     c.NumEpochs,
	}
}

// OptimizerConfig returns the per-candidate optimizer settings.
func (c RunConfig) OptimizerConfig() training.OptimizerConfig {
	return training.OptimizerConfig{
		Name:        c.Optimizer,
		Momentum:    c.Momentum,
		WeightDecay: c.WeightDecay,
		Nesterov:    c.Nesterov,
	}
}

// Preprocessing returns the image preprocessing settings.
func (c RunConfig) Preprocessing() preprocessing.Config {
	return preprocessing.Config{
		ImageSize: c.ImageSize,
		Mean:      c.Mean,
		Std:       c.Std,
	}
}

// Model returns the classifier settings for numClasses outputs.
func (c RunConfig) Model(numClasses int) training.ModelConfig {
	m := training.DefaultModelConfig(numClasses)
	m.ImageSize = c.ImageSize
	m.PoolGrid = c.PoolGrid
	m.FeatureDim = c.FeatureDim
	m.Dropout = c.Dropout
	m.Seed = c.Seed
	return m
}
