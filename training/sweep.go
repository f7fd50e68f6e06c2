package training

import (
	"io"
	"math"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/tsawler/go-finetune/checkpoints"
	"go.uber.org/zap"
)

// OptimizerConfig selects the optimizer built for each sweep candidate.
type OptimizerConfig struct {
	Name        string  `yaml:"name"` // sgd or adam
	Momentum    float64 `yaml:"momentum"`
	WeightDecay float64 `yaml:"weight_decay"`
	Dampening   float64 `yaml:"dampening"`
	Nesterov    bool    `yaml:"nesterov"`
}

// DefaultOptimizerConfig is SGD with momentum 0.9.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{Name: "sgd", Momentum: 0.9}
}

// NewOptimizer builds the optimizer described by cfg over params.
func NewOptimizer(cfg OptimizerConfig, params []*Parameter, lr float64) (Optimizer, error) {
	switch cfg.Name {
	case "", "sgd":
		return NewSGD(params, SGDConfig{
			LearningRate: lr,
			Momentum:     cfg.Momentum,
			WeightDecay:  cfg.WeightDecay,
			Dampening:    cfg.Dampening,
			Nesterov:     cfg.Nesterov,
		})
	case "adam":
		adam := DefaultAdamConfig(lr)
		adam.WeightDecay = cfg.WeightDecay
		return NewAdam(params, adam)
	default:
		return nil, errors.Errorf("unknown optimizer %q", cfg.Name)
	}
}

// SweepConfig holds configuration for a learning-rate sweep
type SweepConfig struct {
	LearningRates []float64
	Epochs        int
	Optimizer     OptimizerConfig
	Schedule      ScheduleConfig

	// ResetBetweenCandidates restores the pre-sweep parameters before every
	// candidate. Otherwise each candidate continues from the restored best
	// state of the previous one.
	ResetBetweenCandidates bool

	// KeepCheckpoints writes each candidate's best checkpoint under
	// CheckpointDir/lr_<rate>/ and leaves it there. Otherwise a temporary
	// directory is used and removed after the candidate.
	KeepCheckpoints  bool
	CheckpointDir    string
	CheckpointFormat checkpoints.CheckpointFormat

	Fs       afero.Fs
	Plotter  LossPlotter // nil disables loss-curve output
	Logger   *zap.Logger
	Progress io.Writer
}

// CandidateResult records the outcome of one learning rate.
type CandidateResult struct {
	LearningRate   float64
	BestAccuracy   float64
	BestEpoch      int
	TrainLosses    []float64
	ValLosses      []float64
	CheckpointPath string // Empty unless checkpoints are kept
	PlotPath       string
	Elapsed        time.Duration
	Run            *RunResult
}

// SweepResult holds every candidate in the order they ran.
type SweepResult struct {
	Candidates []CandidateResult
}

// Best returns the candidate with the highest validation accuracy, the
// earliest one on ties. It does not change the model.
func (r *SweepResult) Best() (CandidateResult, bool) {
	if r == nil || len(r.Candidates) == 0 {
		return CandidateResult{}, false
	}
	best := r.Candidates[0]
	for _, c := range r.Candidates[1:] {
		if c.BestAccuracy > best.BestAccuracy {
			best = c
		}
	}
	return best, true
}

// Sweep trains one shared model once per candidate learning rate.
type Sweep struct {
	model     Module
	criterion Loss
	config    SweepConfig
	logger    *zap.Logger
}

// NewSweep validates config and creates a sweep over model.
func NewSweep(model Module, criterion Loss, config SweepConfig) (*Sweep, error) {
	if len(config.LearningRates) == 0 {
		return nil, errors.New("sweep needs at least one learning rate")
	}
	for i, lr := range config.LearningRates {
		if lr <= 0 || math.IsNaN(lr) || math.IsInf(lr, 0) {
			return nil, errors.Errorf("learning rate %d must be positive, got %v", i, lr)
		}
	}
	if config.Epochs <= 0 {
		return nil, errors.Errorf("epochs must be positive, got %d", config.Epochs)
	}
	if len(TrainableParameters(model)) == 0 {
		return nil, errors.New("model has no trainable parameters")
	}
	if config.KeepCheckpoints && config.CheckpointDir == "" {
		return nil, errors.New("keeping checkpoints needs a checkpoint directory")
	}
	if config.Fs == nil {
		config.Fs = afero.NewOsFs()
	}
	if _, err := NewLRScheduler(config.Schedule); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Sweep{
		model:     model,
		criterion: criterion,
		config:    config,
		logger:    logger,
	}, nil
}

// Run trains once per learning rate, in order. The first failing candidate
// stops the sweep. When Run returns, the model holds the restored best
// state of the last candidate.
func (s *Sweep) Run(trainLoader, valLoader BatchIterator) (*SweepResult, error) {
	var initial []checkpoints.WeightTensor
	if s.config.ResetBetweenCandidates {
		initial = ExtractWeights(s.model)
	}

	result := &SweepResult{}
	total := len(s.config.LearningRates)
	for i, lr := range s.config.LearningRates {
		s.logger.Info("sweep candidate",
			zap.Int("candidate", i+1),
			zap.Int("candidates", total),
			zap.Float64("lr", lr),
		)

		if initial != nil && i > 0 {
			if _, err := LoadWeights(s.model, initial, true); err != nil {
				return result, errors.Wrap(err, "failed to reset model")
			}
		}

		candidate, err := s.runCandidate(lr, trainLoader, valLoader)
		if err != nil {
			return result, errors.Wrapf(err, "learning rate %s", FormatLearningRate(lr))
		}
		result.Candidates = append(result.Candidates, candidate)
	}

	if best, ok := result.Best(); ok {
		s.logger.Info("sweep complete",
			zap.Float64("best_lr", best.LearningRate),
			zap.Float64("best_accuracy", best.BestAccuracy),
		)
	}
	return result, nil
}

func (s *Sweep) runCandidate(lr float64, trainLoader, valLoader BatchIterator) (CandidateResult, error) {
	optimizer, err := NewOptimizer(s.config.Optimizer, TrainableParameters(s.model), lr)
	if err != nil {
		return CandidateResult{}, err
	}
	policy, err := NewLRScheduler(s.config.Schedule)
	if err != nil {
		return CandidateResult{}, err
	}
	store, err := s.newStore(lr)
	if err != nil {
		return CandidateResult{}, err
	}

	name := "lr=" + FormatLearningRate(lr)
	trainer, err := NewTrainer(s.model, optimizer, s.criterion, TrainingConfig{
		Epochs:    s.config.Epochs,
		Scheduler: NewEpochScheduler(policy, optimizer),
		Store:     store,
		Logger:    s.logger,
		Progress:  s.config.Progress,
		Name:      name,
	})
	if err != nil {
		return CandidateResult{}, err
	}

	run, err := trainer.Fit(trainLoader, valLoader)
	if err != nil {
		return CandidateResult{}, err
	}

	candidate := CandidateResult{
		LearningRate: lr,
		BestAccuracy: run.BestAccuracy,
		BestEpoch:    run.BestEpoch,
		TrainLosses:  run.TrainLosses,
		ValLosses:    run.ValLosses,
		Elapsed:      run.Elapsed,
		Run:          run,
	}
	if store.Kept() {
		candidate.CheckpointPath = store.Path()
	}

	if s.config.Plotter != nil {
		path, err := s.config.Plotter.PlotLosses(lr, run)
		if err != nil {
			return candidate, errors.Wrap(err, "failed to plot losses")
		}
		candidate.PlotPath = path
		s.logger.Debug("wrote loss curves", zap.String("path", path))
	}
	return candidate, nil
}

func (s *Sweep) newStore(lr float64) (*checkpoints.FileStore, error) {
	if s.config.KeepCheckpoints {
		dir := filepath.Join(s.config.CheckpointDir, "lr_"+FormatLearningRate(lr))
		return checkpoints.NewFileStore(s.config.Fs, dir, s.config.CheckpointFormat)
	}
	return checkpoints.NewTempStore(s.config.Fs, s.config.CheckpointFormat)
}
