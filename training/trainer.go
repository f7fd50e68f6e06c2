package training

import (
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-finetune/checkpoints"
	"go.uber.org/zap"
)

// TrainerState is the phase a Trainer is in.
type TrainerState int

const (
	StateInitializing TrainerState = iota
	StateTrainPhase
	StateValPhase
	StateCheckpointing
	StateCompleted
)

func (s TrainerState) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateTrainPhase:
		return "TrainPhase"
	case StateValPhase:
		return "ValPhase"
	case StateCheckpointing:
		return "Checkpointing"
	case StateCompleted:
		return "Completed"
	default:
		return "Unknown"
	}
}

// StateObserver is told about every state transition. epoch is 1-based and
// 0 outside the epoch loop.
type StateObserver func(state TrainerState, epoch int)

// TrainingConfig holds configuration for training
type TrainingConfig struct {
	Epochs    int
	Scheduler Scheduler         // Stepped once per epoch after the train phase; nil keeps the rate fixed
	Store     checkpoints.Store // Best-so-far checkpoint slot
	Logger    *zap.Logger
	Progress  io.Writer // Per-batch progress bars when set
	Observer  StateObserver
	Name      string // Identifies the run in log lines
}

// EpochStats holds metrics for a single epoch
type EpochStats struct {
	Epoch         int
	LearningRate  float64 // Rate used during the train phase
	TrainLoss     float64
	TrainAccuracy float64
	ValLoss       float64
	ValAccuracy   float64
	Improved      bool // Validation accuracy beat the previous best
	Duration      time.Duration
}

// RunResult is what a completed Fit returns.
type RunResult struct {
	TrainLosses     []float64
	ValLosses       []float64
	TrainAccuracies []float64
	ValAccuracies   []float64
	BestAccuracy    float64
	BestEpoch       int // 0 when no epoch beat the initial state
	Elapsed         time.Duration
	History         []EpochStats
	CheckpointPath  string
}

// Trainer runs a fixed number of train/validate epochs, keeps the
// parameters with the best validation accuracy and restores them at the
// end.
type Trainer struct {
	model     Module
	optimizer Optimizer
	criterion Loss
	config    TrainingConfig
	logger    *zap.Logger
	state     TrainerState
	history   []EpochStats
}

// NewTrainer creates a new Trainer
func NewTrainer(model Module, optimizer Optimizer, criterion Loss, config TrainingConfig) (*Trainer, error) {
	if config.Epochs <= 0 {
		return nil, errors.Errorf("epochs must be positive, got %d", config.Epochs)
	}
	if config.Store == nil {
		return nil, errors.New("trainer needs a checkpoint store")
	}
	if optimizer == nil || criterion == nil {
		return nil, errors.New("trainer needs an optimizer and a loss")
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Name != "" {
		logger = logger.With(zap.String("run", config.Name))
	}

	return &Trainer{
		model:     model,
		optimizer: optimizer,
		criterion: criterion,
		config:    config,
		logger:    logger,
	}, nil
}

// State returns the current state.
func (t *Trainer) State() TrainerState {
	return t.state
}

// GetMetrics returns the stats of every completed epoch
func (t *Trainer) GetMetrics() []EpochStats {
	return t.history
}

func (t *Trainer) transition(state TrainerState, epoch int) {
	t.state = state
	if t.config.Observer != nil {
		t.config.Observer(state, epoch)
	}
}

// Fit trains on trainLoader and validates on valLoader for the configured
// number of epochs. The model holds the best checkpoint's parameters when
// Fit returns without error.
func (t *Trainer) Fit(trainLoader, valLoader BatchIterator) (result *RunResult, err error) {
	start := time.Now()
	manager := NewCheckpointManager(t.model, t.config.Store, t.config.Name)
	t.history = nil

	t.transition(StateInitializing, 0)
	if err := manager.SaveInitial(t.optimizer.GetLR()); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			if discardErr := manager.Discard(); discardErr != nil {
				t.logger.Warn("failed to discard checkpoint", zap.Error(discardErr))
			}
		}
	}()

	result = &RunResult{CheckpointPath: t.config.Store.Path()}
	for epoch := 1; epoch <= t.config.Epochs; epoch++ {
		epochStart := time.Now()
		t.logger.Info("epoch started", zap.Int("epoch", epoch), zap.Int("epochs", t.config.Epochs))
		stats := EpochStats{Epoch: epoch, LearningRate: t.optimizer.GetLR()}

		t.transition(StateTrainPhase, epoch)
		train, err := t.runner(epoch, ModeTrain).Run(t.model, trainLoader, t.criterion, t.optimizer, ModeTrain)
		if err != nil {
			return nil, errors.Wrapf(err, "training epoch %d failed", epoch)
		}
		stats.TrainLoss, stats.TrainAccuracy = train.Loss, train.Accuracy
		result.TrainLosses = append(result.TrainLosses, train.Loss)
		result.TrainAccuracies = append(result.TrainAccuracies, train.Accuracy)
		t.logPhase(ModeTrain, train)
		if t.config.Scheduler != nil {
			t.config.Scheduler.Step()
		}

		t.transition(StateValPhase, epoch)
		val, err := t.runner(epoch, ModeEval).Run(t.model, valLoader, t.criterion, nil, ModeEval)
		if err != nil {
			return nil, errors.Wrapf(err, "validation epoch %d failed", epoch)
		}
		stats.ValLoss, stats.ValAccuracy = val.Loss, val.Accuracy
		result.ValLosses = append(result.ValLosses, val.Loss)
		result.ValAccuracies = append(result.ValAccuracies, val.Accuracy)
		t.logPhase(ModeEval, val)

		if val.Accuracy > manager.BestAccuracy() {
			t.transition(StateCheckpointing, epoch)
			if _, err := manager.SaveBestCheckpoint(epoch, stats.LearningRate, val.Loss, val.Accuracy); err != nil {
				return nil, errors.Wrapf(err, "epoch %d", epoch)
			}
			stats.Improved = true
			t.logger.Debug("saved best checkpoint",
				zap.Int("epoch", epoch),
				zap.Float64("accuracy", val.Accuracy),
				zap.String("path", t.config.Store.Path()),
			)
		}

		stats.Duration = time.Since(epochStart)
		t.history = append(t.history, stats)
	}

	if _, err := manager.RestoreBest(); err != nil {
		return nil, err
	}
	if err := manager.Discard(); err != nil {
		return nil, errors.Wrap(err, "failed to discard checkpoint")
	}
	t.transition(StateCompleted, 0)

	result.BestAccuracy = manager.BestAccuracy()
	result.BestEpoch = manager.BestEpoch()
	result.Elapsed = time.Since(start)
	result.History = t.history

	t.logger.Info("training complete", zap.String("elapsed", FormatElapsed(result.Elapsed)))
	t.logger.Info("best val accuracy",
		zap.Float64("accuracy", result.BestAccuracy),
		zap.Int("epoch", result.BestEpoch),
	)
	return result, nil
}

// Evaluate runs the model over loader in eval mode.
func (t *Trainer) Evaluate(loader BatchIterator) (EpochResult, error) {
	return RunEpoch(t.model, loader, t.criterion, nil, ModeEval)
}

func (t *Trainer) runner(epoch int, mode Mode) EpochRunner {
	runner := EpochRunner{Progress: t.config.Progress}
	if runner.Progress != nil {
		runner.Description = fmt.Sprintf("Epoch %d/%d (%s)", epoch, t.config.Epochs, mode)
	}
	return runner
}

func (t *Trainer) logPhase(mode Mode, r EpochResult) {
	t.logger.Info(mode.String(),
		zap.Float64("loss", r.Loss),
		zap.Float64("accuracy", r.Accuracy),
		zap.Int("examples", r.Examples),
	)
}
