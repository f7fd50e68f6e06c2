package training

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-finetune/checkpoints"
	"gonum.org/v1/gonum/mat"
)

type transition struct {
	state TrainerState
	epoch int
}

func newTempStore(t *testing.T, fs afero.Fs) *checkpoints.FileStore {
	t.Helper()
	store, err := checkpoints.NewTempStore(fs, checkpoints.FormatJSON)
	require.NoError(t, err)
	return store
}

func TestTrainerFitRestoresBestCheckpoint(t *testing.T) {
	ds := toyDataset(t, 48, 4, 2, 7)
	p, err := RandomSplit(ds.Len(), DefaultSplitRatios(), 7)
	require.NoError(t, err)
	sampler, _, err := NewClassBalancedSampler(p.Train, ds.Targets(), 7)
	require.NoError(t, err)
	train, err := NewSubsetLoader(ds, p.Train, sampler, 4)
	require.NoError(t, err)
	val, err := NewSubsetLoader(ds, p.Val, nil, 4)
	require.NoError(t, err)

	model := toyModel(t, 4, 8, 2, 7)
	opt := newSGD(t, model, 0.01)
	fs := afero.NewMemMapFs()
	store := newTempStore(t, fs)

	initial := snapshotValues(model)
	var (
		transitions []transition
		best        = initial
	)
	trainer, err := NewTrainer(model, opt, NewCrossEntropyLoss(), TrainingConfig{
		Epochs:    4,
		Scheduler: NewEpochScheduler(NewStepLRScheduler(2, 0.1), opt),
		Store:     store,
		Observer: func(state TrainerState, epoch int) {
			transitions = append(transitions, transition{state, epoch})
			if state == StateCheckpointing {
				best = snapshotValues(model)
			}
		},
		Name: "lr=0.01",
	})
	require.NoError(t, err)

	result, err := trainer.Fit(train, val)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, trainer.State())

	require.Len(t, result.TrainLosses, 4)
	require.Len(t, result.ValLosses, 4)
	require.Len(t, result.History, 4)
	assert.Equal(t, result.History, trainer.GetMetrics())

	// The best accuracy is the strict running maximum of val accuracy.
	running := 0.0
	bestEpoch := 0
	for i, acc := range result.ValAccuracies {
		assert.True(t, acc >= 0 && acc <= 1)
		improved := acc > running
		assert.Equal(t, improved, result.History[i].Improved, "epoch %d", i+1)
		if improved {
			running = acc
			bestEpoch = i + 1
		}
	}
	assert.Equal(t, running, result.BestAccuracy)
	assert.Equal(t, bestEpoch, result.BestEpoch)

	// The model ends up with the parameters saved at the best epoch.
	assert.True(t, valuesEqual(best, snapshotValues(model)))

	// Step decay every 2 epochs.
	assert.InDelta(t, 0.01, result.History[1].LearningRate, 1e-15)
	assert.InDelta(t, 0.001, result.History[2].LearningRate, 1e-15)

	// The state sequence starts with initialization, alternates train and
	// val phases and ends completed.
	require.NotEmpty(t, transitions)
	assert.Equal(t, transition{StateInitializing, 0}, transitions[0])
	assert.Equal(t, transition{StateCompleted, 0}, transitions[len(transitions)-1])
	var phases []transition
	for _, tr := range transitions {
		if tr.state == StateTrainPhase || tr.state == StateValPhase {
			phases = append(phases, tr)
		}
	}
	require.Len(t, phases, 8)
	for epoch := 1; epoch <= 4; epoch++ {
		assert.Equal(t, transition{StateTrainPhase, epoch}, phases[2*(epoch-1)])
		assert.Equal(t, transition{StateValPhase, epoch}, phases[2*(epoch-1)+1])
	}

	// The temporary checkpoint is gone.
	exists, err := afero.Exists(fs, store.Path())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTrainerKeepsInitialStateWithoutImprovement(t *testing.T) {
	model := toyModel(t, 2, 3, 2, 1)
	head := model.Modules()[1].(*Linear)
	head.bias.Value.Set(0, 0, 5)

	// With zero inputs the backbone output is zero, so predictions come
	// from the bias alone and always pick class 0.
	val := &fixedIterator{
		batches:  []*Batch{{Inputs: mat.NewDense(2, 2, nil), Labels: []int{1, 1}}},
		reported: 2,
	}
	train := &fixedIterator{
		batches:  []*Batch{{Inputs: mat.NewDense(2, 2, nil), Labels: []int{0, 0}}},
		reported: 2,
	}

	initial := snapshotValues(model)
	opt := newSGD(t, model, 0.1)
	trainer, err := NewTrainer(model, opt, NewCrossEntropyLoss(), TrainingConfig{
		Epochs: 3,
		Store:  newTempStore(t, afero.NewMemMapFs()),
	})
	require.NoError(t, err)

	result, err := trainer.Fit(train, val)
	require.NoError(t, err)
	assert.Zero(t, result.BestEpoch)
	assert.Zero(t, result.BestAccuracy)
	assert.True(t, valuesEqual(initial, snapshotValues(model)), "initial parameters are restored")
}

func TestTrainerFitFailureDiscardsCheckpoint(t *testing.T) {
	model := toyModel(t, 2, 3, 2, 1)
	fs := afero.NewMemMapFs()
	store := newTempStore(t, fs)
	trainer, err := NewTrainer(model, newSGD(t, model, 0.1), NewCrossEntropyLoss(), TrainingConfig{
		Epochs: 2,
		Store:  store,
	})
	require.NoError(t, err)

	bad := &fixedIterator{
		batches:  []*Batch{{Inputs: mat.NewDense(1, 2, nil), Labels: []int{0}}},
		reported: 5,
	}
	_, err = trainer.Fit(bad, bad)
	assert.Error(t, err)

	exists, err := afero.Exists(fs, store.Path())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestNewTrainerValidation(t *testing.T) {
	model := toyModel(t, 2, 3, 2, 1)
	opt := newSGD(t, model, 0.1)
	store := newTempStore(t, afero.NewMemMapFs())
	ce := NewCrossEntropyLoss()

	_, err := NewTrainer(model, opt, ce, TrainingConfig{Epochs: 0, Store: store})
	assert.Error(t, err)
	_, err = NewTrainer(model, opt, ce, TrainingConfig{Epochs: 1})
	assert.Error(t, err)
	_, err = NewTrainer(model, nil, ce, TrainingConfig{Epochs: 1, Store: store})
	assert.Error(t, err)
}

func TestTrainerEvaluate(t *testing.T) {
	ds := toyDataset(t, 12, 2, 2, 1)
	model := toyModel(t, 2, 3, 2, 1)
	trainer, err := NewTrainer(model, newSGD(t, model, 0.1), NewCrossEntropyLoss(), TrainingConfig{
		Epochs: 1,
		Store:  newTempStore(t, afero.NewMemMapFs()),
	})
	require.NoError(t, err)

	before := snapshotValues(model)
	r, err := trainer.Evaluate(newLoader(t, ds, nil, 5))
	require.NoError(t, err)
	assert.Equal(t, 12, r.Examples)
	assert.True(t, valuesEqual(before, snapshotValues(model)))
}

func TestTrainerStateString(t *testing.T) {
	assert.Equal(t, "Initializing", StateInitializing.String())
	assert.Equal(t, "TrainPhase", StateTrainPhase.String())
	assert.Equal(t, "ValPhase", StateValPhase.String())
	assert.Equal(t, "Checkpointing", StateCheckpointing.String())
	assert.Equal(t, "Completed", StateCompleted.String())
}
