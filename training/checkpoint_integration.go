package training

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/tsawler/go-finetune/checkpoints"
)

// ExtractWeights copies every parameter of model into checkpoint tensors.
func ExtractWeights(model Module) []checkpoints.WeightTensor {
	params := model.Parameters()
	weights := make([]checkpoints.WeightTensor, 0, len(params))
	for _, p := range params {
		rows, cols := p.Value.Dims()
		data := make([]float64, 0, rows*cols)
		for i := 0; i < rows; i++ {
			data = append(data, p.Value.RawRowView(i)...)
		}
		weights = append(weights, checkpoints.WeightTensor{
			Name:   p.Name,
			Shape:  []int{rows, cols},
			Data:   data,
			Frozen: p.Frozen,
		})
	}
	return weights
}

// LoadWeights copies tensors into the parameters of model that match by
// name. When strict is set every parameter of model must be present.
// Shapes must agree. Frozen flags on the model are left as they are.
func LoadWeights(model Module, weights []checkpoints.WeightTensor, strict bool) (int, error) {
	return loadParameters(model.Parameters(), weights, strict)
}

func loadParameters(params []*Parameter, weights []checkpoints.WeightTensor, strict bool) (int, error) {
	byName := make(map[string]checkpoints.WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	loaded := 0
	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			if strict {
				return loaded, errors.Errorf("checkpoint has no tensor for parameter %s", p.Name)
			}
			continue
		}
		rows, cols := p.Value.Dims()
		if len(w.Shape) != 2 || w.Shape[0] != rows || w.Shape[1] != cols {
			return loaded, errors.Errorf("shape mismatch for %s: parameter [%d %d], checkpoint %v", p.Name, rows, cols, w.Shape)
		}
		if len(w.Data) != rows*cols {
			return loaded, errors.Errorf("data size mismatch for %s: expected %d, got %d", p.Name, rows*cols, len(w.Data))
		}
		for i := 0; i < rows; i++ {
			copy(p.Value.RawRowView(i), w.Data[i*cols:(i+1)*cols])
		}
		loaded++
	}
	return loaded, nil
}

// LoadFrozenWeights loads tensors only into the frozen parameters of
// model, every one of which must be present. It is used to install
// pretrained backbone weights.
func LoadFrozenWeights(model Module, checkpoint *checkpoints.Checkpoint) error {
	var frozen []*Parameter
	for _, p := range model.Parameters() {
		if p.Frozen {
			frozen = append(frozen, p)
		}
	}
	if _, err := loadParameters(frozen, checkpoint.Weights, true); err != nil {
		return errors.Wrap(err, "failed to load pretrained weights")
	}
	return nil
}

// CheckpointManager keeps the best-so-far snapshot of a model in a store.
type CheckpointManager struct {
	model        Module
	store        checkpoints.Store
	bestAccuracy float64
	bestEpoch    int
	description  string
}

// NewCheckpointManager creates a manager for model backed by store.
func NewCheckpointManager(model Module, store checkpoints.Store, description string) *CheckpointManager {
	return &CheckpointManager{
		model:       model,
		store:       store,
		description: description,
	}
}

// SaveInitial stores the model as it is before training and resets the
// best accuracy to 0.
func (cm *CheckpointManager) SaveInitial(learningRate float64) error {
	cm.bestAccuracy = 0
	cm.bestEpoch = 0
	checkpoint := cm.snapshot(0, learningRate, 0, 0)
	if err := cm.store.Save(checkpoint); err != nil {
		return errors.Wrap(err, "failed to save initial checkpoint")
	}
	return nil
}

// SaveBestCheckpoint saves the model if accuracy is strictly higher than
// the best seen so far.
func (cm *CheckpointManager) SaveBestCheckpoint(epoch int, learningRate, loss, accuracy float64) (bool, error) {
	if accuracy <= cm.bestAccuracy {
		return false, nil
	}
	checkpoint := cm.snapshot(epoch, learningRate, loss, accuracy)
	if err := cm.store.Save(checkpoint); err != nil {
		return false, errors.Wrap(err, "failed to save best checkpoint")
	}
	cm.bestAccuracy = accuracy
	cm.bestEpoch = epoch
	return true, nil
}

// RestoreBest loads the stored checkpoint back into the model.
func (cm *CheckpointManager) RestoreBest() (*checkpoints.Checkpoint, error) {
	checkpoint, err := cm.store.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load best checkpoint")
	}
	if _, err := LoadWeights(cm.model, checkpoint.Weights, true); err != nil {
		return nil, errors.Wrap(err, "failed to restore best checkpoint")
	}
	return checkpoint, nil
}

// Discard releases the store.
func (cm *CheckpointManager) Discard() error {
	return cm.store.Discard()
}

func (cm *CheckpointManager) BestAccuracy() float64 {
	return cm.bestAccuracy
}

// BestEpoch returns the 1-based epoch of the best checkpoint, or 0 when
// the initial state is still the best.
func (cm *CheckpointManager) BestEpoch() int {
	return cm.bestEpoch
}

func (cm *CheckpointManager) snapshot(epoch int, learningRate, loss, accuracy float64) *checkpoints.Checkpoint {
	return &checkpoints.Checkpoint{
		Weights: ExtractWeights(cm.model),
		TrainingState: checkpoints.TrainingState{
			Epoch:        epoch,
			LearningRate: learningRate,
			BestLoss:     loss,
			BestAccuracy: accuracy,
		},
		Metadata: checkpoints.CheckpointMetadata{
			Description: fmt.Sprintf("%s epoch %d, accuracy %.4f", cm.description, epoch, accuracy),
		},
	}
}
