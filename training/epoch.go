package training

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrEmptyLoader is returned when an epoch is run over a loader that
	// yields no examples.
	ErrEmptyLoader = errors.New("data loader has no examples")
	// ErrSizeMismatch is returned when the examples seen in an epoch differ
	// from the size the loader reported.
	ErrSizeMismatch = errors.New("examples seen differ from loader size")
)

// EpochResult holds the statistics of one pass over a loader.
type EpochResult struct {
	Loss     float64 // Mean loss per example
	Accuracy float64 // Fraction of examples whose argmax matches the label
	Examples int
	Correct  int
	Batches  int
}

// EpochRunner runs a single pass over a loader. When Progress is set, a
// progress bar is drawn to it as batches complete.
type EpochRunner struct {
	Progress    io.Writer
	Description string
}

// RunEpoch runs one pass without progress output.
func RunEpoch(model Module, loader BatchIterator, criterion Loss, optimizer Optimizer, mode Mode) (EpochResult, error) {
	return EpochRunner{}.Run(model, loader, criterion, optimizer, mode)
}

// Run makes one pass over loader. In ModeTrain every batch clears the
// gradients, runs forward, loss and backward, and steps the optimizer. In
// ModeEval only forward and loss run and optimizer may be nil.
func (r EpochRunner) Run(model Module, loader BatchIterator, criterion Loss, optimizer Optimizer, mode Mode) (EpochResult, error) {
	var result EpochResult

	total := loader.Len()
	if total == 0 {
		return result, ErrEmptyLoader
	}
	if mode == ModeTrain && optimizer == nil {
		return result, errors.New("train mode requires an optimizer")
	}
	if err := loader.Reset(); err != nil {
		return result, errors.Wrap(err, "failed to reset loader")
	}

	var bar *ProgressBar
	if r.Progress != nil {
		description := r.Description
		if description == "" {
			description = mode.String()
		}
		bar = NewProgressBar(r.Progress, description, total)
	}

	var lossSum float64
	for {
		batch, err := loader.Next()
		if err != nil {
			return result, errors.Wrapf(err, "batch %d", result.Batches)
		}
		if batch == nil {
			break
		}

		loss, correct, err := runBatch(model, batch, criterion, optimizer, mode)
		if err != nil {
			return result, errors.Wrapf(err, "%s batch %d", mode, result.Batches)
		}

		size := batch.Size()
		lossSum += loss * float64(size)
		result.Correct += correct
		result.Examples += size
		result.Batches++

		if bar != nil {
			bar.Update(result.Examples, map[string]float64{
				"loss": lossSum / float64(result.Examples),
				"acc":  float64(result.Correct) / float64(result.Examples),
			})
		}
	}
	if bar != nil {
		bar.Finish()
	}

	if result.Examples != total {
		return result, errors.Wrapf(ErrSizeMismatch, "saw %d examples, loader reported %d", result.Examples, total)
	}

	result.Loss = lossSum / float64(total)
	result.Accuracy = float64(result.Correct) / float64(total)
	return result, nil
}

func runBatch(model Module, batch *Batch, criterion Loss, optimizer Optimizer, mode Mode) (float64, int, error) {
	if mode == ModeTrain {
		optimizer.ZeroGrad()
	}

	output, err := model.Forward(batch.Inputs, mode)
	if err != nil {
		return 0, 0, errors.Wrap(err, "forward pass failed")
	}
	loss, err := criterion.Forward(output, batch.Labels)
	if err != nil {
		return 0, 0, errors.Wrap(err, "loss computation failed")
	}

	if mode == ModeTrain {
		grad, err := criterion.Backward(output, batch.Labels)
		if err != nil {
			return 0, 0, errors.Wrap(err, "loss gradient failed")
		}
		if _, err := model.Backward(grad); err != nil {
			return 0, 0, errors.Wrap(err, "backward pass failed")
		}
		if err := optimizer.Step(); err != nil {
			return 0, 0, errors.Wrap(err, "optimizer step failed")
		}
	}

	return loss, CountCorrect(output, batch.Labels), nil
}

// Predictions returns the argmax of every row, taking the first index on
// ties.
func Predictions(scores *mat.Dense) []int {
	rows, _ := scores.Dims()
	preds := make([]int, rows)
	for i := 0; i < rows; i++ {
		preds[i] = floats.MaxIdx(scores.RawRowView(i))
	}
	return preds
}

// CountCorrect returns how many rows of scores have their argmax at the
// label.
func CountCorrect(scores *mat.Dense, labels []int) int {
	correct := 0
	for i, p := range Predictions(scores) {
		if p == labels[i] {
			correct++
		}
	}
	return correct
}

// String formats the result the way the epoch log lines read.
func (r EpochResult) String() string {
	return fmt.Sprintf("Loss: %.4f Acc: %.4f", r.Loss, r.Accuracy)
}
