package training

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	MacroPrecision MetricType = iota
	MacroRecall
	MacroF1
	MicroPrecision
	MicroRecall
	MicroF1
)

func (mt MetricType) String() string {
	switch mt {
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case MicroPrecision:
		return "MicroPrecision"
	case MicroRecall:
		return "MicroRecall"
	case MicroF1:
		return "MicroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix represents a confusion matrix for classification tasks
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{
		NumClasses: numClasses,
		Matrix:     matrix,
	}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update adds a batch of class scores (one row per example) and their
// labels.
func (cm *ConfusionMatrix) Update(scores *mat.Dense, labels []int) error {
	rows, cols := scores.Dims()
	if rows != len(labels) {
		return errors.Errorf("labels length mismatch: expected %d, got %d", rows, len(labels))
	}
	if cols != cm.NumClasses {
		return errors.Errorf("class count mismatch: expected %d, got %d", cm.NumClasses, cols)
	}
	for i, pred := range Predictions(scores) {
		trueClass := labels[i]
		if trueClass < 0 || trueClass >= cm.NumClasses {
			return errors.Errorf("label %d out of range [0, %d)", trueClass, cm.NumClasses)
		}
		cm.Matrix[trueClass][pred]++
		cm.TotalSamples++
	}
	return nil
}

// ClassPrecision returns tp/(tp+fp) for class, or 0 if it was never
// predicted.
func (cm *ConfusionMatrix) ClassPrecision(class int) float64 {
	tp := cm.Matrix[class][class]
	predicted := 0
	for trueClass := 0; trueClass < cm.NumClasses; trueClass++ {
		predicted += cm.Matrix[trueClass][class]
	}
	if predicted == 0 {
		return 0
	}
	return float64(tp) / float64(predicted)
}

// ClassRecall returns tp/(tp+fn) for class, or 0 if it never occurred.
func (cm *ConfusionMatrix) ClassRecall(class int) float64 {
	tp := cm.Matrix[class][class]
	actual := 0
	for _, n := range cm.Matrix[class] {
		actual += n
	}
	if actual == 0 {
		return 0
	}
	return float64(tp) / float64(actual)
}

// Support returns how many examples of class were seen.
func (cm *ConfusionMatrix) Support(class int) int {
	n := 0
	for _, v := range cm.Matrix[class] {
		n += v
	}
	return n
}

// GetMetric calculates an aggregate metric
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case MacroPrecision:
		return cm.macro(cm.ClassPrecision, cm.predictedCount)
	case MacroRecall:
		return cm.macro(cm.ClassRecall, cm.Support)
	case MacroF1:
		return harmonicMean(cm.GetMetric(MacroPrecision), cm.GetMetric(MacroRecall))
	case MicroPrecision, MicroRecall, MicroF1:
		// Every example adds exactly one prediction and one label, so the
		// micro averages all equal accuracy.
		return cm.GetAccuracy()
	default:
		return 0
	}
}

// macro averages per-class values over the classes where count is
// nonzero.
func (cm *ConfusionMatrix) macro(value func(int) float64, count func(int) int) float64 {
	sum := 0.0
	validClasses := 0
	for class := 0; class < cm.NumClasses; class++ {
		if count(class) > 0 {
			sum += value(class)
			validClasses++
		}
	}
	if validClasses == 0 {
		return 0
	}
	return sum / float64(validClasses)
}

func (cm *ConfusionMatrix) predictedCount(class int) int {
	n := 0
	for trueClass := 0; trueClass < cm.NumClasses; trueClass++ {
		n += cm.Matrix[trueClass][class]
	}
	return n
}

func harmonicMean(a, b float64) float64 {
	if a+b == 0 {
		return 0
	}
	return 2 * a * b / (a + b)
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// Evaluate runs model over loader in eval mode and returns the confusion
// matrix of its predictions along with the mean loss.
func Evaluate(model Module, loader BatchIterator, criterion Loss, numClasses int) (*ConfusionMatrix, float64, error) {
	if loader.Len() == 0 {
		return nil, 0, ErrEmptyLoader
	}
	if err := loader.Reset(); err != nil {
		return nil, 0, errors.Wrap(err, "failed to reset loader")
	}

	cm := NewConfusionMatrix(numClasses)
	var lossSum float64
	for {
		batch, err := loader.Next()
		if err != nil {
			return nil, 0, err
		}
		if batch == nil {
			break
		}
		output, err := model.Forward(batch.Inputs, ModeEval)
		if err != nil {
			return nil, 0, errors.Wrap(err, "evaluation forward pass failed")
		}
		loss, err := criterion.Forward(output, batch.Labels)
		if err != nil {
			return nil, 0, errors.Wrap(err, "evaluation loss computation failed")
		}
		lossSum += loss * float64(batch.Size())
		if err := cm.Update(output, batch.Labels); err != nil {
			return nil, 0, err
		}
	}
	if cm.TotalSamples != loader.Len() {
		return nil, 0, errors.Wrapf(ErrSizeMismatch, "saw %d examples, loader reported %d", cm.TotalSamples, loader.Len())
	}
	return cm, lossSum / float64(cm.TotalSamples), nil
}
