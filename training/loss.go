package training

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Loss interface defines methods that all loss functions must implement.
// Forward returns the mean loss over the batch; Backward returns the
// gradient of that mean with respect to predicted.
type Loss interface {
	Forward(predicted *mat.Dense, target []int) (float64, error)
	Backward(predicted *mat.Dense, target []int) (*mat.Dense, error)
}

// CrossEntropyLoss combines log-softmax and negative log-likelihood over raw
// class scores.
type CrossEntropyLoss struct{}

func NewCrossEntropyLoss() *CrossEntropyLoss {
	return &CrossEntropyLoss{}
}

// Forward computes L = -(1/N) * sum(log(softmax(x_i)[y_i])).
func (ce *CrossEntropyLoss) Forward(predicted *mat.Dense, target []int) (float64, error) {
	probs, err := ce.softmax(predicted, target)
	if err != nil {
		return 0, err
	}

	rows, _ := probs.Dims()
	var total float64
	for i := 0; i < rows; i++ {
		p := probs.At(i, target[i])
		total -= math.Log(math.Max(p, 1e-12))
	}
	return total / float64(rows), nil
}

// Backward computes dL/dx = (softmax(x) - onehot(y)) / N.
func (ce *CrossEntropyLoss) Backward(predicted *mat.Dense, target []int) (*mat.Dense, error) {
	probs, err := ce.softmax(predicted, target)
	if err != nil {
		return nil, err
	}

	rows, _ := probs.Dims()
	for i := 0; i < rows; i++ {
		probs.Set(i, target[i], probs.At(i, target[i])-1)
	}
	probs.Scale(1/float64(rows), probs)
	return probs, nil
}

func (ce *CrossEntropyLoss) softmax(predicted *mat.Dense, target []int) (*mat.Dense, error) {
	rows, cols := predicted.Dims()
	if rows == 0 {
		return nil, errors.New("empty batch")
	}
	if rows != len(target) {
		return nil, errors.Errorf("batch size mismatch: predictions %d, targets %d", rows, len(target))
	}
	for i, y := range target {
		if y < 0 || y >= cols {
			return nil, errors.Errorf("target %d at position %d out of range [0, %d)", y, i, cols)
		}
	}

	probs := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		logits := predicted.RawRowView(i)
		out := probs.RawRowView(i)
		maxLogit := logits[0]
		for _, v := range logits {
			if v > maxLogit {
				maxLogit = v
			}
		}
		var sum float64
		for j, v := range logits {
			out[j] = math.Exp(v - maxLogit)
			sum += out[j]
		}
		for j := range out {
			out[j] /= sum
		}
	}
	return probs, nil
}
