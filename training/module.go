package training

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Mode selects train or evaluation behaviour for a forward pass.
type Mode int

const (
	ModeTrain Mode = iota
	ModeEval
)

func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeEval:
		return "val"
	default:
		return "unknown"
	}
}

// Parameter is a named tensor owned by a module. Frozen parameters never
// receive gradients and are skipped by optimizers.
type Parameter struct {
	Name   string
	Value  *mat.Dense
	Grad   *mat.Dense
	Frozen bool
}

func newParameter(name string, rows, cols int, data []float64) *Parameter {
	return &Parameter{
		Name:  name,
		Value: mat.NewDense(rows, cols, data),
		Grad:  mat.NewDense(rows, cols, nil),
	}
}

// Module defines methods that all layers and models must implement.
// Forward receives a batch with one example per row. Backward receives the
// gradient of the loss with respect to the last Forward output, accumulates
// parameter gradients and returns the gradient with respect to the input.
type Module interface {
	Forward(input *mat.Dense, mode Mode) (*mat.Dense, error)
	Backward(gradOutput *mat.Dense) (*mat.Dense, error)
	Parameters() []*Parameter
}

// TrainableParameters returns the parameters of m that are not frozen.
func TrainableParameters(m Module) []*Parameter {
	var params []*Parameter
	for _, p := range m.Parameters() {
		if !p.Frozen {
			params = append(params, p)
		}
	}
	return params
}

// Freeze marks every parameter of m as frozen.
func Freeze(m Module) {
	for _, p := range m.Parameters() {
		p.Frozen = true
	}
}

func hasTrainable(m Module) bool {
	for _, p := range m.Parameters() {
		if !p.Frozen {
			return true
		}
	}
	return false
}

// Linear implements a fully connected layer: y = xW + b.
// W has shape [in, out] and b has shape [1, out].
type Linear struct {
	name   string
	weight *Parameter
	bias   *Parameter
	input  *mat.Dense
}

// NewLinear creates a Linear layer with Xavier/Glorot uniform weights drawn
// from rng and zero bias.
func NewLinear(name string, inputSize, outputSize int, rng *rand.Rand) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, errors.Errorf("linear %s: invalid size %dx%d", name, inputSize, outputSize)
	}

	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))
	weightData := make([]float64, inputSize*outputSize)
	for i := range weightData {
		weightData[i] = (rng.Float64()*2.0 - 1.0) * bound
	}

	return &Linear{
		name:   name,
		weight: newParameter(name+".weight", inputSize, outputSize, weightData),
		bias:   newParameter(name+".bias", 1, outputSize, nil),
	}, nil
}

func (l *Linear) Forward(input *mat.Dense, mode Mode) (*mat.Dense, error) {
	rows, cols := input.Dims()
	inSize, outSize := l.weight.Value.Dims()
	if cols != inSize {
		return nil, errors.Errorf("linear %s: input size mismatch: expected %d, got %d", l.name, inSize, cols)
	}

	l.input = input
	output := mat.NewDense(rows, outSize, nil)
	output.Mul(input, l.weight.Value)
	bias := l.bias.Value.RawRowView(0)
	for i := 0; i < rows; i++ {
		row := output.RawRowView(i)
		for j := range row {
			row[j] += bias[j]
		}
	}
	return output, nil
}

func (l *Linear) Backward(gradOutput *mat.Dense) (*mat.Dense, error) {
	if l.input == nil {
		return nil, errors.Errorf("linear %s: backward called before forward", l.name)
	}
	rows, cols := gradOutput.Dims()
	inRows, _ := l.input.Dims()
	_, outSize := l.weight.Value.Dims()
	if rows != inRows || cols != outSize {
		return nil, errors.Errorf("linear %s: gradient shape %dx%d does not match output %dx%d", l.name, rows, cols, inRows, outSize)
	}

	if !l.weight.Frozen {
		var dW mat.Dense
		dW.Mul(l.input.T(), gradOutput)
		l.weight.Grad.Add(l.weight.Grad, &dW)
	}
	if !l.bias.Frozen {
		db := l.bias.Grad.RawRowView(0)
		for i := 0; i < rows; i++ {
			for j, g := range gradOutput.RawRowView(i) {
				db[j] += g
			}
		}
	}

	var gradInput mat.Dense
	gradInput.Mul(gradOutput, l.weight.Value.T())
	return &gradInput, nil
}

func (l *Linear) Parameters() []*Parameter {
	return []*Parameter{l.weight, l.bias}
}

// ReLU applies max(0, x) element-wise.
type ReLU struct {
	output *mat.Dense
}

func NewReLU() *ReLU {
	return &ReLU{}
}

func (r *ReLU) Forward(input *mat.Dense, mode Mode) (*mat.Dense, error) {
	output := mat.DenseCopyOf(input)
	output.Apply(func(_, _ int, v float64) float64 {
		if v < 0 {
			return 0
		}
		return v
	}, output)
	r.output = output
	return output, nil
}

func (r *ReLU) Backward(gradOutput *mat.Dense) (*mat.Dense, error) {
	if r.output == nil {
		return nil, errors.New("relu: backward called before forward")
	}
	gradInput := mat.DenseCopyOf(gradOutput)
	gradInput.Apply(func(i, j int, g float64) float64 {
		if r.output.At(i, j) <= 0 {
			return 0
		}
		return g
	}, gradInput)
	return gradInput, nil
}

func (r *ReLU) Parameters() []*Parameter {
	return nil
}

// Dropout zeroes activations with probability P in train mode and scales the
// survivors by 1/(1-P). It is the identity in eval mode.
type Dropout struct {
	P    float64
	rng  *rand.Rand
	mask *mat.Dense
}

func NewDropout(p float64, rng *rand.Rand) (*Dropout, error) {
	if p < 0 || p >= 1 {
		return nil, errors.Errorf("dropout probability must be in [0, 1), got %f", p)
	}
	return &Dropout{P: p, rng: rng}, nil
}

func (d *Dropout) Forward(input *mat.Dense, mode Mode) (*mat.Dense, error) {
	if mode != ModeTrain || d.P == 0 {
		d.mask = nil
		return input, nil
	}

	rows, cols := input.Dims()
	scale := 1.0 / (1.0 - d.P)
	d.mask = mat.NewDense(rows, cols, nil)
	output := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			if d.rng.Float64() >= d.P {
				d.mask.Set(i, j, scale)
				output.Set(i, j, input.At(i, j)*scale)
			}
		}
	}
	return output, nil
}

func (d *Dropout) Backward(gradOutput *mat.Dense) (*mat.Dense, error) {
	if d.mask == nil {
		return gradOutput, nil
	}
	var gradInput mat.Dense
	gradInput.MulElem(gradOutput, d.mask)
	return &gradInput, nil
}

func (d *Dropout) Parameters() []*Parameter {
	return nil
}

// GridPool average-pools a flattened CHW image onto a Grid x Grid grid per
// channel, producing Channels*Grid*Grid features. It has no parameters.
type GridPool struct {
	Channels int
	Size     int
	Grid     int
	cells    [][]int
}

func NewGridPool(channels, size, grid int) (*GridPool, error) {
	if channels <= 0 || size <= 0 || grid <= 0 || grid > size {
		return nil, errors.Errorf("grid pool: invalid geometry channels=%d size=%d grid=%d", channels, size, grid)
	}

	// cells[k] lists the pixel offsets (within one channel) pooled into cell k.
	cells := make([][]int, grid*grid)
	for y := 0; y < size; y++ {
		gy := y * grid / size
		for x := 0; x < size; x++ {
			gx := x * grid / size
			cells[gy*grid+gx] = append(cells[gy*grid+gx], y*size+x)
		}
	}
	return &GridPool{Channels: channels, Size: size, Grid: grid, cells: cells}, nil
}

// OutputSize returns the number of features produced per example.
func (g *GridPool) OutputSize() int {
	return g.Channels * g.Grid * g.Grid
}

func (g *GridPool) Forward(input *mat.Dense, mode Mode) (*mat.Dense, error) {
	rows, cols := input.Dims()
	plane := g.Size * g.Size
	if cols != g.Channels*plane {
		return nil, errors.Errorf("grid pool: expected %d input features, got %d", g.Channels*plane, cols)
	}

	cellCount := g.Grid * g.Grid
	output := mat.NewDense(rows, g.OutputSize(), nil)
	for i := 0; i < rows; i++ {
		in := input.RawRowView(i)
		out := output.RawRowView(i)
		for c := 0; c < g.Channels; c++ {
			base := c * plane
			for k, cell := range g.cells {
				var sum float64
				for _, off := range cell {
					sum += in[base+off]
				}
				out[c*cellCount+k] = sum / float64(len(cell))
			}
		}
	}
	return output, nil
}

func (g *GridPool) Backward(gradOutput *mat.Dense) (*mat.Dense, error) {
	rows, _ := gradOutput.Dims()
	plane := g.Size * g.Size
	cellCount := g.Grid * g.Grid
	gradInput := mat.NewDense(rows, g.Channels*plane, nil)
	for i := 0; i < rows; i++ {
		gOut := gradOutput.RawRowView(i)
		gIn := gradInput.RawRowView(i)
		for c := 0; c < g.Channels; c++ {
			base := c * plane
			for k, cell := range g.cells {
				share := gOut[c*cellCount+k] / float64(len(cell))
				for _, off := range cell {
					gIn[base+off] = share
				}
			}
		}
	}
	return gradInput, nil
}

func (g *GridPool) Parameters() []*Parameter {
	return nil
}

// Sequential chains modules in order.
type Sequential struct {
	modules []Module
}

func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules}
}

func (s *Sequential) Forward(input *mat.Dense, mode Mode) (*mat.Dense, error) {
	output := input
	for i, m := range s.modules {
		var err error
		output, err = m.Forward(output, mode)
		if err != nil {
			return nil, errors.Wrapf(err, "module %d forward", i)
		}
	}
	return output, nil
}

// Backward propagates the gradient down to the lowest module that still has
// trainable parameters. Modules below it are frozen, so the returned
// gradient is nil when propagation stops early.
func (s *Sequential) Backward(gradOutput *mat.Dense) (*mat.Dense, error) {
	lowest := -1
	for i, m := range s.modules {
		if hasTrainable(m) {
			lowest = i
			break
		}
	}
	if lowest < 0 {
		return nil, nil
	}

	grad := gradOutput
	for i := len(s.modules) - 1; i >= lowest; i-- {
		var err error
		grad, err = s.modules[i].Backward(grad)
		if err != nil {
			return nil, errors.Wrapf(err, "module %d backward", i)
		}
	}
	if lowest > 0 {
		return nil, nil
	}
	return grad, nil
}

func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, m := range s.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

// Add appends a module.
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

// Modules returns the chained modules in order.
func (s *Sequential) Modules() []Module {
	return s.modules
}
