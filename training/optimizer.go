package training

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
}

// SGD implements Stochastic Gradient Descent with optional momentum,
// dampening, Nesterov momentum and L2 weight decay.
type SGD struct {
	parameters   []*Parameter
	learningRate float64
	momentum     float64
	weightDecay  float64
	dampening    float64
	nesterov     bool
	velocities   map[*Parameter]*mat.Dense
}

// SGDConfig holds configuration for the SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Dampening    float64
	Nesterov     bool
}

// NewSGD creates an SGD optimizer bound to parameters. Frozen parameters
// are rejected.
func NewSGD(parameters []*Parameter, config SGDConfig) (*SGD, error) {
	if err := checkOptimizerParams(parameters, config.LearningRate); err != nil {
		return nil, err
	}
	if config.Momentum < 0 {
		return nil, errors.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && (config.Momentum <= 0 || config.Dampening != 0) {
		return nil, errors.New("nesterov momentum requires a momentum and zero dampening")
	}

	return &SGD{
		parameters:   parameters,
		learningRate: config.LearningRate,
		momentum:     config.Momentum,
		weightDecay:  config.WeightDecay,
		dampening:    config.Dampening,
		nesterov:     config.Nesterov,
		velocities:   make(map[*Parameter]*mat.Dense),
	}, nil
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	for _, param := range sgd.parameters {
		grad := mat.DenseCopyOf(param.Grad)

		// grad = grad + weight_decay * param
		if sgd.weightDecay > 0 {
			var decay mat.Dense
			decay.Scale(sgd.weightDecay, param.Value)
			grad.Add(grad, &decay)
		}

		if sgd.momentum > 0 {
			velocity, ok := sgd.velocities[param]
			if !ok {
				// First step seeds the buffer with the raw gradient.
				velocity = mat.DenseCopyOf(grad)
				sgd.velocities[param] = velocity
			} else {
				// velocity = momentum * velocity + (1 - dampening) * grad
				var gradTerm mat.Dense
				gradTerm.Scale(1.0-sgd.dampening, grad)
				velocity.Scale(sgd.momentum, velocity)
				velocity.Add(velocity, &gradTerm)
			}

			if sgd.nesterov {
				var nesterovTerm mat.Dense
				nesterovTerm.Scale(sgd.momentum, velocity)
				grad.Add(grad, &nesterovTerm)
			} else {
				grad.Copy(velocity)
			}
		}

		// param = param - lr * grad
		grad.Scale(sgd.learningRate, grad)
		param.Value.Sub(param.Value, grad)
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	zeroGrad(sgd.parameters)
}

func (sgd *SGD) GetLR() float64 {
	return sgd.learningRate
}

func (sgd *SGD) SetLR(lr float64) {
	sgd.learningRate = lr
}

// Adam implements the Adam optimizer
type Adam struct {
	parameters []*Parameter
	lr         float64
	beta1      float64
	beta2      float64
	eps        float64
	decay      float64
	step       int
	m          map[*Parameter]*mat.Dense
	v          map[*Parameter]*mat.Dense
}

// AdamConfig holds configuration for the Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns the usual Adam hyperparameters for lr.
func DefaultAdamConfig(lr float64) AdamConfig {
	return AdamConfig{
		LearningRate: lr,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// NewAdam creates an Adam optimizer bound to parameters.
func NewAdam(parameters []*Parameter, config AdamConfig) (*Adam, error) {
	if err := checkOptimizerParams(parameters, config.LearningRate); err != nil {
		return nil, err
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, errors.Errorf("adam betas must be in [0, 1): %f, %f", config.Beta1, config.Beta2)
	}

	return &Adam{
		parameters: parameters,
		lr:         config.LearningRate,
		beta1:      config.Beta1,
		beta2:      config.Beta2,
		eps:        config.Epsilon,
		decay:      config.WeightDecay,
		m:          make(map[*Parameter]*mat.Dense),
		v:          make(map[*Parameter]*mat.Dense),
	}, nil
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.step++
	bias1 := 1 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1 - math.Pow(adam.beta2, float64(adam.step))

	for _, param := range adam.parameters {
		rows, cols := param.Value.Dims()
		m, ok := adam.m[param]
		if !ok {
			m = mat.NewDense(rows, cols, nil)
			adam.m[param] = m
			adam.v[param] = mat.NewDense(rows, cols, nil)
		}
		v := adam.v[param]

		for i := 0; i < rows; i++ {
			w := param.Value.RawRowView(i)
			g := param.Grad.RawRowView(i)
			mRow := m.RawRowView(i)
			vRow := v.RawRowView(i)
			for j := range w {
				grad := g[j] + adam.decay*w[j]
				mRow[j] = adam.beta1*mRow[j] + (1-adam.beta1)*grad
				vRow[j] = adam.beta2*vRow[j] + (1-adam.beta2)*grad*grad
				mHat := mRow[j] / bias1
				vHat := vRow[j] / bias2
				w[j] -= adam.lr * mHat / (math.Sqrt(vHat) + adam.eps)
			}
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *Adam) ZeroGrad() {
	zeroGrad(adam.parameters)
}

func (adam *Adam) GetLR() float64 {
	return adam.lr
}

func (adam *Adam) SetLR(lr float64) {
	adam.lr = lr
}

func checkOptimizerParams(parameters []*Parameter, lr float64) error {
	if len(parameters) == 0 {
		return errors.New("optimizer got an empty parameter list")
	}
	for _, p := range parameters {
		if p.Frozen {
			return errors.Errorf("parameter %s is frozen", p.Name)
		}
	}
	if lr <= 0 || math.IsNaN(lr) || math.IsInf(lr, 0) {
		return errors.Errorf("learning rate must be positive: %f", lr)
	}
	return nil
}

func zeroGrad(parameters []*Parameter) {
	for _, p := range parameters {
		p.Grad.Zero()
	}
}
