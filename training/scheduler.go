package training

import (
	"math"

	"github.com/pkg/errors"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Policies are pure: the rate depends only on the epoch and the base rate.
type LRScheduler interface {
	// GetLR returns the learning rate for the given epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler. Zero values
// select the defaults; a gamma of 1 disables decay.
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 7
	}
	if gamma == 0 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma == 0 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Epochs to anneal over
	EtaMin float64 // Minimum learning rate
}

func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// ScheduleConfig selects and parameterizes a scheduling policy by name.
type ScheduleConfig struct {
	Name     string  `yaml:"name"` // step, exponential, cosine or constant
	StepSize int     `yaml:"step_size"`
	Gamma    float64 `yaml:"gamma"`
	TMax     int     `yaml:"t_max"`
	EtaMin   float64 `yaml:"eta_min"`
}

// NewLRScheduler builds the policy described by cfg. Gamma must be in
// (0, 1], or zero for the policy default.
func NewLRScheduler(cfg ScheduleConfig) (LRScheduler, error) {
	if cfg.Gamma < 0 || cfg.Gamma > 1 || math.IsNaN(cfg.Gamma) {
		return nil, errors.Errorf("lr decay factor must be in (0, 1], got %v", cfg.Gamma)
	}
	switch cfg.Name {
	case "", "step":
		return NewStepLRScheduler(cfg.StepSize, cfg.Gamma), nil
	case "exponential":
		return NewExponentialLRScheduler(cfg.Gamma), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(cfg.TMax, cfg.EtaMin), nil
	case "constant":
		return &NoOpScheduler{}, nil
	default:
		return nil, errors.Errorf("unknown lr schedule %q", cfg.Name)
	}
}

// Scheduler is the stateful view the trainer drives: Step is called once
// per completed training phase.
type Scheduler interface {
	Step()
	Epoch() int
}

// EpochScheduler applies an LRScheduler policy to an optimizer, advancing
// one epoch per Step.
type EpochScheduler struct {
	policy    LRScheduler
	optimizer Optimizer
	baseLR    float64
	epoch     int
}

// NewEpochScheduler binds policy to opt. The optimizer's current rate is
// taken as the base rate.
func NewEpochScheduler(policy LRScheduler, opt Optimizer) *EpochScheduler {
	return &EpochScheduler{
		policy:    policy,
		optimizer: opt,
		baseLR:    opt.GetLR(),
	}
}

func (s *EpochScheduler) Step() {
	s.epoch++
	s.optimizer.SetLR(s.policy.GetLR(s.epoch, 0, s.baseLR))
}

// Epoch returns how many times Step has been called.
func (s *EpochScheduler) Epoch() int {
	return s.epoch
}

func (s *EpochScheduler) GetName() string {
	return s.policy.GetName()
}
