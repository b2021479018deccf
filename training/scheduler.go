package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-trainloop/checkpoints"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Implementations are pure functions of the epoch; EpochScheduler owns the state.
type LRScheduler interface {
	// GetLR returns the learning rate for the given epoch/step
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// MetricScheduler is implemented by schedulers that react to the epoch loss
type MetricScheduler interface {
	LRScheduler
	Step(metric float64, currentLR float64) float64
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30 // Default: reduce every 30 epochs
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1 // Default: reduce by 10x
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

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95 // Default: 5% reduction per epoch
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100 // Default: 100 epochs
	}
	if etaMin < 0 {
		etaMin = 0 // Default: anneal to 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
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

// ReduceLROnPlateauScheduler reduces LR when the epoch loss has stopped improving
type ReduceLROnPlateauScheduler struct {
	Factor    float64 // Factor by which the learning rate will be reduced
	Patience  int     // Number of epochs with no improvement after which LR will be reduced
	Threshold float64 // Threshold for measuring the new optimum
	Mode      string  // One of "min" or "max"

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

// NewReduceLROnPlateauScheduler creates a plateau-based scheduler
func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}

	return &ReduceLROnPlateauScheduler{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// Step checks if LR should be reduced based on metric.
// Called once per epoch with the epoch's mean loss.
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	improved := false
	if s.Mode == "min" {
		improved = metric < s.bestMetric-s.Threshold
	} else {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
		if s.badEpochs >= s.Patience {
			s.currentLR *= s.Factor
			s.badEpochs = 0
		}
	}

	return s.currentLR
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// NewScheduler builds a scheduler by configuration name
func NewScheduler(name string, maxEpoch int, etaMin float64) (LRScheduler, error) {
	switch name {
	case "", "cosine":
		return NewCosineAnnealingLRScheduler(maxEpoch, etaMin), nil
	case "step":
		return NewStepLRScheduler(maxEpoch/3, 0.1), nil
	case "exponential":
		return NewExponentialLRScheduler(0.95), nil
	case "plateau":
		return NewReduceLROnPlateauScheduler(0.1, 10, 1e-4, "min"), nil
	case "none", "constant":
		return &NoOpScheduler{}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", name)
	}
}

// EpochScheduler drives an LRScheduler once per epoch boundary and writes the
// resulting learning rate into the optimizer
type EpochScheduler struct {
	scheduler LRScheduler
	optimizer Optimizer
	baseLR    float64
	lastEpoch int
	lastLR    float64
}

// NewEpochScheduler binds a scheduler to an optimizer. The optimizer's current
// learning rate becomes the base rate.
func NewEpochScheduler(scheduler LRScheduler, optimizer Optimizer) *EpochScheduler {
	baseLR := optimizer.GetLR()
	return &EpochScheduler{
		scheduler: scheduler,
		optimizer: optimizer,
		baseLR:    baseLR,
		lastLR:    baseLR,
	}
}

// Step advances the schedule by one epoch. metric is the epoch's mean loss
// and is only consulted by metric-driven schedulers.
func (es *EpochScheduler) Step(metric float64) float64 {
	es.lastEpoch++

	var lr float64
	if ms, ok := es.scheduler.(MetricScheduler); ok {
		lr = ms.Step(metric, es.optimizer.GetLR())
	} else {
		lr = es.scheduler.GetLR(es.lastEpoch, 0, es.baseLR)
	}

	es.optimizer.SetLR(lr)
	es.lastLR = lr
	return lr
}

// LastEpoch returns how many times Step has been called
func (es *EpochScheduler) LastEpoch() int { return es.lastEpoch }

// Name returns the underlying scheduler name
func (es *EpochScheduler) Name() string { return es.scheduler.GetName() }

// StateDict captures the scheduler position for a checkpoint
func (es *EpochScheduler) StateDict() checkpoints.StateDict {
	return checkpoints.StateDict{
		"last_epoch": {float64(es.lastEpoch)},
		"base_lr":    {es.baseLR},
		"last_lr":    {es.lastLR},
	}
}

// LoadStateDict restores the scheduler position and reapplies the learning rate
func (es *EpochScheduler) LoadStateDict(state checkpoints.StateDict) error {
	lastEpoch, err := scalar(state, "last_epoch")
	if err != nil {
		return err
	}
	baseLR, err := scalar(state, "base_lr")
	if err != nil {
		return err
	}
	lastLR, err := scalar(state, "last_lr")
	if err != nil {
		return err
	}

	es.lastEpoch = int(lastEpoch)
	es.baseLR = baseLR
	es.lastLR = lastLR
	es.optimizer.SetLR(lastLR)
	return nil
}

func scalar(state checkpoints.StateDict, key string) (float64, error) {
	v, ok := state[key]
	if !ok || len(v) != 1 {
		return 0, fmt.Errorf("state entry %q missing or not a scalar", key)
	}
	return v[0], nil
}
