package training

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/go-trainloop/checkpoints"
)

// Parameter is a named, trainable vector and its gradient. The model's step
// function fills Grad; the optimizer reads it and updates Data.
type Parameter struct {
	Name string
	Data []float64
	Grad []float64
}

// NewParameter creates a parameter with a zeroed gradient
func NewParameter(name string, data []float64) *Parameter {
	return &Parameter{
		Name: name,
		Data: data,
		Grad: make([]float64, len(data)),
	}
}

// ZeroGrad resets gradients to zero for all parameters
func ZeroGrad(parameters []*Parameter) {
	for _, p := range parameters {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// ParametersStateDict snapshots parameter values keyed by name
func ParametersStateDict(parameters []*Parameter) checkpoints.StateDict {
	state := make(checkpoints.StateDict, len(parameters))
	for _, p := range parameters {
		state[p.Name] = append([]float64(nil), p.Data...)
	}
	return state
}

// LoadParametersStateDict copies saved values back into the parameters
func LoadParametersStateDict(parameters []*Parameter, state checkpoints.StateDict) error {
	for _, p := range parameters {
		values, ok := state[p.Name]
		if !ok {
			return fmt.Errorf("parameter %q missing from state", p.Name)
		}
		if len(values) != len(p.Data) {
			return fmt.Errorf("parameter %q: expected %d values, got %d", p.Name, len(p.Data), len(values))
		}
		copy(p.Data, values)
	}
	return nil
}

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
	GetName() string
	StateDict() checkpoints.StateDict
	LoadStateDict(state checkpoints.StateDict) error
}

func checkGrad(p *Parameter) error {
	if len(p.Grad) != len(p.Data) {
		return fmt.Errorf("parameter %q: gradient has %d values, data has %d", p.Name, len(p.Grad), len(p.Data))
	}
	return nil
}

// SGD implements Stochastic Gradient Descent optimizer
type SGD struct {
	parameters   []*Parameter
	learningRate float64
	momentum     float64
	weightDecay  float64
	dampening    float64
	nesterov     bool
	velocities   map[string][]float64
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*Parameter, lr float64, momentum float64, weightDecay float64, dampening float64, nesterov bool) *SGD {
	return &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		dampening:    dampening,
		nesterov:     nesterov,
		velocities:   make(map[string][]float64),
	}
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for _, param := range sgd.parameters {
		if err := checkGrad(param); err != nil {
			return err
		}

		velocity := sgd.velocities[param.Name]
		if sgd.momentum > 0 && velocity == nil {
			velocity = make([]float64, len(param.Data))
			sgd.velocities[param.Name] = velocity
		}

		for i := range param.Data {
			grad := param.Grad[i]

			// grad = grad + weight_decay * param.data
			if sgd.weightDecay > 0 {
				grad += sgd.weightDecay * param.Data[i]
			}

			// velocity = momentum * velocity + (1 - dampening) * grad
			if sgd.momentum > 0 {
				velocity[i] = sgd.momentum*velocity[i] + (1.0-sgd.dampening)*grad
				if sgd.nesterov {
					grad += sgd.momentum * velocity[i]
				} else {
					grad = velocity[i]
				}
			}

			param.Data[i] -= sgd.learningRate * grad
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (sgd *SGD) ZeroGrad() {
	ZeroGrad(sgd.parameters)
}

// GetLR returns the current learning rate
func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

// SetLR sets the learning rate
func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

func (sgd *SGD) GetName() string { return "SGD" }

// StateDict returns the learning rate and momentum buffers
func (sgd *SGD) StateDict() checkpoints.StateDict {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()

	state := checkpoints.StateDict{"lr": {sgd.learningRate}}
	for name, v := range sgd.velocities {
		state["momentum_buffer."+name] = append([]float64(nil), v...)
	}
	return state
}

// LoadStateDict restores the learning rate and momentum buffers
func (sgd *SGD) LoadStateDict(state checkpoints.StateDict) error {
	lr, err := scalar(state, "lr")
	if err != nil {
		return err
	}

	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
	for _, p := range sgd.parameters {
		if v, ok := state["momentum_buffer."+p.Name]; ok {
			sgd.velocities[p.Name] = append([]float64(nil), v...)
		}
	}
	return nil
}

// AdamW implements Adam with decoupled weight decay
type AdamW struct {
	parameters  []*Parameter
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           map[string][]float64 // First moment estimates
	v           map[string][]float64 // Second moment estimates
	mutex       sync.RWMutex
}

// NewAdamW creates a new AdamW optimizer
func NewAdamW(parameters []*Parameter, lr, beta1, beta2, eps, weightDecay float64) *AdamW {
	adam := &AdamW{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make(map[string][]float64),
		v:           make(map[string][]float64),
	}

	for _, param := range parameters {
		adam.m[param.Name] = make([]float64, len(param.Data))
		adam.v[param.Name] = make([]float64, len(param.Data))
	}

	return adam
}

// Step performs a single optimization step
func (adam *AdamW) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))

	for _, param := range adam.parameters {
		if err := checkGrad(param); err != nil {
			return err
		}

		m := adam.m[param.Name]
		v := adam.v[param.Name]
		if len(m) != len(param.Data) || len(v) != len(param.Data) {
			m = make([]float64, len(param.Data))
			v = make([]float64, len(param.Data))
			adam.m[param.Name] = m
			adam.v[param.Name] = v
		}

		for i := range param.Data {
			grad := param.Grad[i]

			// Decoupled weight decay: param = param - lr * weight_decay * param
			if adam.weightDecay > 0 {
				param.Data[i] -= adam.lr * adam.weightDecay * param.Data[i]
			}

			m[i] = adam.beta1*m[i] + (1.0-adam.beta1)*grad
			v[i] = adam.beta2*v[i] + (1.0-adam.beta2)*grad*grad

			mHat := m[i] / bias1
			vHat := v[i] / bias2

			param.Data[i] -= adam.lr * mHat / (math.Sqrt(vHat) + adam.eps)
		}
	}

	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (adam *AdamW) ZeroGrad() {
	ZeroGrad(adam.parameters)
}

// GetLR returns the current learning rate
func (adam *AdamW) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

// SetLR sets the learning rate
func (adam *AdamW) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

func (adam *AdamW) GetName() string { return "AdamW" }

// StepCount returns the number of optimization steps taken
func (adam *AdamW) StepCount() int64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.step
}

// StateDict returns the step count, learning rate and moment estimates
func (adam *AdamW) StateDict() checkpoints.StateDict {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()

	state := checkpoints.StateDict{
		"step": {float64(adam.step)},
		"lr":   {adam.lr},
	}
	for name, m := range adam.m {
		state["exp_avg."+name] = append([]float64(nil), m...)
	}
	for name, v := range adam.v {
		state["exp_avg_sq."+name] = append([]float64(nil), v...)
	}
	return state
}

// LoadStateDict restores the step count, learning rate and moment estimates
func (adam *AdamW) LoadStateDict(state checkpoints.StateDict) error {
	step, err := scalar(state, "step")
	if err != nil {
		return err
	}
	lr, err := scalar(state, "lr")
	if err != nil {
		return err
	}

	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	for _, p := range adam.parameters {
		m, okM := state["exp_avg."+p.Name]
		v, okV := state["exp_avg_sq."+p.Name]
		if !okM || !okV {
			return fmt.Errorf("moment estimates for %q missing from state", p.Name)
		}
		adam.m[p.Name] = append([]float64(nil), m...)
		adam.v[p.Name] = append([]float64(nil), v...)
	}
	adam.step = int64(step)
	adam.lr = lr
	return nil
}

// NewOptimizer builds an optimizer by configuration name
func NewOptimizer(name string, parameters []*Parameter, lr, weightDecay float64) (Optimizer, error) {
	switch name {
	case "", "adamw":
		return NewAdamW(parameters, lr, 0.9, 0.999, 1e-8, weightDecay), nil
	case "sgd":
		return NewSGD(parameters, lr, 0.9, weightDecay, 0, false), nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}
