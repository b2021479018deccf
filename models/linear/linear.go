// Package linear provides a small multi-head linear regressor that implements
// training.Model. It reports one loss component per head, which makes it a
// convenient stand-in for detector-style models with composite losses.
package linear

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-trainloop/training"
)

// DefaultHeads mirrors the loss breakdown of a text detector: score map,
// rotation angle and box overlap
var DefaultHeads = []string{"cls", "angle", "iou"}

// Regressor predicts one scalar per head from a shared input vector. The
// total loss is the sum of per-head mean squared errors plus an L2 penalty.
type Regressor struct {
	inputDim int
	heads    []string
	l2       float64
	weights  []*training.Parameter
	biases   []*training.Parameter
}

// New creates a regressor with small random weights drawn from seed
func New(inputDim int, heads []string, l2 float64, seed int64) (*Regressor, error) {
	if inputDim <= 0 {
		return nil, fmt.Errorf("input dimension must be positive, got %d", inputDim)
	}
	if len(heads) == 0 {
		return nil, errors.New("at least one head is required")
	}

	rng := rand.New(rand.NewSource(seed))
	r := &Regressor{
		inputDim: inputDim,
		heads:    append([]string(nil), heads...),
		l2:       l2,
	}
	for _, head := range heads {
		w := make([]float64, inputDim)
		for i := range w {
			w[i] = rng.NormFloat64() * 0.01
		}
		r.weights = append(r.weights, training.NewParameter(head+".weight", w))
		r.biases = append(r.biases, training.NewParameter(head+".bias", []float64{0}))
	}
	return r, nil
}

// Parameters returns weights and biases, head by head
func (r *Regressor) Parameters() []*training.Parameter {
	params := make([]*training.Parameter, 0, 2*len(r.heads))
	for h := range r.heads {
		params = append(params, r.weights[h], r.biases[h])
	}
	return params
}

// Predict returns one output per head
func (r *Regressor) Predict(input []float64) ([]float64, error) {
	if len(input) != r.inputDim {
		return nil, fmt.Errorf("expected %d inputs, got %d", r.inputDim, len(input))
	}
	out := make([]float64, len(r.heads))
	for h := range r.heads {
		out[h] = r.forward(h, input)
	}
	return out, nil
}

func (r *Regressor) forward(h int, input []float64) float64 {
	sum := r.biases[h].Data[0]
	for i, x := range input {
		sum += r.weights[h].Data[i] * x
	}
	return sum
}

// TrainStep computes the batch loss and writes gradients into Parameters().
// Components are reported as "<head>_loss" and, when enabled, "l2_loss".
func (r *Regressor) TrainStep(batch *training.Batch) (float64, map[string]float64, error) {
	n := batch.Size()
	if n == 0 {
		return 0, nil, errors.New("empty batch")
	}
	for i, s := range batch.Samples {
		if len(s.Input) != r.inputDim {
			return 0, nil, fmt.Errorf("sample %d: expected %d inputs, got %d", i, r.inputDim, len(s.Input))
		}
		if len(s.Targets) != len(r.heads) {
			return 0, nil, fmt.Errorf("sample %d: expected %d targets, got %d", i, len(r.heads), len(s.Targets))
		}
		if !finite(s.Input) {
			return 0, nil, fmt.Errorf("sample %d: non-finite input", i)
		}
		for h, target := range s.Targets {
			if !finite(target) {
				return 0, nil, fmt.Errorf("sample %d: non-finite %s target", i, r.heads[h])
			}
		}
	}

	info := make(map[string]float64, len(r.heads)+1)
	scale := 1.0 / float64(n)
	var total float64

	for h, head := range r.heads {
		w, b := r.weights[h], r.biases[h]
		var mse float64
		for _, s := range batch.Samples {
			if len(s.Targets[h]) == 0 {
				return 0, nil, fmt.Errorf("head %s: empty target", head)
			}
			diff := r.forward(h, s.Input) - s.Targets[h][0]
			mse += diff * diff * scale

			g := 2 * diff * scale
			for i, x := range s.Input {
				w.Grad[i] += g * x
			}
			b.Grad[0] += g
		}
		info[head+"_loss"] = mse
		total += mse
	}

	if r.l2 > 0 {
		var penalty float64
		for _, w := range r.weights {
			for i, v := range w.Data {
				penalty += r.l2 * v * v
				w.Grad[i] += 2 * r.l2 * v
			}
		}
		info["l2_loss"] = penalty
		total += penalty
	}

	return total, info, nil
}

func finite(values []float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
