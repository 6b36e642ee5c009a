package neural

import (
	"math"
	"strings"

	"github.com/YuminosukeSato/realestate/pkg/errors"
)

// Adam constants.
const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
)

// gradientClip bounds every gradient element for sgd.
const gradientClip = 1.0

// Optimizer updates parameters from their gradients.
type Optimizer interface {
	// Name returns "sgd" or "adam".
	Name() string
	// Apply performs one update. step is the global step before the update.
	Apply(params []*Param, step int64)
	// LearningRate returns the effective learning rate at step.
	LearningRate(step int64) float64

	slots() map[string][]float64
	restoreSlots(map[string][]float64)
}

// NewOptimizer returns the optimizer named by cfg. clip is used for sgd
// gradient clipping.
func NewOptimizer(cfg Config, clip ClipFunc) (Optimizer, error) {
	switch cfg.Optimizer {
	case OptimizerSGD:
		return &MomentumSGD{
			rate:     cfg.LearningRate,
			decay:    cfg.LearningRateDecay,
			momentum: cfg.Momentum,
			clip:     clip,
			accum:    map[string][]float64{},
		}, nil
	case OptimizerAdam:
		return &Adam{rate: cfg.LearningRate, m: map[string][]float64{}, v: map[string][]float64{}}, nil
	default:
		return nil, errors.NewConfigError("optimiser", "must be one of sgd, adam", cfg.Optimizer)
	}
}

// MomentumSGD is Nesterov momentum with inverse-time learning rate decay and
// element-wise gradient clipping to [-1, 1].
type MomentumSGD struct {
	rate, decay, momentum float64
	clip                  ClipFunc
	accum                 map[string][]float64
}

// Name implements Optimizer.
func (o *MomentumSGD) Name() string { return OptimizerSGD }

// LearningRate implements Optimizer: rate / (1 + decay*step).
func (o *MomentumSGD) LearningRate(step int64) float64 {
	return o.rate / (1 + o.decay*float64(step))
}

// Apply implements Optimizer.
func (o *MomentumSGD) Apply(params []*Param, step int64) {
	lr := o.LearningRate(step)
	for _, p := range params {
		w := p.Value.RawMatrix().Data
		g := p.Grad.RawMatrix().Data
		acc := slot(o.accum, p.Name, len(w))
		for i := range w {
			grad := o.clip(g[i], -gradientClip, gradientClip)
			acc[i] = o.momentum*acc[i] + grad
			w[i] -= lr * (grad + o.momentum*acc[i])
		}
	}
}

func (o *MomentumSGD) slots() map[string][]float64 { return copySlots(o.accum, "accum/") }

func (o *MomentumSGD) restoreSlots(s map[string][]float64) {
	o.accum = pickSlots(s, "accum/")
}

// Adam is the bias-corrected adaptive moment optimizer without clipping.
type Adam struct {
	rate float64
	m, v map[string][]float64
}

// Name implements Optimizer.
func (o *Adam) Name() string { return OptimizerAdam }

// LearningRate implements Optimizer. It returns the bias-corrected step size.
func (o *Adam) LearningRate(step int64) float64 {
	t := float64(step + 1)
	return o.rate * math.Sqrt(1-math.Pow(adamBeta2, t)) / (1 - math.Pow(adamBeta1, t))
}

// Apply implements Optimizer.
func (o *Adam) Apply(params []*Param, step int64) {
	lr := o.LearningRate(step)
	for _, p := range params {
		w := p.Value.RawMatrix().Data
		g := p.Grad.RawMatrix().Data
		m := slot(o.m, p.Name, len(w))
		v := slot(o.v, p.Name, len(w))
		for i := range w {
			m[i] = adamBeta1*m[i] + (1-adamBeta1)*g[i]
			v[i] = adamBeta2*v[i] + (1-adamBeta2)*g[i]*g[i]
			w[i] -= lr * m[i] / (math.Sqrt(v[i]) + adamEpsilon)
		}
	}
}

func (o *Adam) slots() map[string][]float64 {
	s := copySlots(o.m, "m/")
	for k, v := range copySlots(o.v, "v/") {
		s[k] = v
	}
	return s
}

func (o *Adam) restoreSlots(s map[string][]float64) {
	o.m = pickSlots(s, "m/")
	o.v = pickSlots(s, "v/")
}

func slot(slots map[string][]float64, name string, n int) []float64 {
	s, ok := slots[name]
	if !ok || len(s) != n {
		s = make([]float64, n)
		slots[name] = s
	}
	return s
}

func copySlots(src map[string][]float64, prefix string) map[string][]float64 {
	out := make(map[string][]float64, len(src))
	for k, v := range src {
		out[prefix+k] = append([]float64(nil), v...)
	}
	return out
}

func pickSlots(src map[string][]float64, prefix string) map[string][]float64 {
	out := map[string][]float64{}
	for k, v := range src {
		if name, ok := strings.CutPrefix(k, prefix); ok {
			out[name] = append([]float64(nil), v...)
		}
	}
	return out
}
