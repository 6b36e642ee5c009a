package neural

import (
	"fmt"
	"math/rand/v2"

	"github.com/YuminosukeSato/realestate/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Network is a stack of hidden blocks (dense, optional batch norm, PReLU,
// optional dropout) followed by a single-unit dense output.
type Network struct {
	layers []layer
	dense  []*Dense
	norms  []*BatchNorm
	clip   ClipFunc
}

// BuildNetwork constructs the network described by cfg. It checks the
// dropout configuration before creating any layer.
func BuildNetwork(cfg Config, clip ClipFunc, src rand.Source) (*Network, error) {
	if err := cfg.CheckDropout(); err != nil {
		return nil, err
	}
	if len(cfg.Layers) == 0 {
		return nil, errors.NewConfigError("layers", "at least one hidden layer is required", cfg.Layers)
	}
	if clip == nil {
		clip = clipByValue
	}

	n := &Network{clip: clip}
	in := cfg.InputDim
	for i, units := range cfg.Layers {
		prefix := fmt.Sprintf("hidden_%d", i)
		d := newDense(prefix+"/dense", in, units, cfg.LambdaL1, cfg.LambdaL2, cfg.MaxNorm, src)
		n.layers = append(n.layers, d)
		n.dense = append(n.dense, d)
		if cfg.BatchNormalization {
			bn := newBatchNorm(prefix+"/batch_norm", units)
			n.layers = append(n.layers, bn)
			n.norms = append(n.norms, bn)
		}
		n.layers = append(n.layers, newPReLU(prefix+"/prelu", units))
		if cfg.DropoutFractions != nil {
			n.layers = append(n.layers, newDropout(prefix+"/dropout", units, cfg.DropoutFractions[i], src))
		}
		in = units
	}
	out := newDense("output", in, 1, cfg.LambdaL1, cfg.LambdaL2, 0, src)
	n.layers = append(n.layers, out)
	n.dense = append(n.dense, out)
	return n, nil
}

// Forward returns one prediction per row of x.
func (n *Network) Forward(x *mat.Dense, training bool) []float64 {
	h := x
	for _, l := range n.layers {
		h = l.forward(h, training)
	}
	return mat.Col(nil, 0, h)
}

// Backward propagates the gradient of the loss with respect to each
// prediction and leaves parameter gradients in Param.Grad.
func (n *Network) Backward(dOut []float64) {
	g := mat.NewDense(len(dOut), 1, append([]float64(nil), dOut...))
	for i := len(n.layers) - 1; i >= 0; i-- {
		g = n.layers[i].backward(g)
	}
}

// Params returns every trainable parameter in layer order.
func (n *Network) Params() []*Param {
	var ps []*Param
	for _, l := range n.layers {
		ps = append(ps, l.params()...)
	}
	return ps
}

// RegularizationLoss returns the summed kernel penalties.
func (n *Network) RegularizationLoss() float64 {
	var total float64
	for _, d := range n.dense {
		total += d.penalty()
	}
	return total
}

// ApplyConstraints enforces max-norm on every constrained kernel.
func (n *Network) ApplyConstraints() {
	for _, d := range n.dense {
		d.constrain(n.clip)
	}
}

// Replica returns a network sharing parameter values and moving
// statistics with n but owning its activations and gradients.
func (n *Network) Replica(src rand.Source) *Network {
	r := &Network{clip: n.clip}
	for _, l := range n.layers {
		cp := l.replica(src)
		r.layers = append(r.layers, cp)
		switch v := cp.(type) {
		case *Dense:
			r.dense = append(r.dense, v)
		case *BatchNorm:
			r.norms = append(r.norms, v)
		}
	}
	return r
}

// UpdateStatistics folds the batch statistics of the last training forward
// pass of each replica (averaged) into n's moving averages.
func (n *Network) UpdateStatistics(replicas ...*Network) {
	if len(replicas) == 0 {
		replicas = []*Network{n}
	}
	for i, bn := range n.norms {
		mean := make([]float64, bn.units)
		variance := make([]float64, bn.units)
		count := 0
		for _, r := range replicas {
			src := r.norms[i]
			if src.batchMean == nil {
				continue
			}
			for j := range mean {
				mean[j] += src.batchMean[j]
				variance[j] += src.batchVar[j]
			}
			count++
		}
		if count == 0 {
			continue
		}
		for j := range mean {
			mean[j] /= float64(count)
			variance[j] /= float64(count)
		}
		bn.update(mean, variance)
	}
}

// Specs describes the layers for the graph definition.
func (n *Network) Specs() []LayerSpec {
	specs := make([]LayerSpec, len(n.layers))
	for i, l := range n.layers {
		specs[i] = l.spec()
	}
	return specs
}

// networkState is the checkpointed form of a network.
type networkState struct {
	Params map[string][]float64
	Moving map[string]movingStats
}

func (n *Network) state() networkState {
	s := networkState{Params: map[string][]float64{}, Moving: map[string]movingStats{}}
	for _, p := range n.Params() {
		s.Params[p.Name] = append([]float64(nil), p.Value.RawMatrix().Data...)
	}
	for _, bn := range n.norms {
		s.Moving[bn.name] = movingStats{
			Mean: append([]float64(nil), bn.moving.Mean...),
			Var:  append([]float64(nil), bn.moving.Var...),
		}
	}
	return s
}

func (n *Network) restore(s networkState) error {
	for _, p := range n.Params() {
		v, ok := s.Params[p.Name]
		data := p.Value.RawMatrix().Data
		if !ok || len(v) != len(data) {
			return errors.NewModelError("Network.restore", "checkpoint does not match the network",
				errors.Newf("parameter %s", p.Name))
		}
		copy(data, v)
	}
	for _, bn := range n.norms {
		m, ok := s.Moving[bn.name]
		if !ok || len(m.Mean) != bn.units || len(m.Var) != bn.units {
			return errors.NewModelError("Network.restore", "checkpoint does not match the network",
				errors.Newf("moving statistics %s", bn.name))
		}
		copy(bn.moving.Mean, m.Mean)
		copy(bn.moving.Var, m.Var)
	}
	return nil
}
