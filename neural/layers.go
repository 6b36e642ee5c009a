package neural

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Initializer bounds and batch normalization constants.
const (
	kernelInitLimit = 0.05
	bnMomentum      = 0.99
	bnEpsilon       = 1e-3
	maxNormEpsilon  = 1e-7
)

// Param is a trainable tensor. Replicas share Value and own Grad.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

func newParam(name string, r, c int, data []float64) *Param {
	return &Param{Name: name, Value: mat.NewDense(r, c, data), Grad: mat.NewDense(r, c, nil)}
}

func (p *Param) share() *Param {
	r, c := p.Value.Dims()
	return &Param{Name: p.Name, Value: p.Value, Grad: mat.NewDense(r, c, nil)}
}

// LayerSpec describes one layer in the graph definition.
type LayerSpec struct {
	Kind  string  `json:"kind"`
	Name  string  `json:"name"`
	In    int     `json:"in"`
	Out   int     `json:"out"`
	Rate  float64 `json:"rate,omitempty"`
	Extra string  `json:"extra,omitempty"`
}

type layer interface {
	forward(x *mat.Dense, training bool) *mat.Dense
	backward(dy *mat.Dense) *mat.Dense
	params() []*Param
	replica(src rand.Source) layer
	spec() LayerSpec
}

// Dense is a fully connected layer with an L1/L2 kernel penalty and an
// optional max-norm kernel constraint.
type Dense struct {
	name    string
	in, out int
	kernel  *Param
	bias    *Param
	l1, l2  float64
	maxNorm float64

	x *mat.Dense
}

func newDense(name string, in, out int, l1, l2, maxNorm float64, src rand.Source) *Dense {
	init := distuv.Uniform{Min: -kernelInitLimit, Max: kernelInitLimit, Src: src}
	w := make([]float64, in*out)
	for i := range w {
		w[i] = init.Rand()
	}
	return &Dense{
		name:    name,
		in:      in,
		out:     out,
		kernel:  newParam(name+"/kernel", in, out, w),
		bias:    newParam(name+"/bias", 1, out, nil),
		l1:      l1,
		l2:      l2,
		maxNorm: maxNorm,
	}
}

func (d *Dense) forward(x *mat.Dense, _ bool) *mat.Dense {
	d.x = x
	rows, _ := x.Dims()
	y := mat.NewDense(rows, d.out, nil)
	y.Mul(x, d.kernel.Value)
	bias := d.bias.Value.RawRowView(0)
	for i := 0; i < rows; i++ {
		row := y.RawRowView(i)
		for j := range row {
			row[j] += bias[j]
		}
	}
	return y
}

func (d *Dense) backward(dy *mat.Dense) *mat.Dense {
	d.kernel.Grad.Mul(d.x.T(), dy)
	rows, _ := dy.Dims()
	db := d.bias.Grad.RawRowView(0)
	for j := range db {
		db[j] = 0
	}
	for i := 0; i < rows; i++ {
		for j, v := range dy.RawRowView(i) {
			db[j] += v
		}
	}
	if d.l1 != 0 || d.l2 != 0 {
		w := d.kernel.Value.RawMatrix().Data
		g := d.kernel.Grad.RawMatrix().Data
		for i, v := range w {
			g[i] += d.l1*sign(v) + d.l2*v
		}
	}

	dx := mat.NewDense(rows, d.in, nil)
	dx.Mul(dy, d.kernel.Value.T())
	return dx
}

// penalty returns l1*sum|w| + l2*sum w^2/2 over the kernel.
func (d *Dense) penalty() float64 {
	if d.l1 == 0 && d.l2 == 0 {
		return 0
	}
	var abs, sq float64
	for _, v := range d.kernel.Value.RawMatrix().Data {
		abs += math.Abs(v)
		sq += v * v
	}
	return d.l1*abs + d.l2*sq/2
}

// constrain rescales each output unit's incoming weights to norm <= maxNorm.
func (d *Dense) constrain(clip ClipFunc) {
	if d.maxNorm <= 0 {
		return
	}
	w := d.kernel.Value
	for j := 0; j < d.out; j++ {
		var sq float64
		for i := 0; i < d.in; i++ {
			v := w.At(i, j)
			sq += v * v
		}
		norm := math.Sqrt(sq)
		scale := clip(norm, 0, d.maxNorm) / (maxNormEpsilon + norm)
		for i := 0; i < d.in; i++ {
			w.Set(i, j, w.At(i, j)*scale)
		}
	}
}

func (d *Dense) params() []*Param { return []*Param{d.kernel, d.bias} }

func (d *Dense) replica(rand.Source) layer {
	cp := *d
	cp.kernel = d.kernel.share()
	cp.bias = d.bias.share()
	cp.x = nil
	return &cp
}

func (d *Dense) spec() LayerSpec {
	s := LayerSpec{Kind: "dense", Name: d.name, In: d.in, Out: d.out}
	if d.maxNorm > 0 {
		s.Extra = fmt.Sprintf("max_norm=%g", d.maxNorm)
	}
	return s
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// movingStats are the inference statistics of a batch normalization layer,
// shared by all replicas.
type movingStats struct {
	Mean []float64
	Var  []float64
}

// BatchNorm normalizes each unit with batch statistics while training and
// with moving averages otherwise.
type BatchNorm struct {
	name   string
	units  int
	gamma  *Param
	beta   *Param
	moving *movingStats

	xhat      *mat.Dense
	invStd    []float64
	batchMean []float64
	batchVar  []float64
}

func newBatchNorm(name string, units int) *BatchNorm {
	ones := make([]float64, units)
	variance := make([]float64, units)
	for i := range ones {
		ones[i] = 1
		variance[i] = 1
	}
	return &BatchNorm{
		name:   name,
		units:  units,
		gamma:  newParam(name+"/gamma", 1, units, ones),
		beta:   newParam(name+"/beta", 1, units, nil),
		moving: &movingStats{Mean: make([]float64, units), Var: variance},
	}
}

func (b *BatchNorm) forward(x *mat.Dense, training bool) *mat.Dense {
	rows, _ := x.Dims()
	gamma := b.gamma.Value.RawRowView(0)
	beta := b.beta.Value.RawRowView(0)

	mean, variance := b.moving.Mean, b.moving.Var
	if training {
		mean = make([]float64, b.units)
		variance = make([]float64, b.units)
		for i := 0; i < rows; i++ {
			for j, v := range x.RawRowView(i) {
				mean[j] += v
			}
		}
		for j := range mean {
			mean[j] /= float64(rows)
		}
		for i := 0; i < rows; i++ {
			for j, v := range x.RawRowView(i) {
				d := v - mean[j]
				variance[j] += d * d
			}
		}
		for j := range variance {
			variance[j] /= float64(rows)
		}
		b.batchMean, b.batchVar = mean, variance
	}

	b.invStd = make([]float64, b.units)
	for j := range b.invStd {
		b.invStd[j] = 1 / math.Sqrt(variance[j]+bnEpsilon)
	}
	b.xhat = mat.NewDense(rows, b.units, nil)
	y := mat.NewDense(rows, b.units, nil)
	for i := 0; i < rows; i++ {
		in, xh, out := x.RawRowView(i), b.xhat.RawRowView(i), y.RawRowView(i)
		for j := range in {
			xh[j] = (in[j] - mean[j]) * b.invStd[j]
			out[j] = gamma[j]*xh[j] + beta[j]
		}
	}
	return y
}

func (b *BatchNorm) backward(dy *mat.Dense) *mat.Dense {
	rows, _ := dy.Dims()
	n := float64(rows)
	gamma := b.gamma.Value.RawRowView(0)
	dGamma := b.gamma.Grad.RawRowView(0)
	dBeta := b.beta.Grad.RawRowView(0)
	sumDxhat := make([]float64, b.units)
	sumDxhatXhat := make([]float64, b.units)
	for j := range dGamma {
		dGamma[j], dBeta[j] = 0, 0
	}
	for i := 0; i < rows; i++ {
		g, xh := dy.RawRowView(i), b.xhat.RawRowView(i)
		for j := range g {
			dBeta[j] += g[j]
			dGamma[j] += g[j] * xh[j]
			dxh := g[j] * gamma[j]
			sumDxhat[j] += dxh
			sumDxhatXhat[j] += dxh * xh[j]
		}
	}

	dx := mat.NewDense(rows, b.units, nil)
	for i := 0; i < rows; i++ {
		g, xh, out := dy.RawRowView(i), b.xhat.RawRowView(i), dx.RawRowView(i)
		for j := range g {
			dxh := g[j] * gamma[j]
			out[j] = b.invStd[j] / n * (n*dxh - sumDxhat[j] - xh[j]*sumDxhatXhat[j])
		}
	}
	return dx
}

// update folds batch statistics into the moving averages.
func (b *BatchNorm) update(mean, variance []float64) {
	for j := range b.moving.Mean {
		b.moving.Mean[j] = b.moving.Mean[j]*bnMomentum + mean[j]*(1-bnMomentum)
		b.moving.Var[j] = b.moving.Var[j]*bnMomentum + variance[j]*(1-bnMomentum)
	}
}

func (b *BatchNorm) params() []*Param { return []*Param{b.gamma, b.beta} }

func (b *BatchNorm) replica(rand.Source) layer {
	return &BatchNorm{
		name:   b.name,
		units:  b.units,
		gamma:  b.gamma.share(),
		beta:   b.beta.share(),
		moving: b.moving,
	}
}

func (b *BatchNorm) spec() LayerSpec {
	return LayerSpec{Kind: "batch_norm", Name: b.name, In: b.units, Out: b.units}
}

// PReLU is a rectifier with a learned slope per unit for negative inputs.
type PReLU struct {
	name  string
	units int
	alpha *Param

	x *mat.Dense
}

func newPReLU(name string, units int) *PReLU {
	return &PReLU{name: name, units: units, alpha: newParam(name+"/alpha", 1, units, nil)}
}

func (p *PReLU) forward(x *mat.Dense, _ bool) *mat.Dense {
	p.x = x
	rows, _ := x.Dims()
	alpha := p.alpha.Value.RawRowView(0)
	y := mat.NewDense(rows, p.units, nil)
	for i := 0; i < rows; i++ {
		in, out := x.RawRowView(i), y.RawRowView(i)
		for j, v := range in {
			if v > 0 {
				out[j] = v
			} else {
				out[j] = alpha[j] * v
			}
		}
	}
	return y
}

func (p *PReLU) backward(dy *mat.Dense) *mat.Dense {
	rows, _ := dy.Dims()
	alpha := p.alpha.Value.RawRowView(0)
	dAlpha := p.alpha.Grad.RawRowView(0)
	for j := range dAlpha {
		dAlpha[j] = 0
	}
	dx := mat.NewDense(rows, p.units, nil)
	for i := 0; i < rows; i++ {
		in, g, out := p.x.RawRowView(i), dy.RawRowView(i), dx.RawRowView(i)
		for j, v := range in {
			if v > 0 {
				out[j] = g[j]
			} else {
				out[j] = alpha[j] * g[j]
				dAlpha[j] += g[j] * v
			}
		}
	}
	return dx
}

func (p *PReLU) params() []*Param { return []*Param{p.alpha} }

func (p *PReLU) replica(rand.Source) layer {
	return &PReLU{name: p.name, units: p.units, alpha: p.alpha.share()}
}

func (p *PReLU) spec() LayerSpec {
	return LayerSpec{Kind: "prelu", Name: p.name, In: p.units, Out: p.units}
}

// Dropout zeroes a fraction of units while training and scales the rest
// by 1/(1-rate). It is the identity otherwise.
type Dropout struct {
	name  string
	units int
	rate  float64
	keep  distuv.Bernoulli

	mask *mat.Dense
}

func newDropout(name string, units int, rate float64, src rand.Source) *Dropout {
	return &Dropout{
		name:  name,
		units: units,
		rate:  rate,
		keep:  distuv.Bernoulli{P: 1 - rate, Src: src},
	}
}

func (d *Dropout) forward(x *mat.Dense, training bool) *mat.Dense {
	if !training || d.rate == 0 {
		d.mask = nil
		return x
	}
	rows, _ := x.Dims()
	scale := 1 / (1 - d.rate)
	d.mask = mat.NewDense(rows, d.units, nil)
	y := mat.NewDense(rows, d.units, nil)
	for i := 0; i < rows; i++ {
		in, m, out := x.RawRowView(i), d.mask.RawRowView(i), y.RawRowView(i)
		for j := range in {
			m[j] = d.keep.Rand() * scale
			out[j] = in[j] * m[j]
		}
	}
	return y
}

func (d *Dropout) backward(dy *mat.Dense) *mat.Dense {
	if d.mask == nil {
		return dy
	}
	dx := mat.NewDense(dy.RawMatrix().Rows, d.units, nil)
	dx.MulElem(dy, d.mask)
	return dx
}

func (d *Dropout) params() []*Param { return nil }

func (d *Dropout) replica(src rand.Source) layer {
	return newDropout(d.name, d.units, d.rate, src)
}

func (d *Dropout) spec() LayerSpec {
	return LayerSpec{Kind: "dropout", Name: d.name, In: d.units, Out: d.units, Rate: d.rate}
}
