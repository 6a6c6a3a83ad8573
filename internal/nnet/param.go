// Package nnet provides the trainable building blocks of the embedding
// model: dense layers, layer normalization, a layer-normalized LSTM cell
// with chrono-initialized gate biases, multi-head self attention and the
// Adam optimizer.
//
// Layers keep no per-call state. Every Forward returns a cache holding
// the intermediates its Backward needs, so the same layer instance can
// be applied to many examples of a batch before a single optimizer step.
// Gradients accumulate into the layer parameters until ZeroGrads.
package nnet

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Param is one trainable tensor with its accumulated gradient. Decay
// marks kernels that take part in L2 regularization; biases, gains and
// recurrent kernels keep it off.
type Param struct {
	Name  string
	W     *mat.Dense
	Grad  *mat.Dense
	Decay bool
}

// NewParam allocates a zero-initialized parameter.
func NewParam(name string, r, c int, decay bool) *Param {
	return &Param{
		Name:  name,
		W:     mat.NewDense(r, c, nil),
		Grad:  mat.NewDense(r, c, nil),
		Decay: decay,
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	p.Grad.Zero()
}

// AddGrad accumulates g into the parameter gradient.
func (p *Param) AddGrad(g mat.Matrix) {
	p.Grad.Add(p.Grad, g)
}

// ParamSet is an ordered collection of parameters, usually everything a
// model owns.
type ParamSet struct {
	params []*Param
}

// Add appends parameters to the set. Nil entries are skipped so layers
// with optional pieces can register unconditionally.
func (s *ParamSet) Add(ps ...*Param) {
	for _, p := range ps {
		if p != nil {
			s.params = append(s.params, p)
		}
	}
}

// All returns the parameters in registration order.
func (s *ParamSet) All() []*Param {
	return s.params
}

// ZeroGrads clears every accumulated gradient before the next batch.
func (s *ParamSet) ZeroGrads() {
	for _, p := range s.params {
		p.ZeroGrad()
	}
}

// L2Penalty is the regularization term 0.5*c2*sum(w^2) over the decaying
// parameters.
func (s *ParamSet) L2Penalty(c2 float64) float64 {
	if c2 == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range s.params {
		if !p.Decay {
			continue
		}
		r, c := p.W.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				v := p.W.At(i, j)
				sum += v * v
			}
		}
	}
	return 0.5 * c2 * sum
}

// AddL2Grads adds the regularization gradient c2*w to every decaying
// parameter.
func (s *ParamSet) AddL2Grads(c2 float64) {
	if c2 == 0 {
		return
	}
	for _, p := range s.params {
		if !p.Decay {
			continue
		}
		var g mat.Dense
		g.Scale(c2, p.W)
		p.AddGrad(&g)
	}
}

// GlorotUniform fills w with samples from U(-l, l), l=sqrt(6/(in+out)).
func GlorotUniform(rnd *rand.Rand, w *mat.Dense) {
	r, c := w.Dims()
	limit := math.Sqrt(6.0 / float64(r+c))
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			w.Set(i, j, (2*rnd.Float64()-1)*limit)
		}
	}
}

// RandomNormal fills w with N(0, std^2) samples.
func RandomNormal(rnd *rand.Rand, w *mat.Dense, std float64) {
	r, c := w.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			w.Set(i, j, rnd.NormFloat64()*std)
		}
	}
}
