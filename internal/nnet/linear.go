package nnet

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Linear is a fully connected layer applied row-wise: y = x*W (+ b).
type Linear struct {
	W *Param // in x out
	B *Param // 1 x out, nil for bias-free layers
}

// NewLinear creates a Glorot-initialized dense layer. decay controls
// whether the kernel joins the L2 penalty.
func NewLinear(name string, in, out int, bias, decay bool, rnd *rand.Rand) *Linear {
	l := &Linear{W: NewParam(name+"/kernel", in, out, decay)}
	GlorotUniform(rnd, l.W.W)
	if bias {
		l.B = NewParam(name+"/bias", 1, out, false)
	}
	return l
}

// Params lists the layer's trainable tensors.
func (l *Linear) Params() []*Param {
	if l.B == nil {
		return []*Param{l.W}
	}
	return []*Param{l.W, l.B}
}

// LinearCache holds the forward input needed by Backward.
type LinearCache struct {
	x *mat.Dense
}

// Forward computes y = x*W (+ b) for a matrix of row vectors.
func (l *Linear) Forward(x *mat.Dense) (*mat.Dense, *LinearCache) {
	var y mat.Dense
	y.Mul(x, l.W.W)
	if l.B != nil {
		r, c := y.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				y.Set(i, j, y.At(i, j)+l.B.W.At(0, j))
			}
		}
	}
	return &y, &LinearCache{x: x}
}

// Backward accumulates kernel and bias gradients and returns the
// gradient with respect to the input.
func (l *Linear) Backward(c *LinearCache, dy *mat.Dense) *mat.Dense {
	var dw mat.Dense
	dw.Mul(c.x.T(), dy)
	l.W.AddGrad(&dw)

	if l.B != nil {
		r, cols := dy.Dims()
		db := mat.NewDense(1, cols, nil)
		for j := 0; j < cols; j++ {
			sum := 0.0
			for i := 0; i < r; i++ {
				sum += dy.At(i, j)
			}
			db.Set(0, j, sum)
		}
		l.B.AddGrad(db)
	}

	var dx mat.Dense
	dx.Mul(dy, l.W.W.T())
	return &dx
}
