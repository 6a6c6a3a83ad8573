package nnet

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// LayerNorm normalizes each row to zero mean and unit variance, then
// applies a trainable gain and shift.
type LayerNorm struct {
	Gain  *Param // 1 x d
	Shift *Param // 1 x d
	Eps   float64
}

// NewLayerNorm creates a layer with gain one and shift zero.
func NewLayerNorm(name string, d int, eps float64) *LayerNorm {
	ln := &LayerNorm{
		Gain:  NewParam(name+"/gain", 1, d, false),
		Shift: NewParam(name+"/shift", 1, d, false),
		Eps:   eps,
	}
	for j := 0; j < d; j++ {
		ln.Gain.W.Set(0, j, 1)
	}
	return ln
}

// Params lists the trainable tensors.
func (ln *LayerNorm) Params() []*Param {
	return []*Param{ln.Gain, ln.Shift}
}

// LayerNormCache keeps the normalized activations and the inverse
// standard deviation per row.
type LayerNormCache struct {
	xhat   *mat.Dense
	invStd []float64
}

// Forward normalizes every row of x.
func (ln *LayerNorm) Forward(x *mat.Dense) (*mat.Dense, *LayerNormCache) {
	r, d := x.Dims()
	y := mat.NewDense(r, d, nil)
	xhat := mat.NewDense(r, d, nil)
	invStd := make([]float64, r)

	for i := 0; i < r; i++ {
		mean := 0.0
		for j := 0; j < d; j++ {
			mean += x.At(i, j)
		}
		mean /= float64(d)

		variance := 0.0
		for j := 0; j < d; j++ {
			diff := x.At(i, j) - mean
			variance += diff * diff
		}
		variance /= float64(d)

		inv := 1.0 / math.Sqrt(variance+ln.Eps)
		invStd[i] = inv
		for j := 0; j < d; j++ {
			h := (x.At(i, j) - mean) * inv
			xhat.Set(i, j, h)
			y.Set(i, j, h*ln.Gain.W.At(0, j)+ln.Shift.W.At(0, j))
		}
	}
	return y, &LayerNormCache{xhat: xhat, invStd: invStd}
}

// Backward accumulates gain and shift gradients and propagates through
// the normalization.
func (ln *LayerNorm) Backward(c *LayerNormCache, dy *mat.Dense) *mat.Dense {
	r, d := dy.Dims()
	dx := mat.NewDense(r, d, nil)
	dg := mat.NewDense(1, d, nil)
	ds := mat.NewDense(1, d, nil)

	for i := 0; i < r; i++ {
		meanDh := 0.0
		meanDhXhat := 0.0
		for j := 0; j < d; j++ {
			dh := dy.At(i, j) * ln.Gain.W.At(0, j)
			h := c.xhat.At(i, j)
			meanDh += dh
			meanDhXhat += dh * h

			dg.Set(0, j, dg.At(0, j)+dy.At(i, j)*h)
			ds.Set(0, j, ds.At(0, j)+dy.At(i, j))
		}
		meanDh /= float64(d)
		meanDhXhat /= float64(d)

		for j := 0; j < d; j++ {
			dh := dy.At(i, j) * ln.Gain.W.At(0, j)
			h := c.xhat.At(i, j)
			dx.Set(i, j, c.invStd[i]*(dh-meanDh-h*meanDhXhat))
		}
	}

	ln.Gain.AddGrad(dg)
	ln.Shift.AddGrad(ds)
	return dx
}
