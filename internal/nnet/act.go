package nnet

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// ReLU zeroes negative entries. The returned mask replays the gating in
// the backward pass.
func ReLU(x *mat.Dense) (*mat.Dense, *mat.Dense) {
	r, c := x.Dims()
	y := mat.NewDense(r, c, nil)
	mask := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := x.At(i, j); v > 0 {
				y.Set(i, j, v)
				mask.Set(i, j, 1)
			}
		}
	}
	return y, mask
}

// ReLUBackward gates the upstream gradient by the forward mask.
func ReLUBackward(dy, mask *mat.Dense) *mat.Dense {
	var dx mat.Dense
	dx.MulElem(dy, mask)
	return &dx
}

// Dropout applies inverted dropout at train time: kept entries are
// scaled by 1/(1-rate) so the expectation is unchanged. The returned
// mask is nil when dropout is inactive.
func Dropout(rnd *rand.Rand, x *mat.Dense, rate float64, train bool) (*mat.Dense, *mat.Dense) {
	if !train || rate <= 0 {
		return x, nil
	}
	r, c := x.Dims()
	scale := 1.0 / (1.0 - rate)
	mask := mat.NewDense(r, c, nil)
	y := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if rnd.Float64() >= rate {
				mask.Set(i, j, scale)
				y.Set(i, j, x.At(i, j)*scale)
			}
		}
	}
	return y, mask
}

// DropoutBackward replays the dropout mask on the gradient.
func DropoutBackward(dy, mask *mat.Dense) *mat.Dense {
	if mask == nil {
		return dy
	}
	var dx mat.Dense
	dx.MulElem(dy, mask)
	return &dx
}

func sigmoid(v float64) float64 {
	return 1.0 / (1.0 + math.Exp(-v))
}
