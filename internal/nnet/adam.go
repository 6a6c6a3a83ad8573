package nnet

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Adam implements the Adam update rule with bias-corrected first and
// second moment estimates, one moment pair per parameter.
type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	step int
	m    map[*Param]*mat.Dense
	v    map[*Param]*mat.Dense
}

// NewAdam returns an optimizer with the standard defaults.
func NewAdam() *Adam {
	return &Adam{
		LR:    0.001,
		Beta1: 0.9,
		Beta2: 0.999,
		Eps:   1e-8,
		m:     make(map[*Param]*mat.Dense),
		v:     make(map[*Param]*mat.Dense),
	}
}

// Step applies one update to every parameter from its accumulated
// gradient. Gradients are not cleared here.
func (a *Adam) Step(params []*Param) {
	a.step++
	c1 := 1 - math.Pow(a.Beta1, float64(a.step))
	c2 := 1 - math.Pow(a.Beta2, float64(a.step))

	for _, p := range params {
		r, c := p.W.Dims()
		m, ok := a.m[p]
		if !ok {
			m = mat.NewDense(r, c, nil)
			a.m[p] = m
			a.v[p] = mat.NewDense(r, c, nil)
		}
		v := a.v[p]

		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				g := p.Grad.At(i, j)
				mij := a.Beta1*m.At(i, j) + (1-a.Beta1)*g
				vij := a.Beta2*v.At(i, j) + (1-a.Beta2)*g*g
				m.Set(i, j, mij)
				v.Set(i, j, vij)

				mhat := mij / c1
				vhat := vij / c2
				p.W.Set(i, j, p.W.At(i, j)-a.LR*mhat/(math.Sqrt(vhat)+a.Eps))
			}
		}
	}
}
