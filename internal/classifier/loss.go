package classifier

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// lossParams fixes the margin-loss shape for a training run.
type lossParams struct {
	cosine       bool
	muPos        float64
	muNeg        float64
	cEmb         float64
	useMaxSimNeg bool
}

// marginLoss scores one example against its candidate embeddings,
// cands[0] being the true intent and the rest sampled negatives. It
// returns the example loss together with gradients for the message
// embedding and every candidate embedding.
//
// The loss pulls the true similarity above muPos, pushes the hardest
// negative similarity (or, without useMaxSimNeg, every negative
// similarity) below -muNeg, and keeps the true intent embedding apart
// from the negatives' embeddings. In cosine mode all similarities are
// taken between unit vectors and gradients flow back through the
// normalization.
func marginLoss(a *mat.Dense, cands []*mat.Dense, p lossParams) (float64, *mat.Dense, []*mat.Dense) {
	_, dim := a.Dims()

	an := a
	cn := cands
	var aNorm float64
	var cNorms []float64
	if p.cosine {
		an, aNorm = normalized(a)
		cn = make([]*mat.Dense, len(cands))
		cNorms = make([]float64, len(cands))
		for k, c := range cands {
			cn[k], cNorms[k] = normalized(c)
		}
	}

	sims := make([]float64, len(cn))
	for k := range cn {
		sims[k] = floats.Dot(an.RawRowView(0), cn[k].RawRowView(0))
	}

	var loss float64
	dSims := make([]float64, len(sims))

	if d := p.muPos - sims[0]; d > 0 {
		loss += d
		dSims[0] -= 1
	}
	if len(sims) > 1 {
		if p.useMaxSimNeg {
			kMax := 1
			for k := 2; k < len(sims); k++ {
				if sims[k] > sims[kMax] {
					kMax = k
				}
			}
			if d := p.muNeg + sims[kMax]; d > 0 {
				loss += d
				dSims[kMax]++
			}
		} else {
			for k := 1; k < len(sims); k++ {
				if d := p.muNeg + sims[k]; d > 0 {
					loss += d
					dSims[k]++
				}
			}
		}
	}

	dAn := mat.NewDense(1, dim, nil)
	dCn := make([]*mat.Dense, len(cn))
	for k := range cn {
		dCn[k] = mat.NewDense(1, dim, nil)
	}
	for k, g := range dSims {
		if g == 0 {
			continue
		}
		addScaled(dAn, g, cn[k])
		addScaled(dCn[k], g, an)
	}

	if len(cn) > 1 {
		jMax := 1
		simEmb := floats.Dot(cn[0].RawRowView(0), cn[1].RawRowView(0))
		for j := 2; j < len(cn); j++ {
			if s := floats.Dot(cn[0].RawRowView(0), cn[j].RawRowView(0)); s > simEmb {
				simEmb, jMax = s, j
			}
		}
		if simEmb > 0 {
			loss += p.cEmb * simEmb
			addScaled(dCn[0], p.cEmb, cn[jMax])
			addScaled(dCn[jMax], p.cEmb, cn[0])
		}
	}

	if !p.cosine {
		return loss, dAn, dCn
	}

	dA := normBackward(an, aNorm, dAn)
	dCands := make([]*mat.Dense, len(cands))
	for k := range cands {
		dCands[k] = normBackward(cn[k], cNorms[k], dCn[k])
	}
	return loss, dA, dCands
}

// normalized returns v scaled to unit length and the original norm. A
// zero vector stays zero.
func normalized(v *mat.Dense) (*mat.Dense, float64) {
	row := v.RawRowView(0)
	n := floats.Norm(row, 2)
	out := mat.NewDense(1, len(row), nil)
	if n > 0 {
		for i, x := range row {
			out.Set(0, i, x/n)
		}
	}
	return out, n
}

// normBackward maps a gradient taken with respect to the unit vector xn
// back onto the raw vector it was normalized from.
func normBackward(xn *mat.Dense, norm float64, dxn *mat.Dense) *mat.Dense {
	_, dim := xn.Dims()
	out := mat.NewDense(1, dim, nil)
	if norm == 0 {
		return out
	}
	proj := floats.Dot(dxn.RawRowView(0), xn.RawRowView(0))
	for i := 0; i < dim; i++ {
		out.Set(0, i, (dxn.At(0, i)-proj*xn.At(0, i))/norm)
	}
	return out
}

func addScaled(dst *mat.Dense, s float64, v *mat.Dense) {
	_, dim := dst.Dims()
	for i := 0; i < dim; i++ {
		dst.Set(0, i, dst.At(0, i)+s*v.At(0, i))
	}
}
