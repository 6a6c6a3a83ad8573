package nnet

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Gate bias borders for the chrono schedule: the left border keeps the
// forget gate near closed, the right border is log of the characteristic
// time, keeping it near open.
const chronoBias0 = -1.0

const cellNormEps = 1e-12

// LSTMCell is a basic LSTM cell in one of two flavours. In chrono mode
// it matches the layer-normalized cell with chrono-initialized gate
// biases: the forget and input biases are not trainable, drawn per unit
// as fixed fractions of the chrono interval and rescaled for every batch
// from its mean sequence length, with the input bias the negation of the
// forget bias. In standard mode it is a plain cell with a constant
// forget bias of 1 and an ordinary trainable gate bias. Recurrent
// dropout applies to the cell input transform and the hidden state; an
// optional dense projection post-processes the output.
type LSTMCell struct {
	Name   string
	Units  int
	Kernel *Param // (in + state) x 4*units
	Bias   *Param // 1 x 4*units, nil when layer norm is on

	NormI *LayerNorm
	NormJ *LayerNorm
	NormF *LayerNorm
	NormO *LayerNorm

	OutProj *Linear // optional output projection

	Chrono    bool
	FgateFrac []float64 // fixed per-unit fractions in [0,1), chrono mode
	Droprate  float64
}

// NewLSTMCell builds a chrono-mode cell with Glorot-initialized kernel.
// outSize adds a dense projection after the hidden state when positive;
// the projected value becomes both the emitted output and the recurrent
// h state.
func NewLSTMCell(name string, in, units int, layerNorm bool, outSize int, droprate float64, rnd *rand.Rand) *LSTMCell {
	cell := &LSTMCell{
		Units:     units,
		Chrono:    true,
		FgateFrac: make([]float64, units),
		Droprate:  droprate,
	}
	for i := range cell.FgateFrac {
		cell.FgateFrac[i] = rnd.Float64()
	}
	cell.build(name, in, layerNorm, outSize, rnd)
	return cell
}

// NewStandardLSTMCell builds a plain cell: constant forget bias 1, no
// layer normalization, no chrono coupling, no dropout.
func NewStandardLSTMCell(name string, in, units int, rnd *rand.Rand) *LSTMCell {
	cell := &LSTMCell{Units: units}
	cell.build(name, in, false, 0, rnd)
	return cell
}

func (cell *LSTMCell) build(name string, in int, layerNorm bool, outSize int, rnd *rand.Rand) {
	cell.Name = name
	if outSize > 0 {
		cell.OutProj = NewLinear(name+"/out_layer", cell.Units, outSize, true, false, rnd)
	}

	stateH := cell.StateSize()
	cell.Kernel = NewParam(name+"/kernel", in+stateH, 4*cell.Units, false)
	GlorotUniform(rnd, cell.Kernel.W)

	if layerNorm {
		cell.NormI = NewLayerNorm(name+"/input", cell.Units, cellNormEps)
		cell.NormJ = NewLayerNorm(name+"/transform", cell.Units, cellNormEps)
		cell.NormF = NewLayerNorm(name+"/forget", cell.Units, cellNormEps)
		cell.NormO = NewLayerNorm(name+"/output", cell.Units, cellNormEps)
	} else {
		cell.Bias = NewParam(name+"/bias", 1, 4*cell.Units, false)
	}
}

// StateSize is the width of the recurrent h state and of the emitted
// outputs.
func (cell *LSTMCell) StateSize() int {
	if cell.OutProj != nil {
		_, out := cell.OutProj.W.W.Dims()
		return out
	}
	return cell.Units
}

// Params lists every trainable tensor of the cell.
func (cell *LSTMCell) Params() []*Param {
	ps := []*Param{cell.Kernel}
	if cell.Bias != nil {
		ps = append(ps, cell.Bias)
	}
	for _, ln := range []*LayerNorm{cell.NormI, cell.NormJ, cell.NormF, cell.NormO} {
		if ln != nil {
			ps = append(ps, ln.Params()...)
		}
	}
	if cell.OutProj != nil {
		ps = append(ps, cell.OutProj.Params()...)
	}
	return ps
}

// ForgetBias rescales the fixed per-unit fractions onto the chrono
// interval for a batch with the given mean sequence length. The
// characteristic time is floored at 2 to keep the logarithm finite.
// Standard cells ignore the batch and return the constant bias 1.
func (cell *LSTMCell) ForgetBias(meanLen float64) []float64 {
	fb := make([]float64, cell.Units)
	if !cell.Chrono {
		for i := range fb {
			fb[i] = 1
		}
		return fb
	}
	ct := meanLen
	if ct < 2 {
		ct = 2
	}
	bias1 := math.Log(ct - 1)
	for i, u := range cell.FgateFrac {
		fb[i] = chronoBias0 + u*(bias1-chronoBias0)
	}
	return fb
}

// LSTMStepCache records one step's intermediates for the backward pass.
type LSTMStepCache struct {
	args  *mat.Dense
	lnI   *LayerNormCache
	lnJ   *LayerNormCache
	lnF   *LayerNormCache
	lnO   *LayerNormCache
	si    []float64
	sf    []float64
	so    []float64
	g     []float64
	gDrop []float64
	gMask *mat.Dense
	cPrev []float64
	tanhC []float64
	hMask *mat.Dense
	proj  *LinearCache
	fbias []float64
}

// Step advances the cell by one timestep. c and h are the previous
// state, fbias the batch forget bias from ForgetBias. The returned h is
// both the emitted output and the next recurrent state.
func (cell *LSTMCell) Step(rnd *rand.Rand, x, c, h, fbias []float64, train bool) ([]float64, []float64, *LSTMStepCache) {
	u := cell.Units
	args := mat.NewDense(1, len(x)+len(h), nil)
	for i, v := range x {
		args.Set(0, i, v)
	}
	for i, v := range h {
		args.Set(0, len(x)+i, v)
	}

	var concat mat.Dense
	concat.Mul(args, cell.Kernel.W)
	if cell.Bias != nil {
		for j := 0; j < 4*u; j++ {
			concat.Set(0, j, concat.At(0, j)+cell.Bias.W.At(0, j))
		}
	}

	gate := func(k int) *mat.Dense {
		g := mat.NewDense(1, u, nil)
		for j := 0; j < u; j++ {
			g.Set(0, j, concat.At(0, k*u+j))
		}
		return g
	}
	gi, gj, gf, gO := gate(0), gate(1), gate(2), gate(3)

	cache := &LSTMStepCache{args: args, cPrev: append([]float64(nil), c...), fbias: fbias}
	if cell.NormI != nil {
		gi, cache.lnI = cell.NormI.Forward(gi)
		gj, cache.lnJ = cell.NormJ.Forward(gj)
		gf, cache.lnF = cell.NormF.Forward(gf)
		gO, cache.lnO = cell.NormO.Forward(gO)
	}

	cache.g = make([]float64, u)
	for j := 0; j < u; j++ {
		cache.g[j] = math.Tanh(gj.At(0, j))
	}
	gMat := mat.NewDense(1, u, cache.g)
	gDropped, gMask := Dropout(rnd, gMat, cell.Droprate, train)
	cache.gMask = gMask
	cache.gDrop = make([]float64, u)
	for j := 0; j < u; j++ {
		cache.gDrop[j] = gDropped.At(0, j)
	}

	cache.si = make([]float64, u)
	cache.sf = make([]float64, u)
	cache.so = make([]float64, u)
	newC := make([]float64, u)
	cache.tanhC = make([]float64, u)
	newH := make([]float64, u)
	for j := 0; j < u; j++ {
		cache.sf[j] = sigmoid(gf.At(0, j) + fbias[j])
		ib := 0.0
		if cell.Chrono {
			ib = -fbias[j]
		}
		cache.si[j] = sigmoid(gi.At(0, j) + ib)
		cache.so[j] = sigmoid(gO.At(0, j))
		newC[j] = c[j]*cache.sf[j] + cache.gDrop[j]*cache.si[j]
		cache.tanhC[j] = math.Tanh(newC[j])
		newH[j] = cache.tanhC[j] * cache.so[j]
	}

	hMat := mat.NewDense(1, u, newH)
	hDropped, hMask := Dropout(rnd, hMat, cell.Droprate, train)
	cache.hMask = hMask

	if cell.OutProj != nil {
		projected, pc := cell.OutProj.Forward(hDropped)
		cache.proj = pc
		out := make([]float64, cell.StateSize())
		for j := range out {
			out[j] = projected.At(0, j)
		}
		return newC, out, cache
	}

	out := make([]float64, u)
	for j := 0; j < u; j++ {
		out[j] = hDropped.At(0, j)
	}
	return newC, out, cache
}

// StepBackward propagates dh (gradient on the emitted output plus the
// recurrent h path) and dcNext through one step, accumulating parameter
// gradients. It returns gradients for the step input and previous state.
func (cell *LSTMCell) StepBackward(cache *LSTMStepCache, dh, dcNext []float64) (dx, dcPrev, dhPrev []float64) {
	u := cell.Units

	dhMat := mat.NewDense(1, len(dh), append([]float64(nil), dh...))
	if cell.OutProj != nil {
		dhMat = cell.OutProj.Backward(cache.proj, dhMat)
	}
	dhMat = DropoutBackward(dhMat, cache.hMask)

	dPost := func() *mat.Dense { return mat.NewDense(1, u, nil) }
	dI, dJ, dF, dO := dPost(), dPost(), dPost(), dPost()
	dcPrev = make([]float64, u)

	for j := 0; j < u; j++ {
		dhj := dhMat.At(0, j)
		so, tc := cache.so[j], cache.tanhC[j]

		dO.Set(0, j, dhj*tc*so*(1-so))
		dc := dhj*so*(1-tc*tc) + dcNext[j]

		sf, si := cache.sf[j], cache.si[j]
		dcPrev[j] = dc * sf
		dF.Set(0, j, dc*cache.cPrev[j]*sf*(1-sf))
		dI.Set(0, j, dc*cache.gDrop[j]*si*(1-si))

		dgDrop := dc * si
		dg := dgDrop
		if cache.gMask != nil {
			dg *= cache.gMask.At(0, j)
		}
		dJ.Set(0, j, dg*(1-cache.g[j]*cache.g[j]))
	}

	if cell.NormI != nil {
		dI = cell.NormI.Backward(cache.lnI, dI)
		dJ = cell.NormJ.Backward(cache.lnJ, dJ)
		dF = cell.NormF.Backward(cache.lnF, dF)
		dO = cell.NormO.Backward(cache.lnO, dO)
	}

	dConcat := mat.NewDense(1, 4*u, nil)
	for j := 0; j < u; j++ {
		dConcat.Set(0, j, dI.At(0, j))
		dConcat.Set(0, u+j, dJ.At(0, j))
		dConcat.Set(0, 2*u+j, dF.At(0, j))
		dConcat.Set(0, 3*u+j, dO.At(0, j))
	}
	if cell.Bias != nil {
		cell.Bias.AddGrad(dConcat)
	}

	var dKernel mat.Dense
	dKernel.Mul(cache.args.T(), dConcat)
	cell.Kernel.AddGrad(&dKernel)

	var dArgs mat.Dense
	dArgs.Mul(dConcat, cell.Kernel.W.T())

	_, total := cache.args.Dims()
	stateH := cell.StateSize()
	in := total - stateH
	dx = make([]float64, in)
	dhPrev = make([]float64, stateH)
	for j := 0; j < in; j++ {
		dx[j] = dArgs.At(0, j)
	}
	for j := 0; j < stateH; j++ {
		dhPrev[j] = dArgs.At(0, in+j)
	}
	return dx, dcPrev, dhPrev
}

// LSTMRunCache stores the per-step caches of one sequence pass.
type LSTMRunCache struct {
	steps  []*LSTMStepCache
	length int
	inDim  int
}

// RunSequence unrolls the cell over the first length rows of x starting
// from a zero state. Rows at and beyond length come out zero, matching
// the behaviour of a dynamic unroll with explicit sequence lengths.
func (cell *LSTMCell) RunSequence(rnd *rand.Rand, x *mat.Dense, length int, fbias []float64, train bool) (*mat.Dense, *LSTMRunCache) {
	rows, inDim := x.Dims()
	outDim := cell.StateSize()
	outputs := mat.NewDense(rows, outDim, nil)
	run := &LSTMRunCache{length: length, inDim: inDim}

	c := make([]float64, cell.Units)
	h := make([]float64, outDim)
	for t := 0; t < length && t < rows; t++ {
		xt := make([]float64, inDim)
		mat.Row(xt, t, x)
		var cache *LSTMStepCache
		c, h, cache = cell.Step(rnd, xt, c, h, fbias, train)
		run.steps = append(run.steps, cache)
		outputs.SetRow(t, h)
	}
	return outputs, run
}

// RunSequenceBackward walks the unrolled steps in reverse, accumulating
// parameter gradients and returning the gradient on the input sequence.
func (cell *LSTMCell) RunSequenceBackward(run *LSTMRunCache, dOut *mat.Dense) *mat.Dense {
	rows, _ := dOut.Dims()
	dX := mat.NewDense(rows, run.inDim, nil)

	outDim := cell.StateSize()
	dhNext := make([]float64, outDim)
	dcNext := make([]float64, cell.Units)
	for t := len(run.steps) - 1; t >= 0; t-- {
		dh := make([]float64, outDim)
		mat.Row(dh, t, dOut)
		for j := range dh {
			dh[j] += dhNext[j]
		}
		dx, dcPrev, dhPrev := cell.StepBackward(run.steps[t], dh, dcNext)
		dX.SetRow(t, dx)
		dcNext = dcPrev
		dhNext = dhPrev
	}
	return dX
}
