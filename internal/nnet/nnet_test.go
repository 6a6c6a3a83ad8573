package nnet

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// numericGrad estimates d(loss)/d(w[i,j]) with central differences.
func numericGrad(loss func() float64, w *mat.Dense, i, j int) float64 {
	const eps = 1e-6
	orig := w.At(i, j)
	w.Set(i, j, orig+eps)
	plus := loss()
	w.Set(i, j, orig-eps)
	minus := loss()
	w.Set(i, j, orig)
	return (plus - minus) / (2 * eps)
}

func randomDense(rnd *rand.Rand, r, c int) *mat.Dense {
	m := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, rnd.NormFloat64())
		}
	}
	return m
}

func weighted(y, r *mat.Dense) float64 {
	var prod mat.Dense
	prod.MulElem(y, r)
	return mat.Sum(&prod)
}

func TestLinearGradients(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	l := NewLinear("lin", 4, 3, true, true, rnd)
	x := randomDense(rnd, 5, 4)
	r := randomDense(rnd, 5, 3)

	loss := func() float64 {
		y, _ := l.Forward(x)
		return weighted(y, r)
	}

	_, cache := l.Forward(x)
	dx := l.Backward(cache, r)

	for _, idx := range [][2]int{{0, 0}, {1, 2}, {3, 1}} {
		want := numericGrad(loss, l.W.W, idx[0], idx[1])
		got := l.W.Grad.At(idx[0], idx[1])
		if math.Abs(got-want) > 1e-5 {
			t.Errorf("dW[%d,%d] = %v, want %v", idx[0], idx[1], got, want)
		}
	}
	for j := 0; j < 3; j++ {
		want := numericGrad(loss, l.B.W, 0, j)
		if got := l.B.Grad.At(0, j); math.Abs(got-want) > 1e-5 {
			t.Errorf("dB[%d] = %v, want %v", j, got, want)
		}
	}
	for _, idx := range [][2]int{{0, 0}, {4, 3}} {
		want := numericGrad(loss, x, idx[0], idx[1])
		if got := dx.At(idx[0], idx[1]); math.Abs(got-want) > 1e-5 {
			t.Errorf("dx[%d,%d] = %v, want %v", idx[0], idx[1], got, want)
		}
	}
}

func TestLayerNormGradients(t *testing.T) {
	rnd := rand.New(rand.NewSource(2))
	ln := NewLayerNorm("ln", 6, 1e-6)
	// move gain and shift off their init so their effect is visible
	RandomNormal(rnd, ln.Gain.W, 0.5)
	RandomNormal(rnd, ln.Shift.W, 0.5)
	x := randomDense(rnd, 3, 6)
	r := randomDense(rnd, 3, 6)

	loss := func() float64 {
		y, _ := ln.Forward(x)
		return weighted(y, r)
	}

	_, cache := ln.Forward(x)
	dx := ln.Backward(cache, r)

	for j := 0; j < 6; j++ {
		wantG := numericGrad(loss, ln.Gain.W, 0, j)
		if got := ln.Gain.Grad.At(0, j); math.Abs(got-wantG) > 1e-5 {
			t.Errorf("dGain[%d] = %v, want %v", j, got, wantG)
		}
		wantS := numericGrad(loss, ln.Shift.W, 0, j)
		if got := ln.Shift.Grad.At(0, j); math.Abs(got-wantS) > 1e-5 {
			t.Errorf("dShift[%d] = %v, want %v", j, got, wantS)
		}
	}
	for _, idx := range [][2]int{{0, 0}, {2, 5}, {1, 3}} {
		want := numericGrad(loss, x, idx[0], idx[1])
		if got := dx.At(idx[0], idx[1]); math.Abs(got-want) > 1e-4 {
			t.Errorf("dx[%d,%d] = %v, want %v", idx[0], idx[1], got, want)
		}
	}
}

func TestLSTMGradients(t *testing.T) {
	cases := []struct {
		name      string
		layerNorm bool
		outSize   int
	}{
		{"layer_norm", true, 0},
		{"plain_bias", false, 0},
		{"projected", true, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rnd := rand.New(rand.NewSource(3))
			cell := NewLSTMCell("cell", 4, 5, tc.layerNorm, tc.outSize, 0, rnd)
			x := randomDense(rnd, 3, 4)
			r := randomDense(rnd, 3, cell.StateSize())
			fbias := cell.ForgetBias(3)

			loss := func() float64 {
				out, _ := cell.RunSequence(rnd, x, 3, fbias, false)
				return weighted(out, r)
			}

			_, run := cell.RunSequence(rnd, x, 3, fbias, false)
			dX := cell.RunSequenceBackward(run, r)

			kr, kc := cell.Kernel.W.Dims()
			for _, idx := range [][2]int{{0, 0}, {kr - 1, kc - 1}, {kr / 2, kc / 2}} {
				want := numericGrad(loss, cell.Kernel.W, idx[0], idx[1])
				got := cell.Kernel.Grad.At(idx[0], idx[1])
				if math.Abs(got-want) > 1e-4 {
					t.Errorf("dKernel[%d,%d] = %v, want %v", idx[0], idx[1], got, want)
				}
			}
			if cell.Bias != nil {
				for _, j := range []int{0, 7, 19} {
					want := numericGrad(loss, cell.Bias.W, 0, j)
					if got := cell.Bias.Grad.At(0, j); math.Abs(got-want) > 1e-4 {
						t.Errorf("dBias[%d] = %v, want %v", j, got, want)
					}
				}
			}
			if cell.NormJ != nil {
				for _, j := range []int{0, 4} {
					want := numericGrad(loss, cell.NormJ.Gain.W, 0, j)
					if got := cell.NormJ.Gain.Grad.At(0, j); math.Abs(got-want) > 1e-4 {
						t.Errorf("dNormJGain[%d] = %v, want %v", j, got, want)
					}
				}
			}
			for _, idx := range [][2]int{{0, 0}, {2, 3}, {1, 1}} {
				want := numericGrad(loss, x, idx[0], idx[1])
				if got := dX.At(idx[0], idx[1]); math.Abs(got-want) > 1e-4 {
					t.Errorf("dX[%d,%d] = %v, want %v", idx[0], idx[1], got, want)
				}
			}
		})
	}
}

func TestStandardLSTMGradients(t *testing.T) {
	rnd := rand.New(rand.NewSource(8))
	cell := NewStandardLSTMCell("cell", 3, 4, rnd)
	x := randomDense(rnd, 4, 3)
	r := randomDense(rnd, 4, 4)

	fb := cell.ForgetBias(99)
	for i, v := range fb {
		if v != 1 {
			t.Fatalf("standard forget bias[%d] = %v, want 1", i, v)
		}
	}

	loss := func() float64 {
		out, _ := cell.RunSequence(rnd, x, 4, fb, false)
		return weighted(out, r)
	}

	_, run := cell.RunSequence(rnd, x, 4, fb, false)
	dX := cell.RunSequenceBackward(run, r)

	for _, idx := range [][2]int{{0, 0}, {6, 15}, {3, 8}} {
		want := numericGrad(loss, cell.Kernel.W, idx[0], idx[1])
		if got := cell.Kernel.Grad.At(idx[0], idx[1]); math.Abs(got-want) > 1e-4 {
			t.Errorf("dKernel[%d,%d] = %v, want %v", idx[0], idx[1], got, want)
		}
	}
	for _, j := range []int{0, 15} {
		want := numericGrad(loss, cell.Bias.W, 0, j)
		if got := cell.Bias.Grad.At(0, j); math.Abs(got-want) > 1e-4 {
			t.Errorf("dBias[%d] = %v, want %v", j, got, want)
		}
	}
	for _, idx := range [][2]int{{0, 0}, {3, 2}} {
		want := numericGrad(loss, x, idx[0], idx[1])
		if got := dX.At(idx[0], idx[1]); math.Abs(got-want) > 1e-4 {
			t.Errorf("dX[%d,%d] = %v, want %v", idx[0], idx[1], got, want)
		}
	}
}

func TestLSTMShortSequenceLeavesTailZero(t *testing.T) {
	rnd := rand.New(rand.NewSource(4))
	cell := NewLSTMCell("cell", 3, 4, true, 0, 0, rnd)
	x := randomDense(rnd, 5, 3)

	out, _ := cell.RunSequence(rnd, x, 2, cell.ForgetBias(2), false)
	for tstep := 2; tstep < 5; tstep++ {
		for j := 0; j < 4; j++ {
			if out.At(tstep, j) != 0 {
				t.Fatalf("output[%d,%d] = %v, want 0 beyond the sequence length", tstep, j, out.At(tstep, j))
			}
		}
	}
}

func TestForgetBiasSchedule(t *testing.T) {
	rnd := rand.New(rand.NewSource(5))
	cell := NewLSTMCell("cell", 2, 8, true, 0, 0, rnd)

	fb := cell.ForgetBias(11)
	hi := math.Log(10)
	for i, v := range fb {
		if v < chronoBias0 || v >= hi {
			t.Errorf("fb[%d] = %v outside [%v, %v)", i, v, chronoBias0, hi)
		}
	}

	// short batches clamp the characteristic time at 2
	fb = cell.ForgetBias(1)
	for i, v := range fb {
		if v < -1 || v >= 0 {
			t.Errorf("clamped fb[%d] = %v outside [-1, 0)", i, v)
		}
	}
}

func TestTransformerEncoderGradients(t *testing.T) {
	rnd := rand.New(rand.NewSource(6))
	enc := NewTransformerEncoder("enc", 2, 8, 16, 2, 0, rnd)
	x := randomDense(rnd, 4, 8)
	r := randomDense(rnd, 4, 8)
	bias := AttentionBias([]float64{1, 1, 1, 0}, false)

	loss := func() float64 {
		y, _ := enc.Forward(rnd, x, bias, false)
		return weighted(y, r)
	}

	_, cache := enc.Forward(rnd, x, bias, false)
	dx := enc.Backward(cache, r)

	wq := enc.Blocks[0].Attn.WQ.W
	for _, idx := range [][2]int{{0, 0}, {7, 7}, {3, 5}} {
		want := numericGrad(loss, wq.W, idx[0], idx[1])
		if got := wq.Grad.At(idx[0], idx[1]); math.Abs(got-want) > 1e-4 {
			t.Errorf("dWQ[%d,%d] = %v, want %v", idx[0], idx[1], got, want)
		}
	}
	ffnIn := enc.Blocks[1].FFN.In.W
	for _, idx := range [][2]int{{0, 0}, {7, 15}} {
		want := numericGrad(loss, ffnIn.W, idx[0], idx[1])
		if got := ffnIn.Grad.At(idx[0], idx[1]); math.Abs(got-want) > 1e-4 {
			t.Errorf("dFFN[%d,%d] = %v, want %v", idx[0], idx[1], got, want)
		}
	}
	for _, idx := range [][2]int{{0, 0}, {3, 7}, {2, 4}} {
		want := numericGrad(loss, x, idx[0], idx[1])
		if got := dx.At(idx[0], idx[1]); math.Abs(got-want) > 1e-4 {
			t.Errorf("dx[%d,%d] = %v, want %v", idx[0], idx[1], got, want)
		}
	}
}

func TestTimingSignal(t *testing.T) {
	sig := TimingSignal(4, 6, 1, 100)
	r, c := sig.Dims()
	if r != 4 || c != 6 {
		t.Fatalf("dims = %dx%d, want 4x6", r, c)
	}
	for i := 0; i < 3; i++ {
		if sig.At(0, i) != 0 {
			t.Errorf("sin at position 0 channel %d = %v, want 0", i, sig.At(0, i))
		}
		if sig.At(0, 3+i) != 1 {
			t.Errorf("cos at position 0 channel %d = %v, want 1", 3+i, sig.At(0, 3+i))
		}
	}
	if math.Abs(sig.At(1, 0)-math.Sin(1)) > 1e-12 {
		t.Errorf("fastest timescale sin(1) = %v, want %v", sig.At(1, 0), math.Sin(1))
	}
}

func TestAttentionBias(t *testing.T) {
	bias := AttentionBias([]float64{1, 1, 0}, false)
	if bias.At(0, 2) != attentionMaskBias || bias.At(2, 2) != attentionMaskBias {
		t.Error("padded key not masked")
	}
	if bias.At(0, 1) != 0 {
		t.Error("real key masked")
	}

	causal := AttentionBias([]float64{1, 1, 1}, true)
	if causal.At(0, 1) != attentionMaskBias {
		t.Error("future key not masked in causal mode")
	}
	if causal.At(1, 0) != 0 || causal.At(1, 1) != 0 {
		t.Error("past or present key masked in causal mode")
	}
}

func TestDropout(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	x := randomDense(rnd, 10, 10)

	if y, mask := Dropout(rnd, x, 0.5, false); y != x || mask != nil {
		t.Error("dropout should be inactive outside training")
	}
	if y, mask := Dropout(rnd, x, 0, true); y != x || mask != nil {
		t.Error("dropout with rate 0 should be a no-op")
	}

	y, mask := Dropout(rnd, x, 0.5, true)
	if mask == nil {
		t.Fatal("expected a dropout mask")
	}
	zeros := 0
	for i := 0; i < 10; i++ {
		for j := 0; j < 10; j++ {
			switch y.At(i, j) {
			case 0:
				zeros++
			case x.At(i, j) * 2:
			default:
				t.Fatalf("entry [%d,%d] = %v is neither dropped nor rescaled", i, j, y.At(i, j))
			}
		}
	}
	if zeros == 0 || zeros == 100 {
		t.Errorf("dropped %d of 100 entries, want something in between", zeros)
	}
}

func TestAdamFirstStep(t *testing.T) {
	p := NewParam("w", 1, 1, false)
	p.W.Set(0, 0, 1)
	p.Grad.Set(0, 0, 0.5)

	opt := NewAdam()
	opt.Step([]*Param{p})

	// first step: mhat = g, vhat = g^2, so the update is close to -lr
	want := 1 - 0.001*0.5/(0.5+1e-8)
	if got := p.W.At(0, 0); math.Abs(got-want) > 1e-12 {
		t.Errorf("w = %v, want %v", got, want)
	}
}

func TestL2Penalty(t *testing.T) {
	var set ParamSet
	decay := NewParam("k", 1, 2, true)
	decay.W.Set(0, 0, 3)
	decay.W.Set(0, 1, 4)
	plain := NewParam("b", 1, 2, false)
	plain.W.Set(0, 0, 100)
	set.Add(decay, plain)

	if got := set.L2Penalty(0.002); math.Abs(got-0.5*0.002*25) > 1e-12 {
		t.Errorf("penalty = %v, want %v", got, 0.5*0.002*25)
	}

	set.ZeroGrads()
	set.AddL2Grads(0.002)
	if got := decay.Grad.At(0, 1); math.Abs(got-0.002*4) > 1e-12 {
		t.Errorf("decay grad = %v, want %v", got, 0.002*4)
	}
	if got := plain.Grad.At(0, 0); got != 0 {
		t.Errorf("non-decay grad = %v, want 0", got)
	}
}
