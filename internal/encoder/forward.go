package encoder

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"intentspace/internal/features"
	"intentspace/internal/nnet"
)

// Cache carries the intermediates of one Embed call. Caches are
// single-use: each backward pass must consume the cache of its own
// forward.
type Cache struct {
	side *side

	denseCaches []*nnet.LinearCache
	reluMasks   []*mat.Dense
	dropMasks   []*mat.Dense

	length  int
	lastIdx int
	rows    int
	width   int
	mask    []float64

	runsFw []*nnet.LSTMRunCache
	runsBw []*nnet.LSTMRunCache

	projCache *nnet.LinearCache
	drop1     *mat.Dense
	drop2     *mat.Dense
	encCache  *nnet.EncoderCache

	embedCache *nnet.LinearCache
}

// Embed runs one example through the selected side and returns its
// embedding as a 1 x EmbedDim row plus the cache for the backward pass.
// meanLen is the mean real length of the batch the example belongs to;
// it drives the chrono forget-bias schedule and is ignored by every
// other variant. rnd is only touched when training enables dropout.
func (e *Encoder) Embed(sd Side, rnd *rand.Rand, seq features.Sequence, meanLen float64, training bool) (*mat.Dense, *Cache) {
	s := e.side(sd)
	if !s.sequence {
		return s.embedVector(rnd, seq, training)
	}
	if s.variant == VariantTransformer {
		return s.embedAttention(rnd, seq, training)
	}
	return s.embedRecurrent(rnd, seq, meanLen, training)
}

// EmbedBackward accumulates parameter gradients for one example. dOut
// must match the shape of the embedding returned by Embed.
func (e *Encoder) EmbedBackward(c *Cache, dOut *mat.Dense) {
	s := c.side
	switch {
	case !s.sequence:
		s.embedVectorBackward(c, dOut)
	case s.variant == VariantTransformer:
		s.embedAttentionBackward(c, dOut)
	default:
		s.embedRecurrentBackward(c, dOut)
	}
}

// embedVector is the flat-input path: a stack of ReLU dense layers with
// dropout, then the projection into the embedding space.
func (s *side) embedVector(rnd *rand.Rand, seq features.Sequence, training bool) (*mat.Dense, *Cache) {
	c := &Cache{side: s}

	_, dim := seq.X.Dims()
	cur := mat.NewDense(1, dim, nil)
	cur.Copy(seq.X.Slice(0, 1, 0, dim))

	for _, l := range s.hidden {
		y, lc := l.Forward(cur)
		y, rm := nnet.ReLU(y)
		y, dm := nnet.Dropout(rnd, y, s.droprate, training)
		c.denseCaches = append(c.denseCaches, lc)
		c.reluMasks = append(c.reluMasks, rm)
		c.dropMasks = append(c.dropMasks, dm)
		cur = y
	}

	out, ec := s.embed.Forward(cur)
	c.embedCache = ec
	return out, c
}

func (s *side) embedVectorBackward(c *Cache, dOut *mat.Dense) {
	d := s.embed.Backward(c.embedCache, dOut)
	for i := len(s.hidden) - 1; i >= 0; i-- {
		d = nnet.DropoutBackward(d, c.dropMasks[i])
		d = nnet.ReLUBackward(d, c.reluMasks[i])
		d = s.hidden[i].Backward(c.denseCaches[i], d)
	}
}

// embedRecurrent unrolls the stacked cells over the real positions and
// pools the output at the last real step. Bidirectional layers run a
// second cell over the reversed prefix and concatenate both directions.
func (s *side) embedRecurrent(rnd *rand.Rand, seq features.Sequence, meanLen float64, training bool) (*mat.Dense, *Cache) {
	c := &Cache{side: s, length: seq.Length, lastIdx: seq.Length - 1}

	cur, _ := nnet.ReLU(seq.X)
	for i, fw := range s.cellsFw {
		if i < len(s.cellsBw) {
			bw := s.cellsBw[i]
			outFw, runFw := fw.RunSequence(rnd, cur, seq.Length, fw.ForgetBias(meanLen), training)
			outBw, runBw := bw.RunSequence(rnd, reverseRows(cur, seq.Length), seq.Length, bw.ForgetBias(meanLen), training)
			c.runsFw = append(c.runsFw, runFw)
			c.runsBw = append(c.runsBw, runBw)
			cur = concatCols(outFw, reverseRows(outBw, seq.Length))
		} else {
			out, run := fw.RunSequence(rnd, cur, seq.Length, fw.ForgetBias(meanLen), training)
			c.runsFw = append(c.runsFw, run)
			cur = out
		}
	}

	c.rows, c.width = cur.Dims()
	pooled := mat.NewDense(1, c.width, nil)
	if c.lastIdx >= 0 {
		pooled.SetRow(0, mat.Row(nil, c.lastIdx, cur))
	}

	out, ec := s.embed.Forward(pooled)
	c.embedCache = ec
	return out, c
}

func (s *side) embedRecurrentBackward(c *Cache, dOut *mat.Dense) {
	dPooled := s.embed.Backward(c.embedCache, dOut)
	dCur := mat.NewDense(c.rows, c.width, nil)
	if c.lastIdx >= 0 {
		dCur.SetRow(c.lastIdx, mat.Row(nil, 0, dPooled))
	}

	for i := len(s.cellsFw) - 1; i >= 0; i-- {
		fw := s.cellsFw[i]
		if i < len(s.cellsBw) {
			bw := s.cellsBw[i]
			h := fw.StateSize()
			dFw := mat.DenseCopyOf(dCur.Slice(0, c.rows, 0, h))
			dBw := mat.DenseCopyOf(dCur.Slice(0, c.rows, h, 2*h))
			dCur = fw.RunSequenceBackward(c.runsFw[i], dFw)
			dCur.Add(dCur, reverseRows(bw.RunSequenceBackward(c.runsBw[i], reverseRows(dBw, c.length)), c.length))
		} else {
			dCur = fw.RunSequenceBackward(c.runsFw[i], dCur)
		}
	}
}

// embedAttention is the self-attention path: a bias-free input
// projection scaled by sqrt of the model width, the sinusoidal timing
// signal, the block stack, and a mean over the real positions.
func (s *side) embedAttention(rnd *rand.Rand, seq features.Sequence, training bool) (*mat.Dense, *Cache) {
	c := &Cache{side: s, length: seq.Length, mask: seq.Mask}

	x, _ := nnet.ReLU(seq.X)
	h, projC := s.proj.Forward(x)
	c.projCache = projC
	h, c.drop1 = nnet.Dropout(rnd, h, transformerDropout, training)
	h.Scale(math.Sqrt(float64(s.hiddenSize)), h)
	maskRows(h, seq.Mask)

	c.rows, c.width = h.Dims()
	h.Add(h, nnet.TimingSignal(c.rows, s.hiddenSize, timingMinTimescale, s.maxTimescale))
	maskRows(h, seq.Mask)
	h, c.drop2 = nnet.Dropout(rnd, h, transformerDropout, training)

	out, encC := s.stack.Forward(rnd, h, nnet.AttentionBias(seq.Mask, false), training)
	c.encCache = encC

	emb, ec := s.embed.Forward(maskedMean(out, seq.Mask, seq.Length))
	c.embedCache = ec
	return emb, c
}

func (s *side) embedAttentionBackward(c *Cache, dOut *mat.Dense) {
	dPooled := s.embed.Backward(c.embedCache, dOut)

	dEnc := mat.NewDense(c.rows, c.width, nil)
	if c.length > 0 {
		inv := 1 / float64(c.length)
		for t, m := range c.mask {
			if m != 1 {
				continue
			}
			for j := 0; j < c.width; j++ {
				dEnc.Set(t, j, dPooled.At(0, j)*inv)
			}
		}
	}

	d := s.stack.Backward(c.encCache, dEnc)
	d = nnet.DropoutBackward(d, c.drop2)
	maskRows(d, c.mask)
	d.Scale(math.Sqrt(float64(s.hiddenSize)), d)
	d = nnet.DropoutBackward(d, c.drop1)
	s.proj.Backward(c.projCache, d)
}

// reverseRows flips the first length rows of x and leaves the tail zero.
// Padded content is dropped rather than mirrored since the cells never
// read past length.
func reverseRows(x *mat.Dense, length int) *mat.Dense {
	rows, cols := x.Dims()
	out := mat.NewDense(rows, cols, nil)
	for t := 0; t < length && t < rows; t++ {
		out.SetRow(t, mat.Row(nil, length-1-t, x))
	}
	return out
}

func concatCols(a, b *mat.Dense) *mat.Dense {
	rows, ca := a.Dims()
	_, cb := b.Dims()
	out := mat.NewDense(rows, ca+cb, nil)
	out.Slice(0, rows, 0, ca).(*mat.Dense).Copy(a)
	out.Slice(0, rows, ca, ca+cb).(*mat.Dense).Copy(b)
	return out
}

func maskRows(x *mat.Dense, mask []float64) {
	_, cols := x.Dims()
	for t, m := range mask {
		if m == 1 {
			continue
		}
		for j := 0; j < cols; j++ {
			x.Set(t, j, 0)
		}
	}
}

// maskedMean averages the real rows of x. A fully padded example pools
// to the zero vector.
func maskedMean(x *mat.Dense, mask []float64, length int) *mat.Dense {
	_, cols := x.Dims()
	out := mat.NewDense(1, cols, nil)
	if length == 0 {
		return out
	}
	for t, m := range mask {
		if m != 1 {
			continue
		}
		for j := 0; j < cols; j++ {
			out.Set(0, j, out.At(0, j)+x.At(t, j))
		}
	}
	out.Scale(1/float64(length), out)
	return out
}
