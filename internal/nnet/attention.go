package nnet

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

const attentionMaskBias = -1e9

// TimingSignal builds the sinusoidal position encoding for a sequence:
// the first half of the channels are sines, the second half cosines, on
// a geometric ladder of timescales between the two bounds.
func TimingSignal(length, channels int, minTimescale, maxTimescale float64) *mat.Dense {
	signal := mat.NewDense(length, channels, nil)
	num := channels / 2
	if num < 1 {
		num = 1
	}
	inc := 0.0
	if num > 1 {
		inc = math.Log(maxTimescale/minTimescale) / float64(num-1)
	}
	for pos := 0; pos < length; pos++ {
		for i := 0; i < num; i++ {
			invTimescale := 1.0 / (minTimescale * math.Exp(float64(i)*inc))
			t := float64(pos) * invTimescale
			signal.Set(pos, i, math.Sin(t))
			if num+i < channels {
				signal.Set(pos, num+i, math.Cos(t))
			}
		}
	}
	return signal
}

// AttentionBias turns a padding mask into additive attention logits:
// masked keys, and future keys when causal, get a large negative bias.
func AttentionBias(mask []float64, causal bool) *mat.Dense {
	n := len(mask)
	bias := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if mask[j] != 1 || (causal && j > i) {
				bias.Set(i, j, attentionMaskBias)
			}
		}
	}
	return bias
}

// stableSoftmax normalizes each row in place after shifting by the row
// maximum, so fully masked rows degrade to a uniform distribution
// instead of NaN.
func stableSoftmax(x *mat.Dense) *mat.Dense {
	r, c := x.Dims()
	y := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		max := x.At(i, 0)
		for j := 1; j < c; j++ {
			if v := x.At(i, j); v > max {
				max = v
			}
		}
		sum := 0.0
		for j := 0; j < c; j++ {
			e := math.Exp(x.At(i, j) - max)
			y.Set(i, j, e)
			sum += e
		}
		for j := 0; j < c; j++ {
			y.Set(i, j, y.At(i, j)/sum)
		}
	}
	return y
}

// softmaxBackward propagates through a row-wise softmax with output p.
func softmaxBackward(dp, p *mat.Dense) *mat.Dense {
	r, c := dp.Dims()
	dx := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		dot := 0.0
		for j := 0; j < c; j++ {
			dot += dp.At(i, j) * p.At(i, j)
		}
		for j := 0; j < c; j++ {
			dx.Set(i, j, (dp.At(i, j)-dot)*p.At(i, j))
		}
	}
	return dx
}

// MultiHeadAttention is scaled dot-product self attention with bias-free
// query, key, value and output projections.
type MultiHeadAttention struct {
	Heads    int
	WQ       *Linear
	WK       *Linear
	WV       *Linear
	WO       *Linear
	Droprate float64
}

// NewMultiHeadAttention builds the four projections for the given model
// width. hidden must be divisible by heads.
func NewMultiHeadAttention(name string, hidden, heads int, droprate float64, rnd *rand.Rand) *MultiHeadAttention {
	return &MultiHeadAttention{
		Heads:    heads,
		WQ:       NewLinear(name+"/q", hidden, hidden, false, false, rnd),
		WK:       NewLinear(name+"/k", hidden, hidden, false, false, rnd),
		WV:       NewLinear(name+"/v", hidden, hidden, false, false, rnd),
		WO:       NewLinear(name+"/output", hidden, hidden, false, false, rnd),
		Droprate: droprate,
	}
}

// Params lists the projection kernels.
func (a *MultiHeadAttention) Params() []*Param {
	var ps []*Param
	for _, l := range []*Linear{a.WQ, a.WK, a.WV, a.WO} {
		ps = append(ps, l.Params()...)
	}
	return ps
}

// MHACache stores per-head attention intermediates.
type MHACache struct {
	cq, ck, cv *LinearCache
	co         *LinearCache
	qs, k, v   []*mat.Dense // per head; qs is the scaled query
	probs      []*mat.Dense // post-softmax, pre-dropout
	masks      []*mat.Dense // dropout masks, nil entries when inactive
	hidden     int
}

func headView(x *mat.Dense, head, depth int) *mat.Dense {
	r, _ := x.Dims()
	h := mat.NewDense(r, depth, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < depth; j++ {
			h.Set(i, j, x.At(i, head*depth+j))
		}
	}
	return h
}

// Forward attends x to itself under the additive bias.
func (a *MultiHeadAttention) Forward(rnd *rand.Rand, x, bias *mat.Dense, train bool) (*mat.Dense, *MHACache) {
	rows, hidden := x.Dims()
	depth := hidden / a.Heads
	scale := 1.0 / math.Sqrt(float64(depth))

	q, cq := a.WQ.Forward(x)
	k, ck := a.WK.Forward(x)
	v, cv := a.WV.Forward(x)

	cache := &MHACache{cq: cq, ck: ck, cv: cv, hidden: hidden}
	ctx := mat.NewDense(rows, hidden, nil)
	for h := 0; h < a.Heads; h++ {
		qs := headView(q, h, depth)
		qs.Scale(scale, qs)
		kh := headView(k, h, depth)
		vh := headView(v, h, depth)

		var logits mat.Dense
		logits.Mul(qs, kh.T())
		logits.Add(&logits, bias)

		probs := stableSoftmax(&logits)
		dropped, mask := Dropout(rnd, probs, a.Droprate, train)

		var headCtx mat.Dense
		headCtx.Mul(dropped, vh)
		for i := 0; i < rows; i++ {
			for j := 0; j < depth; j++ {
				ctx.Set(i, h*depth+j, headCtx.At(i, j))
			}
		}

		cache.qs = append(cache.qs, qs)
		cache.k = append(cache.k, kh)
		cache.v = append(cache.v, vh)
		cache.probs = append(cache.probs, probs)
		cache.masks = append(cache.masks, mask)
	}

	out, co := a.WO.Forward(ctx)
	cache.co = co
	return out, cache
}

// Backward propagates through the attention and accumulates projection
// gradients.
func (a *MultiHeadAttention) Backward(cache *MHACache, dOut *mat.Dense) *mat.Dense {
	rows, _ := dOut.Dims()
	hidden := cache.hidden
	depth := hidden / a.Heads
	scale := 1.0 / math.Sqrt(float64(depth))

	dCtx := a.WO.Backward(cache.co, dOut)

	dq := mat.NewDense(rows, hidden, nil)
	dk := mat.NewDense(rows, hidden, nil)
	dv := mat.NewDense(rows, hidden, nil)
	for h := 0; h < a.Heads; h++ {
		dHeadCtx := headView(dCtx, h, depth)

		probs := cache.probs[h]
		dropped := probs
		if cache.masks[h] != nil {
			var d mat.Dense
			d.MulElem(probs, cache.masks[h])
			dropped = &d
		}

		var dDropped mat.Dense
		dDropped.Mul(dHeadCtx, cache.v[h].T())
		var dVh mat.Dense
		dVh.Mul(dropped.T(), dHeadCtx)

		dProbs := DropoutBackward(&dDropped, cache.masks[h])
		dLogits := softmaxBackward(dProbs, probs)

		var dQs mat.Dense
		dQs.Mul(dLogits, cache.k[h])
		var dKh mat.Dense
		dKh.Mul(dLogits.T(), cache.qs[h])

		for i := 0; i < rows; i++ {
			for j := 0; j < depth; j++ {
				dq.Set(i, h*depth+j, dQs.At(i, j)*scale)
				dk.Set(i, h*depth+j, dKh.At(i, j))
				dv.Set(i, h*depth+j, dVh.At(i, j))
			}
		}
	}

	dx := a.WQ.Backward(cache.cq, dq)
	dx.Add(dx, a.WK.Backward(cache.ck, dk))
	dx.Add(dx, a.WV.Backward(cache.cv, dv))
	return dx
}

// FFN is the position-wise feed-forward sublayer: an inner ReLU
// expansion followed by a projection back to the model width.
type FFN struct {
	In       *Linear
	Out      *Linear
	Droprate float64
}

// NewFFN builds the two dense layers of the sublayer.
func NewFFN(name string, hidden, filter int, droprate float64, rnd *rand.Rand) *FFN {
	return &FFN{
		In:       NewLinear(name+"/filter", hidden, filter, true, false, rnd),
		Out:      NewLinear(name+"/output", filter, hidden, true, false, rnd),
		Droprate: droprate,
	}
}

// Params lists the sublayer's trainable tensors.
func (f *FFN) Params() []*Param {
	return append(f.In.Params(), f.Out.Params()...)
}

// FFNCache stores the sublayer intermediates.
type FFNCache struct {
	cIn, cOut *LinearCache
	reluMask  *mat.Dense
	dropMask  *mat.Dense
}

// Forward applies filter, ReLU, dropout and the output projection.
func (f *FFN) Forward(rnd *rand.Rand, x *mat.Dense, train bool) (*mat.Dense, *FFNCache) {
	h, cIn := f.In.Forward(x)
	h, reluMask := ReLU(h)
	h, dropMask := Dropout(rnd, h, f.Droprate, train)
	y, cOut := f.Out.Forward(h)
	return y, &FFNCache{cIn: cIn, cOut: cOut, reluMask: reluMask, dropMask: dropMask}
}

// Backward propagates through the sublayer.
func (f *FFN) Backward(cache *FFNCache, dy *mat.Dense) *mat.Dense {
	dh := f.Out.Backward(cache.cOut, dy)
	dh = DropoutBackward(dh, cache.dropMask)
	dh = ReLUBackward(dh, cache.reluMask)
	return f.In.Backward(cache.cIn, dh)
}

// TransformerBlock is one pre-norm encoder layer: the input is layer
// normalized before each sublayer and the sublayer output is dropped out
// and added back onto the residual stream.
type TransformerBlock struct {
	NormAttn *LayerNorm
	Attn     *MultiHeadAttention
	NormFFN  *LayerNorm
	FFN      *FFN
	Droprate float64
}

// NewTransformerBlock assembles one encoder layer.
func NewTransformerBlock(name string, hidden, filter, heads int, droprate float64, rnd *rand.Rand) *TransformerBlock {
	return &TransformerBlock{
		NormAttn: NewLayerNorm(name+"/attn_norm", hidden, 1e-6),
		Attn:     NewMultiHeadAttention(name+"/attn", hidden, heads, droprate, rnd),
		NormFFN:  NewLayerNorm(name+"/ffn_norm", hidden, 1e-6),
		FFN:      NewFFN(name+"/ffn", hidden, filter, droprate, rnd),
		Droprate: droprate,
	}
}

// Params lists everything trainable in the block.
func (b *TransformerBlock) Params() []*Param {
	var ps []*Param
	ps = append(ps, b.NormAttn.Params()...)
	ps = append(ps, b.Attn.Params()...)
	ps = append(ps, b.NormFFN.Params()...)
	ps = append(ps, b.FFN.Params()...)
	return ps
}

// BlockCache stores one block's intermediates.
type BlockCache struct {
	lnAttn   *LayerNormCache
	attn     *MHACache
	attnMask *mat.Dense
	lnFFN    *LayerNormCache
	ffn      *FFNCache
	ffnMask  *mat.Dense
}

// Forward runs both sublayers with residual connections.
func (b *TransformerBlock) Forward(rnd *rand.Rand, x, bias *mat.Dense, train bool) (*mat.Dense, *BlockCache) {
	cache := &BlockCache{}

	normed, lnAttn := b.NormAttn.Forward(x)
	cache.lnAttn = lnAttn
	attnOut, attnCache := b.Attn.Forward(rnd, normed, bias, train)
	cache.attn = attnCache
	attnOut, cache.attnMask = Dropout(rnd, attnOut, b.Droprate, train)

	var x1 mat.Dense
	x1.Add(x, attnOut)

	normed, lnFFN := b.NormFFN.Forward(&x1)
	cache.lnFFN = lnFFN
	ffnOut, ffnCache := b.FFN.Forward(rnd, normed, train)
	cache.ffn = ffnCache
	ffnOut, cache.ffnMask = Dropout(rnd, ffnOut, b.Droprate, train)

	var x2 mat.Dense
	x2.Add(&x1, ffnOut)
	return &x2, cache
}

// Backward propagates through both sublayers and their residuals.
func (b *TransformerBlock) Backward(cache *BlockCache, dy *mat.Dense) *mat.Dense {
	dFFNOut := DropoutBackward(dy, cache.ffnMask)
	dNormed := b.FFN.Backward(cache.ffn, dFFNOut)
	dx1 := b.NormFFN.Backward(cache.lnFFN, dNormed)
	dx1.Add(dx1, dy)

	dAttnOut := DropoutBackward(dx1, cache.attnMask)
	dNormed = b.Attn.Backward(cache.attn, dAttnOut)
	dx := b.NormAttn.Backward(cache.lnAttn, dNormed)
	dx.Add(dx, dx1)
	return dx
}

// TransformerEncoder is a stack of pre-norm blocks with a final layer
// normalization on the output stream.
type TransformerEncoder struct {
	Blocks  []*TransformerBlock
	NormOut *LayerNorm
}

// NewTransformerEncoder stacks layers blocks of the given geometry.
func NewTransformerEncoder(name string, layers, hidden, filter, heads int, droprate float64, rnd *rand.Rand) *TransformerEncoder {
	enc := &TransformerEncoder{NormOut: NewLayerNorm(name+"/out_norm", hidden, 1e-6)}
	for i := 0; i < layers; i++ {
		enc.Blocks = append(enc.Blocks, NewTransformerBlock(
			fmt.Sprintf("%s/layer_%d", name, i), hidden, filter, heads, droprate, rnd))
	}
	return enc
}

// Params lists all block parameters plus the output normalization.
func (e *TransformerEncoder) Params() []*Param {
	var ps []*Param
	for _, b := range e.Blocks {
		ps = append(ps, b.Params()...)
	}
	ps = append(ps, e.NormOut.Params()...)
	return ps
}

// EncoderCache stores the block caches of one pass.
type EncoderCache struct {
	blocks []*BlockCache
	lnOut  *LayerNormCache
}

// Forward runs the full stack.
func (e *TransformerEncoder) Forward(rnd *rand.Rand, x, bias *mat.Dense, train bool) (*mat.Dense, *EncoderCache) {
	cache := &EncoderCache{}
	for _, b := range e.Blocks {
		var bc *BlockCache
		x, bc = b.Forward(rnd, x, bias, train)
		cache.blocks = append(cache.blocks, bc)
	}
	out, lnOut := e.NormOut.Forward(x)
	cache.lnOut = lnOut
	return out, cache
}

// Backward walks the stack in reverse.
func (e *TransformerEncoder) Backward(cache *EncoderCache, dy *mat.Dense) *mat.Dense {
	dx := e.NormOut.Backward(cache.lnOut, dy)
	for i := len(e.Blocks) - 1; i >= 0; i-- {
		dx = e.Blocks[i].Backward(cache.blocks[i], dx)
	}
	return dx
}
