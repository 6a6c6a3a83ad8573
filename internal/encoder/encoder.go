// Package encoder builds the two embedding networks that project message
// features (side A) and intent features (side B) into one shared space.
// Flat inputs go through a stack of dense layers; sequence inputs go
// through recurrent cells or a self-attention stack, selected by variant.
package encoder

import (
	"fmt"
	"math"
	"math/rand"

	"intentspace/internal/nnet"
)

// Side selects which of the two embedding networks an operation targets.
type Side int

const (
	// SideA embeds message features.
	SideA Side = iota
	// SideB embeds intent features.
	SideB
)

// Variant names the architecture used for sequence inputs.
type Variant int

const (
	// VariantChrono is the default: stacked layer-normalized LSTM cells
	// with chrono-initialized forget biases.
	VariantChrono Variant = iota
	// VariantFused uses plain LSTM cells with a constant forget bias of 1.
	VariantFused
	// VariantGPU behaves like VariantFused at runtime; it exists so
	// configurations written for CUDA-backed training keep their meaning.
	VariantGPU
	// VariantTransformer replaces recurrence with self-attention blocks.
	VariantTransformer
)

func (v Variant) String() string {
	switch v {
	case VariantFused:
		return "fused"
	case VariantGPU:
		return "gpu"
	case VariantTransformer:
		return "transformer"
	}
	return "chrono"
}

// transformerDropout is the fixed rate used inside the attention stack;
// the configured droprate applies only to the dense and recurrent paths.
const transformerDropout = 0.1

const timingMinTimescale = 1.0

// Config fully determines both embedding networks. Building twice from an
// identical Config yields identical shapes and parameter names, which is
// what lets a checkpoint restore weights by name.
type Config struct {
	HiddenA []int
	HiddenB []int

	EmbedDim int

	DimA int
	DimB int

	SequenceA bool
	SequenceB bool

	Bidirectional  bool
	FusedLSTM      bool
	GPULSTM        bool
	Transformer    bool
	LayerNorm      bool
	ShareEmbedding bool

	Droprate        float64
	NumHeads        int
	PosMaxTimescale float64
}

// ResolveVariant maps the architecture flags onto a single variant.
func (c Config) ResolveVariant() (Variant, error) {
	set := 0
	for _, on := range []bool{c.FusedLSTM, c.GPULSTM, c.Transformer} {
		if on {
			set++
		}
	}
	if set > 1 {
		return 0, fmt.Errorf("encoder: fused, gpu and transformer variants are mutually exclusive")
	}
	switch {
	case c.FusedLSTM:
		return VariantFused, nil
	case c.GPULSTM:
		return VariantGPU, nil
	case c.Transformer:
		return VariantTransformer, nil
	}
	return VariantChrono, nil
}

// Encoder holds both embedding networks. With ShareEmbedding the two
// sides are the same network and every parameter exists exactly once.
type Encoder struct {
	cfg     Config
	variant Variant

	a *side
	b *side

	params nnet.ParamSet
}

// New validates the configuration and builds both sides with
// Glorot-initialized weights drawn from rnd.
func New(cfg Config, rnd *rand.Rand) (*Encoder, error) {
	variant, err := cfg.ResolveVariant()
	if err != nil {
		return nil, err
	}
	if cfg.EmbedDim <= 0 {
		return nil, fmt.Errorf("encoder: embedding dimension must be positive, got %d", cfg.EmbedDim)
	}
	if cfg.DimA <= 0 || cfg.DimB <= 0 {
		return nil, fmt.Errorf("encoder: feature dimensions must be positive, got %d and %d", cfg.DimA, cfg.DimB)
	}
	if cfg.ShareEmbedding {
		if !equalSizes(cfg.HiddenA, cfg.HiddenB) {
			return nil, fmt.Errorf("encoder: shared embedding requires equal hidden layer sizes, got %v and %v", cfg.HiddenA, cfg.HiddenB)
		}
		if cfg.DimA != cfg.DimB {
			return nil, fmt.Errorf("encoder: shared embedding requires equal feature dimensions, got %d and %d", cfg.DimA, cfg.DimB)
		}
		if cfg.SequenceA != cfg.SequenceB {
			return nil, fmt.Errorf("encoder: shared embedding requires the same input kind on both sides")
		}
	}
	if variant == VariantGPU || variant == VariantTransformer {
		for _, sizes := range [][]int{cfg.HiddenA, cfg.HiddenB} {
			if !homogeneous(sizes) {
				return nil, fmt.Errorf("encoder: %s variant requires identical sizes within a hidden layer list, got %v", variant, sizes)
			}
		}
	}
	if variant == VariantTransformer {
		for _, s := range []struct {
			sizes    []int
			sequence bool
		}{
			{cfg.HiddenA, cfg.SequenceA},
			{cfg.HiddenB, cfg.SequenceB},
		} {
			if !s.sequence {
				continue
			}
			if len(s.sizes) == 0 {
				return nil, fmt.Errorf("encoder: transformer variant requires at least one hidden layer")
			}
			if cfg.NumHeads <= 0 || s.sizes[0]%cfg.NumHeads != 0 {
				return nil, fmt.Errorf("encoder: hidden size %d is not divisible by %d attention heads", s.sizes[0], cfg.NumHeads)
			}
		}
	}

	e := &Encoder{cfg: cfg, variant: variant}
	if cfg.ShareEmbedding {
		shared := newSide("a_and_b", cfg.DimA, cfg.SequenceA, cfg.HiddenA, cfg, variant, rnd)
		e.a, e.b = shared, shared
	} else {
		e.a = newSide("a", cfg.DimA, cfg.SequenceA, cfg.HiddenA, cfg, variant, rnd)
		e.b = newSide("b", cfg.DimB, cfg.SequenceB, cfg.HiddenB, cfg, variant, rnd)
	}
	e.a.collect(&e.params)
	if e.b != e.a {
		e.b.collect(&e.params)
	}
	return e, nil
}

// Variant reports the resolved sequence architecture.
func (e *Encoder) Variant() Variant {
	return e.variant
}

// EmbedDim is the width of the shared embedding space.
func (e *Encoder) EmbedDim() int {
	return e.cfg.EmbedDim
}

// Params returns every trainable parameter in construction order, message
// side first. A shared network lists each parameter once.
func (e *Encoder) Params() *nnet.ParamSet {
	return &e.params
}

// FixedState returns the non-trainable tensors the forward pass depends
// on: the chrono fractions drawn for each recurrent cell. The map is
// empty for non-chrono variants.
func (e *Encoder) FixedState() map[string][]float64 {
	out := make(map[string][]float64)
	e.a.fixedState(out)
	if e.b != e.a {
		e.b.fixedState(out)
	}
	return out
}

// RestoreFixedState overwrites the chrono fractions from a saved map,
// making a freshly built encoder reproduce the saved forward pass.
func (e *Encoder) RestoreFixedState(state map[string][]float64) error {
	if err := e.a.restoreFixed(state); err != nil {
		return err
	}
	if e.b != e.a {
		return e.b.restoreFixed(state)
	}
	return nil
}

func (e *Encoder) side(sd Side) *side {
	if sd == SideB {
		return e.b
	}
	return e.a
}

// side is one embedding network: either a dense stack for flat inputs or
// a recurrent/attention encoder for sequences, followed by the final
// projection into the embedding space.
type side struct {
	name     string
	sequence bool
	variant  Variant
	droprate float64

	hidden []*nnet.Linear

	cellsFw []*nnet.LSTMCell
	cellsBw []*nnet.LSTMCell

	proj         *nnet.Linear
	stack        *nnet.TransformerEncoder
	hiddenSize   int
	maxTimescale float64

	embed *nnet.Linear
}

func newSide(name string, dim int, sequence bool, sizes []int, cfg Config, variant Variant, rnd *rand.Rand) *side {
	s := &side{
		name:     name,
		sequence: sequence,
		variant:  variant,
		droprate: cfg.Droprate,
	}

	embedIn := dim
	switch {
	case !sequence:
		for i, h := range sizes {
			s.hidden = append(s.hidden, nnet.NewLinear(
				fmt.Sprintf("hidden_layer_%s_%d", name, i), embedIn, h, true, true, rnd))
			embedIn = h
		}
	case variant == VariantTransformer:
		h := sizes[0]
		s.proj = nnet.NewLinear("transformer_embed_layer_"+name, dim, h, false, true, rnd)
		nnet.RandomNormal(rnd, s.proj.W.W, 1/math.Sqrt(float64(h)))
		s.stack = nnet.NewTransformerEncoder(
			"transformer_"+name, len(sizes), h, 4*h, cfg.NumHeads, transformerDropout, rnd)
		s.hiddenSize = h
		s.maxTimescale = cfg.PosMaxTimescale
		embedIn = h
	default:
		in := dim
		for i, h := range sizes {
			if cfg.Bidirectional {
				s.cellsFw = append(s.cellsFw, newCell(
					fmt.Sprintf("rnn_fw_encoder_%s_%d", name, i), in, h, cfg, variant, rnd))
				s.cellsBw = append(s.cellsBw, newCell(
					fmt.Sprintf("rnn_bw_encoder_%s_%d", name, i), in, h, cfg, variant, rnd))
				in = 2 * h
			} else {
				s.cellsFw = append(s.cellsFw, newCell(
					fmt.Sprintf("rnn_encoder_%s_%d", name, i), in, h, cfg, variant, rnd))
				in = h
			}
		}
		embedIn = in
	}

	s.embed = nnet.NewLinear("embed_layer_"+name, embedIn, cfg.EmbedDim, true, true, rnd)
	return s
}

func newCell(name string, in, units int, cfg Config, variant Variant, rnd *rand.Rand) *nnet.LSTMCell {
	if variant == VariantChrono {
		return nnet.NewLSTMCell(name, in, units, cfg.LayerNorm, 0, cfg.Droprate, rnd)
	}
	return nnet.NewStandardLSTMCell(name, in, units, rnd)
}

func (s *side) collect(set *nnet.ParamSet) {
	for _, l := range s.hidden {
		set.Add(l.Params()...)
	}
	for i, cell := range s.cellsFw {
		set.Add(cell.Params()...)
		if i < len(s.cellsBw) {
			set.Add(s.cellsBw[i].Params()...)
		}
	}
	if s.proj != nil {
		set.Add(s.proj.Params()...)
	}
	if s.stack != nil {
		set.Add(s.stack.Params()...)
	}
	set.Add(s.embed.Params()...)
}

func (s *side) cells() []*nnet.LSTMCell {
	all := make([]*nnet.LSTMCell, 0, len(s.cellsFw)+len(s.cellsBw))
	all = append(all, s.cellsFw...)
	return append(all, s.cellsBw...)
}

func (s *side) fixedState(out map[string][]float64) {
	for _, cell := range s.cells() {
		if cell.Chrono {
			out[cell.Name+"/chrono_frac"] = append([]float64(nil), cell.FgateFrac...)
		}
	}
}

func (s *side) restoreFixed(state map[string][]float64) error {
	for _, cell := range s.cells() {
		if !cell.Chrono {
			continue
		}
		key := cell.Name + "/chrono_frac"
		frac, ok := state[key]
		if !ok {
			return fmt.Errorf("encoder: saved state is missing %s", key)
		}
		if len(frac) != len(cell.FgateFrac) {
			return fmt.Errorf("encoder: %s has %d entries, want %d", key, len(frac), len(cell.FgateFrac))
		}
		copy(cell.FgateFrac, frac)
	}
	return nil
}

func equalSizes(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func homogeneous(sizes []int) bool {
	for _, v := range sizes {
		if v != sizes[0] {
			return false
		}
	}
	return true
}
