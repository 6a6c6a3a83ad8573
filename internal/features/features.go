// Package features normalizes raw featurizer output into the padded,
// masked batches consumed by the encoder.
//
// Two input shapes are accepted: flat vectors (one per example) and
// per-token sequences of vectors. Both are brought into the same form, a
// rectangular matrix per example padded with PadValue, so downstream code
// never branches on the original shape.
package features

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// PadValue fills the rows appended to short sequences. It is chosen so
// that a padded row can be told apart from a genuine all-zero feature
// row: sign(max(row)+1) is 0 for padding and 1 for everything else.
const PadValue = -1.0

// Sequence is one example after padding: T rows of F features plus the
// derived per-position bookkeeping.
type Sequence struct {
	X      *mat.Dense // T x F, padded rows filled with PadValue
	Mask   []float64  // 1 at real positions, 0 at padding
	Last   []float64  // one-hot at the final real position
	Length int        // number of real positions
}

// Batch holds padded examples of uniform feature width.
type Batch struct {
	Seqs []Sequence
	Dim  int // feature width F
	MaxT int // padded sequence length
}

// FromFlat wraps flat feature vectors as length-one sequences. All rows
// must share the same width.
func FromFlat(rows [][]float64) (Batch, error) {
	seqs := make([][][]float64, len(rows))
	for i, r := range rows {
		seqs[i] = [][]float64{r}
	}
	return FromSequences(seqs)
}

// FromSequences pads token-level feature sequences to a common length
// and derives mask, last-position and real-length information for each
// example. Empty sequences are kept: they come out fully padded with a
// zero mask.
func FromSequences(seqs [][][]float64) (Batch, error) {
	if len(seqs) == 0 {
		return Batch{}, fmt.Errorf("features: empty batch")
	}

	dim := -1
	maxT := 0
	for i, s := range seqs {
		if len(s) > maxT {
			maxT = len(s)
		}
		for _, row := range s {
			if dim == -1 {
				dim = len(row)
				continue
			}
			if len(row) != dim {
				return Batch{}, fmt.Errorf("features: example %d has width %d, want %d", i, len(row), dim)
			}
		}
	}
	if dim <= 0 {
		return Batch{}, fmt.Errorf("features: batch carries no feature columns")
	}
	if maxT == 0 {
		maxT = 1
	}

	b := Batch{Seqs: make([]Sequence, len(seqs)), Dim: dim, MaxT: maxT}
	for i, s := range seqs {
		b.Seqs[i] = pad(s, maxT, dim)
	}
	return b, nil
}

func pad(seq [][]float64, maxT, dim int) Sequence {
	x := mat.NewDense(maxT, dim, nil)
	for t := 0; t < maxT; t++ {
		if t < len(seq) {
			x.SetRow(t, seq[t])
			continue
		}
		for f := 0; f < dim; f++ {
			x.Set(t, f, PadValue)
		}
	}

	s := Sequence{X: x, Mask: make([]float64, maxT), Last: make([]float64, maxT)}
	for t := 0; t < maxT; t++ {
		s.Mask[t] = maskAt(x, t)
	}
	for t := maxT - 1; t >= 0; t-- {
		if s.Mask[t] == 1 {
			s.Last[t] = 1
			break
		}
	}
	for _, m := range s.Mask {
		if m == 1 {
			s.Length++
		}
	}
	return s
}

// maskAt reports whether row t holds real features. A row whose maximum
// is PadValue is padding; any real row, including all zeros, has a
// maximum of at least 0.
func maskAt(x *mat.Dense, t int) float64 {
	_, cols := x.Dims()
	max := x.At(t, 0)
	for f := 1; f < cols; f++ {
		if v := x.At(t, f); v > max {
			max = v
		}
	}
	if max+1 > 0 {
		return 1
	}
	return 0
}

// MeanLength is the average number of real positions per example. It
// feeds the recurrent cell's forget-bias schedule and is never below 1
// so that downstream logarithms stay finite.
func (b Batch) MeanLength() float64 {
	if len(b.Seqs) == 0 {
		return 1
	}
	total := 0
	for _, s := range b.Seqs {
		total += s.Length
	}
	m := float64(total) / float64(len(b.Seqs))
	if m < 1 {
		return 1
	}
	return m
}

// Truncate drops positions beyond limit from every example, keeping the
// derived bookkeeping consistent. Batches already within the limit are
// returned unchanged.
func (b Batch) Truncate(limit int) Batch {
	if limit <= 0 || b.MaxT <= limit {
		return b
	}
	out := Batch{Seqs: make([]Sequence, len(b.Seqs)), Dim: b.Dim, MaxT: limit}
	for i, s := range b.Seqs {
		rows := make([][]float64, 0, limit)
		for t := 0; t < limit && t < s.Length; t++ {
			row := make([]float64, b.Dim)
			mat.Row(row, t, s.X)
			rows = append(rows, row)
		}
		out.Seqs[i] = pad(rows, limit, b.Dim)
	}
	return out
}

// Select returns a new batch holding the examples at the given indices.
// The underlying matrices are shared, not copied.
func (b Batch) Select(idx []int) Batch {
	out := Batch{Seqs: make([]Sequence, len(idx)), Dim: b.Dim, MaxT: b.MaxT}
	for i, j := range idx {
		out.Seqs[i] = b.Seqs[j]
	}
	return out
}
