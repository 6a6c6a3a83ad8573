package classifier

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// iouThreshold caps feature overlap between an anchor intent and its
// sampled negatives: pairs at or above it are too similar to contrast.
const iouThreshold = 0.66

// sampler draws negative intent candidates for each training example,
// either from the full intent table or from the current batch.
type sampler struct {
	rnd       *rand.Rand
	numNeg    int
	fromBatch bool
	useIOU    bool
	encoded   *mat.Dense
	iou       *mat.Dense
	nIntents  int
}

func newSampler(rnd *rand.Rand, opts Options, d *trainingData, numNeg int) *sampler {
	return &sampler{
		rnd:       rnd,
		numNeg:    numNeg,
		fromBatch: opts.UseNegFromBatch,
		useIOU:    opts.UseIOU,
		encoded:   d.encoded,
		iou:       d.iou,
		nIntents:  d.numIntents(),
	}
}

// negatives returns num_neg sampled negative intent ids per batch row.
func (s *sampler) negatives(batchIDs []int) [][]int {
	out := make([][]int, len(batchIDs))
	for i, trueID := range batchIDs {
		if s.fromBatch {
			out[i] = s.batchNegatives(trueID, batchIDs)
		} else {
			out[i] = s.tableNegatives(trueID)
		}
	}
	return out
}

// tableNegatives draws with replacement from the intent ids other than
// trueID. Under IoU sampling, ids overlapping trueID too much are
// excluded first; if that empties the pool, all other ids stay eligible.
func (s *sampler) tableNegatives(trueID int) []int {
	pool := make([]int, 0, s.nIntents-1)
	for id := 0; id < s.nIntents; id++ {
		if id == trueID {
			continue
		}
		if s.useIOU && s.iou.At(trueID, id) >= iouThreshold {
			continue
		}
		pool = append(pool, id)
	}
	if len(pool) == 0 {
		for id := 0; id < s.nIntents; id++ {
			if id != trueID {
				pool = append(pool, id)
			}
		}
	}
	return s.draw(pool)
}

// batchNegatives draws from the co-batch rows eligible as negatives for
// trueID, keeping duplicates so frequent intents are drawn more often.
// An empty pool falls back to table sampling for this row.
func (s *sampler) batchNegatives(trueID int, batchIDs []int) []int {
	pool := make([]int, 0, len(batchIDs))
	for _, id := range batchIDs {
		if s.eligible(trueID, id) {
			pool = append(pool, id)
		}
	}
	if len(pool) == 0 {
		return s.tableNegatives(trueID)
	}
	return s.draw(pool)
}

// eligible reports whether id may serve as a negative for trueID: its
// encoded features must differ from the anchor's, or under IoU sampling
// the overlap must stay below the threshold.
func (s *sampler) eligible(trueID, id int) bool {
	if s.useIOU {
		return s.iou.At(trueID, id) < iouThreshold
	}
	return !rowsEqual(s.encoded, trueID, id)
}

func (s *sampler) draw(pool []int) []int {
	negs := make([]int, s.numNeg)
	for k := range negs {
		negs[k] = pool[s.rnd.Intn(len(pool))]
	}
	return negs
}

func rowsEqual(m *mat.Dense, i, j int) bool {
	_, cols := m.Dims()
	for f := 0; f < cols; f++ {
		if m.At(i, f) != m.At(j, f) {
			return false
		}
	}
	return true
}
