package classifier

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"

	"intentspace/internal/domain"
	"intentspace/internal/features"
)

// Instance is one training example after featurization: the message-side
// features plus the intent label. IntentFeatures carries the intent-side
// feature vector when intent tokenization is on; it is ignored otherwise.
type Instance struct {
	Message        domain.Message
	Intent         string
	IntentFeatures []float64
}

// trainingData is the fully prepared view of a training set: the intent
// dictionary, the encoded-intent table, and the padded feature batches
// for both sides.
type trainingData struct {
	labels    []string   // id -> intent name, sorted
	ids       []int      // per-example true intent id
	encoded   *mat.Dense // nIntents x dimB intent feature table
	X         features.Batch
	intents   features.Batch // one entry per intent id, rows of encoded
	iou       *mat.Dense     // pairwise IoU of encoded rows, nil unless used
	sequenceA bool
}

func (d *trainingData) numIntents() int { return len(d.labels) }

// prepare derives everything the trainer consumes from the raw
// instances. It is called once per training run.
func prepare(instances []Instance, opts Options) (*trainingData, error) {
	labels, index := intentDict(instances)

	ids := make([]int, len(instances))
	for i, in := range instances {
		ids[i] = index[in.Intent]
	}

	encoded, err := encodeIntents(instances, labels, opts)
	if err != nil {
		return nil, err
	}

	x, sequenceA, err := messageBatch(instances, opts)
	if err != nil {
		return nil, err
	}

	_, dimB := encoded.Dims()
	if opts.ShareEmbedding && x.Dim != dimB {
		return nil, fmt.Errorf("classifier: share_embedding requires equal feature dimensions, message side has %d, intent side has %d", x.Dim, dimB)
	}

	rows := make([][]float64, len(labels))
	for k := range labels {
		rows[k] = encoded.RawRowView(k)
	}
	intents, err := features.FromFlat(rows)
	if err != nil {
		return nil, fmt.Errorf("classifier: intent features: %w", err)
	}

	d := &trainingData{
		labels:    labels,
		ids:       ids,
		encoded:   encoded,
		X:         x,
		intents:   intents,
		sequenceA: sequenceA,
	}
	if opts.UseIOU {
		d.iou = buildIoU(encoded)
	}
	return d, nil
}

// intentDict maps the distinct intent names to dense ids in sorted
// order, so ids are stable across runs over the same data.
func intentDict(instances []Instance) ([]string, map[string]int) {
	seen := make(map[string]struct{})
	for _, in := range instances {
		seen[in.Intent] = struct{}{}
	}
	labels := make([]string, 0, len(seen))
	for name := range seen {
		labels = append(labels, name)
	}
	sort.Strings(labels)

	index := make(map[string]int, len(labels))
	for id, name := range labels {
		index[name] = id
	}
	return labels, index
}

// encodeIntents builds the intent-side feature table, one row per id.
// With tokenization off every intent is a one-hot row. With it on, each
// intent's row is the feature vector of the first example carrying that
// intent; later examples of the same intent are checked against it.
func encodeIntents(instances []Instance, labels []string, opts Options) (*mat.Dense, error) {
	n := len(labels)
	if !opts.IntentTokenization {
		encoded := mat.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			encoded.Set(i, i, 1)
		}
		return encoded, nil
	}

	first := make(map[string][]float64, n)
	for _, in := range instances {
		if _, ok := first[in.Intent]; !ok {
			first[in.Intent] = in.IntentFeatures
		}
	}

	dim := -1
	for _, name := range labels {
		feats := first[name]
		if len(feats) == 0 {
			return nil, fmt.Errorf("classifier: intent %q has no intent features, intent tokenization needs them on every example", name)
		}
		if dim == -1 {
			dim = len(feats)
		} else if len(feats) != dim {
			return nil, fmt.Errorf("classifier: intent %q has feature width %d, want %d", name, len(feats), dim)
		}
	}

	encoded := mat.NewDense(n, dim, nil)
	for id, name := range labels {
		encoded.SetRow(id, first[name])
	}

	for i, in := range instances {
		row := encoded.RawRowView(labelID(labels, in.Intent))
		if len(in.IntentFeatures) != dim || !floatsEqual(in.IntentFeatures, row) {
			logrus.Warnf("example %d: intent features differ from the table row for %q, using the table row", i, in.Intent)
		}
	}
	return encoded, nil
}

func labelID(labels []string, name string) int {
	return sort.SearchStrings(labels, name)
}

func floatsEqual(a, b []float64) bool {
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

// messageBatch pads the message-side features. All examples must agree
// on the shape kind: either every message carries token sequences or
// none does. Sequence mode is only reported when at least one example is
// actually longer than a single position.
func messageBatch(instances []Instance, opts Options) (features.Batch, bool, error) {
	withSeq := 0
	for _, in := range instances {
		if in.Message.SequenceFeatures != nil {
			withSeq++
		}
	}
	if withSeq != 0 && withSeq != len(instances) {
		return features.Batch{}, false, fmt.Errorf("classifier: %d of %d examples carry token sequences, all or none must", withSeq, len(instances))
	}

	if withSeq == 0 {
		rows := make([][]float64, len(instances))
		for i, in := range instances {
			rows[i] = in.Message.Features
		}
		b, err := features.FromFlat(rows)
		if err != nil {
			return features.Batch{}, false, fmt.Errorf("classifier: message features: %w", err)
		}
		return b, false, nil
	}

	seqs := make([][][]float64, len(instances))
	for i, in := range instances {
		seqs[i] = in.Message.SequenceFeatures
	}
	b, err := features.FromSequences(seqs)
	if err != nil {
		return features.Batch{}, false, fmt.Errorf("classifier: message features: %w", err)
	}
	b = b.Truncate(opts.MaxSeqLength)

	sequenceA := false
	for _, s := range b.Seqs {
		if s.Length > 1 {
			sequenceA = true
			break
		}
	}
	return b, sequenceA, nil
}

// buildIoU computes intersection-over-union of the non-zero feature
// positions for every pair of encoded intents.
func buildIoU(encoded *mat.Dense) *mat.Dense {
	n, dim := encoded.Dims()
	iou := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			inter, union := 0, 0
			for f := 0; f < dim; f++ {
				a := encoded.At(i, f) != 0
				b := encoded.At(j, f) != 0
				if a && b {
					inter++
				}
				if a || b {
					union++
				}
			}
			if union > 0 {
				iou.Set(i, j, float64(inter)/float64(union))
			}
		}
	}
	return iou
}
