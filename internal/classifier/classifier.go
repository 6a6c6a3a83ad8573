// Package classifier trains a supervised embedding model that maps user
// messages and intent labels into the same vector space and classifies
// by similarity in that space.
//
// Both sides are encoded by a shared feed-forward, recurrent or
// attention network; training pulls each message towards its intent and
// away from sampled negatives with a max-margin loss. The embedded
// intent table is handed to an intent store for ranking at inference
// time.
package classifier

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"intentspace/internal/domain"
	"intentspace/internal/encoder"
	"intentspace/internal/features"
)

// maxRanking caps the number of candidates reported per prediction.
const maxRanking = 10

// EmbeddingClassifier is the trainable intent model. It is not safe for
// concurrent training, but a trained instance serves Predict calls
// concurrently: parameters are frozen and the store takes read locks.
type EmbeddingClassifier struct {
	opts  Options
	store domain.IntentStore
	rnd   *rand.Rand

	enc       *encoder.Encoder
	labels    []string
	encoded   *mat.Dense
	intentEmb *mat.Dense
	dimA      int
	dimB      int
	sequenceA bool
	trained   bool

	lastLoss float64
	lastAcc  float64
	hasAcc   bool
}

// NewEmbeddingClassifier validates the options and returns an untrained
// classifier backed by the given intent store. A zero random seed means
// a time-seeded run.
func NewEmbeddingClassifier(opts Options, store domain.IntentStore) (*EmbeddingClassifier, error) {
	if store == nil {
		return nil, fmt.Errorf("classifier: nil intent store")
	}
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	seed := opts.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &EmbeddingClassifier{
		opts:  opts,
		store: store,
		rnd:   rand.New(rand.NewSource(seed)),
	}, nil
}

// Trained reports whether the classifier holds a fitted model.
func (c *EmbeddingClassifier) Trained() bool { return c.trained }

// Options returns a copy of the normalized configuration.
func (c *EmbeddingClassifier) Options() Options { return c.opts }

// Labels returns the known intent names in id order.
func (c *EmbeddingClassifier) Labels() []string { return c.labels }

// Summary describes the model state in one line for logs and CLI output.
func (c *EmbeddingClassifier) Summary() string {
	if !c.trained {
		return "intent classifier is untrained"
	}
	s := fmt.Sprintf("embedding classifier: %d intents, embed dim %d, final loss %.3f",
		len(c.labels), c.opts.EmbedDim, c.lastLoss)
	if c.hasAcc {
		s += fmt.Sprintf(", train accuracy %.3f", c.lastAcc)
	}
	return s
}

func (c *EmbeddingClassifier) cosine() bool { return c.opts.SimilarityType == "cosine" }

// Predict embeds the message and ranks every known intent against it.
// An untrained classifier or a message without any feature signal yields
// a null prediction, not an error.
func (c *EmbeddingClassifier) Predict(msg domain.Message) (domain.Prediction, error) {
	if !c.trained {
		logrus.Error("the intent classifier has not been trained yet, returning an empty prediction")
		return domain.Prediction{}, nil
	}

	seq, err := c.messageSequence(msg)
	if err != nil {
		return domain.Prediction{}, err
	}
	if !hasSignal(seq) {
		return domain.Prediction{}, nil
	}

	vec, _ := c.enc.Embed(encoder.SideA, nil, seq, seqMeanLen(seq), false)
	q := append([]float64(nil), vec.RawRowView(0)...)
	if c.cosine() {
		unitInPlace(q)
	}

	scores, err := c.store.RankAll(q)
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("classifier: intent store: %w", err)
	}
	if len(scores) == 0 {
		return domain.Prediction{}, nil
	}

	if c.cosine() {
		for i := range scores {
			if scores[i].Confidence < 0 {
				scores[i].Confidence = 0
			}
		}
	} else {
		softmaxScores(scores)
	}

	k := maxRanking
	if len(scores) < k {
		k = len(scores)
	}
	return domain.Prediction{Intent: scores[0], Ranking: scores[:k]}, nil
}

// messageSequence shapes one message's features the way the training
// data was shaped. A message without features comes back as an empty
// sequence, which carries no signal.
func (c *EmbeddingClassifier) messageSequence(msg domain.Message) (features.Sequence, error) {
	if msg.SequenceFeatures != nil {
		if len(msg.SequenceFeatures) == 0 {
			return features.Sequence{}, nil
		}
		b, err := features.FromSequences([][][]float64{msg.SequenceFeatures})
		if err != nil {
			return features.Sequence{}, fmt.Errorf("classifier: message features: %w", err)
		}
		b = b.Truncate(c.opts.MaxSeqLength)
		if b.Dim != c.dimA {
			return features.Sequence{}, fmt.Errorf("classifier: message feature width %d, the model expects %d", b.Dim, c.dimA)
		}
		return b.Seqs[0], nil
	}

	if len(msg.Features) == 0 {
		return features.Sequence{}, nil
	}
	if len(msg.Features) != c.dimA {
		return features.Sequence{}, fmt.Errorf("classifier: message feature width %d, the model expects %d", len(msg.Features), c.dimA)
	}
	b, err := features.FromFlat([][]float64{msg.Features})
	if err != nil {
		return features.Sequence{}, fmt.Errorf("classifier: message features: %w", err)
	}
	return b.Seqs[0], nil
}

// hasSignal reports whether the sequence carries any non-zero feature in
// a real position.
func hasSignal(seq features.Sequence) bool {
	if seq.X == nil {
		return false
	}
	rows, cols := seq.X.Dims()
	for t := 0; t < rows; t++ {
		if seq.Mask[t] != 1 {
			continue
		}
		for f := 0; f < cols; f++ {
			if seq.X.At(t, f) != 0 {
				return true
			}
		}
	}
	return false
}

func seqMeanLen(seq features.Sequence) float64 {
	if seq.Length < 1 {
		return 1
	}
	return float64(seq.Length)
}

func unitInPlace(v []float64) {
	if n := floats.Norm(v, 2); n > 0 {
		floats.Scale(1/n, v)
	}
}

// softmaxScores turns raw inner-product similarities into a probability
// distribution, keeping the descending order.
func softmaxScores(scores []domain.IntentScore) {
	maxV := scores[0].Confidence
	var sum float64
	for i := range scores {
		scores[i].Confidence = math.Exp(scores[i].Confidence - maxV)
		sum += scores[i].Confidence
	}
	if sum > 0 {
		for i := range scores {
			scores[i].Confidence /= sum
		}
	}
}
