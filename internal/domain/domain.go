package domain

import "context"

// Example pairs a single training utterance with its labelled intent.
type Example struct {
	Text   string
	Intent string
}

// TrainingSet is the labelled corpus a model is trained on.
type TrainingSet struct {
	Examples []Example
}

// Message is one utterance on its way through the pipeline, carrying the
// features extracted for it. SequenceFeatures is set only when the
// featurizer emits per-token rows.
type Message struct {
	Text             string
	Features         []float64
	SequenceFeatures [][]float64
}

// IntentScore is one candidate intent with the model's confidence.
type IntentScore struct {
	Name       string
	Confidence float64
}

// Prediction is the classification outcome: the winning intent plus the
// ranked runners-up. A null prediction has an empty intent name and zero
// confidence.
type Prediction struct {
	Intent  IntentScore
	Ranking []IntentScore
}

// Featurizer converts free text into a numeric vector representation.
// Implementations may require a preparation phase over the corpus.
type Featurizer interface {
	Name() string
	Prepare(corpus []string) error
	Dimension() int
	Featurize(text string) ([]float64, error)
}

// SequenceFeaturizer additionally exposes per-token feature rows for
// encoders that consume sequences.
type SequenceFeaturizer interface {
	Featurizer
	FeaturizeSequence(text string) ([][]float64, error)
}

// IntentStore keeps the embedded intent vectors and ranks all of them
// against a query embedding.
type IntentStore interface {
	Init(dimension int) error
	Upsert(labels []string, vectors [][]float64) error
	RankAll(vector []float64) ([]IntentScore, error)
	Len() int
	Clear() error
}

// IntentService defines the operations exposed by the application core.
type IntentService interface {
	Train(ctx context.Context, set TrainingSet) (summary string, err error)
	Classify(text string) (Prediction, error)
}
