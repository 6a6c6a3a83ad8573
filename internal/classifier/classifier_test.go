package classifier

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"intentspace/internal/domain"
	"intentspace/internal/intentstore"
)

func testOptions() Options {
	o := DefaultOptions()
	o.HiddenLayersSizesA = []int{8}
	o.HiddenLayersSizesB = []int{}
	o.EmbedDim = 8
	o.BatchSize = []int{4}
	o.Epochs = 300
	o.NumNeg = 3
	o.Droprate = 0
	o.RandomSeed = 7
	o.EvaluateEveryNumEpochs = 100
	o.EvaluateOnNumExamples = 10
	return o
}

func separableInstances() []Instance {
	var out []Instance
	for i := 0; i < 5; i++ {
		out = append(out,
			flatInstance("greet", 1, 1, 0, 0),
			flatInstance("bye", 0, 0, 1, 1),
		)
	}
	return out
}

func trainedClassifier(t *testing.T, opts Options) *EmbeddingClassifier {
	t.Helper()
	c, err := NewEmbeddingClassifier(opts, intentstore.New())
	if err != nil {
		t.Fatalf("NewEmbeddingClassifier: %v", err)
	}
	if err := c.Train(context.Background(), separableInstances()); err != nil {
		t.Fatalf("Train: %v", err)
	}
	return c
}

func TestTrainAndPredictSeparableIntents(t *testing.T) {
	c := trainedClassifier(t, testOptions())
	if !c.Trained() {
		t.Fatal("classifier stayed untrained")
	}

	cases := []struct {
		feats []float64
		want  string
	}{
		{[]float64{1, 1, 0, 0}, "greet"},
		{[]float64{0, 0, 1, 1}, "bye"},
	}
	for _, tc := range cases {
		p, err := c.Predict(domain.Message{Features: tc.feats})
		if err != nil {
			t.Fatalf("Predict: %v", err)
		}
		if p.Intent.Name != tc.want {
			t.Errorf("predicted %q for %v, want %q", p.Intent.Name, tc.feats, tc.want)
		}
		if len(p.Ranking) != 2 {
			t.Fatalf("ranking has %d entries, want 2", len(p.Ranking))
		}
		if p.Ranking[0].Confidence < p.Ranking[1].Confidence {
			t.Error("ranking is not in descending confidence order")
		}
		for _, s := range p.Ranking {
			if s.Confidence < 0 || s.Confidence > 1 {
				t.Errorf("confidence %v outside [0, 1] in cosine mode", s.Confidence)
			}
		}
	}
}

func TestTrainSkipsWithOneIntent(t *testing.T) {
	c, err := NewEmbeddingClassifier(testOptions(), intentstore.New())
	if err != nil {
		t.Fatalf("NewEmbeddingClassifier: %v", err)
	}

	instances := []Instance{
		flatInstance("greet", 1, 0),
		flatInstance("greet", 0, 1),
	}
	if err := c.Train(context.Background(), instances); err != nil {
		t.Fatalf("Train returned %v, a degenerate set should only be logged", err)
	}
	if c.Trained() {
		t.Fatal("classifier reports trained after a skipped run")
	}

	p, err := c.Predict(domain.Message{Features: []float64{1, 0}})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if p.Intent.Name != "" || p.Intent.Confidence != 0 || len(p.Ranking) != 0 {
		t.Errorf("got %+v, want a null prediction", p)
	}
}

func TestPredictBeforeTraining(t *testing.T) {
	c, err := NewEmbeddingClassifier(testOptions(), intentstore.New())
	if err != nil {
		t.Fatalf("NewEmbeddingClassifier: %v", err)
	}
	p, err := c.Predict(domain.Message{Features: []float64{1, 0, 0, 0}})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if p.Intent.Name != "" || len(p.Ranking) != 0 {
		t.Errorf("got %+v, want a null prediction", p)
	}
}

func TestPredictZeroFeatures(t *testing.T) {
	c := trainedClassifier(t, testOptions())
	p, err := c.Predict(domain.Message{Features: []float64{0, 0, 0, 0}})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if p.Intent.Name != "" || len(p.Ranking) != 0 {
		t.Errorf("got %+v, want a null prediction for all-zero features", p)
	}
}

func TestPredictChecksFeatureWidth(t *testing.T) {
	c := trainedClassifier(t, testOptions())
	if _, err := c.Predict(domain.Message{Features: []float64{1, 0}}); err == nil {
		t.Error("Predict accepted features of the wrong width")
	}
}

func TestPredictSoftmaxInInnerMode(t *testing.T) {
	opts := testOptions()
	opts.SimilarityType = "inner"
	opts.Epochs = 60
	c := trainedClassifier(t, opts)

	p, err := c.Predict(domain.Message{Features: []float64{1, 1, 0, 0}})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(p.Ranking) != 2 {
		t.Fatalf("ranking has %d entries, want 2", len(p.Ranking))
	}
	sum := 0.0
	for _, s := range p.Ranking {
		if s.Confidence < 0 || s.Confidence > 1 {
			t.Errorf("softmax confidence %v outside [0, 1]", s.Confidence)
		}
		sum += s.Confidence
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("softmax confidences sum to %v, want 1", sum)
	}
}

func TestSummary(t *testing.T) {
	c, err := NewEmbeddingClassifier(testOptions(), intentstore.New())
	if err != nil {
		t.Fatalf("NewEmbeddingClassifier: %v", err)
	}
	if got := c.Summary(); got != "intent classifier is untrained" {
		t.Errorf("untrained summary = %q", got)
	}
}

func TestSaveUntrainedWritesNothing(t *testing.T) {
	c, err := NewEmbeddingClassifier(testOptions(), intentstore.New())
	if err != nil {
		t.Fatalf("NewEmbeddingClassifier: %v", err)
	}
	dir := filepath.Join(t.TempDir(), "model")
	ref, err := c.Save(dir)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if ref != "" {
		t.Errorf("untrained Save returned ref %q", ref)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("untrained Save created the model directory")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	opts := testOptions()
	opts.Epochs = 40
	c := trainedClassifier(t, opts)

	dir := t.TempDir()
	ref, err := c.Save(dir)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if ref != "embedding_intent_classifier.ckpt" {
		t.Errorf("checkpoint ref = %q", ref)
	}
	for _, file := range []string{
		"embedding_intent_classifier.ckpt",
		"embedding_intent_classifier_placeholder_dims.msgpack",
		"embedding_intent_classifier_inv_intent_dict.msgpack",
		"embedding_intent_classifier_encoded_intents.msgpack",
		"embedding_intent_classifier_intent_embeds.msgpack",
	} {
		if _, err := os.Stat(filepath.Join(dir, file)); err != nil {
			t.Errorf("artifact %s: %v", file, err)
		}
	}

	loaded, err := Load(dir, opts, intentstore.New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !loaded.Trained() {
		t.Fatal("loaded classifier is untrained")
	}

	probe := domain.Message{Features: []float64{1, 1, 0, 0.5}}
	want, err := c.Predict(probe)
	if err != nil {
		t.Fatalf("Predict on the trained instance: %v", err)
	}
	got, err := loaded.Predict(probe)
	if err != nil {
		t.Fatalf("Predict on the loaded instance: %v", err)
	}

	if got.Intent.Name != want.Intent.Name {
		t.Errorf("loaded model predicts %q, original %q", got.Intent.Name, want.Intent.Name)
	}
	if len(got.Ranking) != len(want.Ranking) {
		t.Fatalf("ranking sizes differ: %d vs %d", len(got.Ranking), len(want.Ranking))
	}
	for i := range want.Ranking {
		if got.Ranking[i].Name != want.Ranking[i].Name {
			t.Errorf("ranking[%d] = %q, want %q", i, got.Ranking[i].Name, want.Ranking[i].Name)
		}
		if math.Abs(got.Ranking[i].Confidence-want.Ranking[i].Confidence) > 1e-9 {
			t.Errorf("ranking[%d] confidence %v, want %v", i, got.Ranking[i].Confidence, want.Ranking[i].Confidence)
		}
	}
}

func TestLoadWithoutCheckpoint(t *testing.T) {
	c, err := Load(t.TempDir(), testOptions(), intentstore.New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Trained() {
		t.Error("classifier trained despite a missing checkpoint")
	}
}

func TestLoadRejectsUnknownParameters(t *testing.T) {
	opts := testOptions()
	opts.Epochs = 5
	c := trainedClassifier(t, opts)

	dir := t.TempDir()
	if _, err := c.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	ckptPath := filepath.Join(dir, "embedding_intent_classifier.ckpt")
	var ckpt checkpointData
	if err := readMsgpack(ckptPath, &ckpt); err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	ckpt.Params["no_such_layer/kernel"] = tensorData{Rows: 1, Cols: 1, Data: []float64{1}}
	if err := writeMsgpack(ckptPath, ckpt); err != nil {
		t.Fatalf("rewrite checkpoint: %v", err)
	}

	if _, err := Load(dir, opts, intentstore.New()); err == nil {
		t.Error("Load accepted a checkpoint with an unknown parameter")
	}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := NewEmbeddingClassifier(testOptions(), nil); err == nil {
		t.Error("NewEmbeddingClassifier accepted a nil store")
	}
}
