package classifier

import (
	"math"
	"testing"

	"intentspace/internal/domain"
)

func flatInstance(intent string, feats ...float64) Instance {
	return Instance{
		Message: domain.Message{Features: feats},
		Intent:  intent,
	}
}

func TestPrepareBuildsOneHotIntents(t *testing.T) {
	opts := DefaultOptions()
	instances := []Instance{
		flatInstance("greet", 1, 0),
		flatInstance("bye", 0, 1),
		flatInstance("thanks", 1, 1),
		flatInstance("greet", 1, 0.5),
	}

	d, err := prepare(instances, opts)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	wantLabels := []string{"bye", "greet", "thanks"}
	for i, want := range wantLabels {
		if d.labels[i] != want {
			t.Fatalf("labels[%d] = %q, want %q", i, d.labels[i], want)
		}
	}
	wantIDs := []int{1, 0, 2, 1}
	for i, want := range wantIDs {
		if d.ids[i] != want {
			t.Errorf("ids[%d] = %d, want %d", i, d.ids[i], want)
		}
	}

	n, dim := d.encoded.Dims()
	if n != 3 || dim != 3 {
		t.Fatalf("encoded intents are %dx%d, want 3x3", n, dim)
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			if d.encoded.At(i, j) != want {
				t.Errorf("encoded[%d][%d] = %v, want %v", i, j, d.encoded.At(i, j), want)
			}
		}
	}
	if d.sequenceA {
		t.Error("flat features reported as sequence input")
	}
}

func TestPrepareTokenizedIntentsUseFirstExample(t *testing.T) {
	opts := DefaultOptions()
	opts.IntentTokenization = true

	instances := []Instance{
		{Message: domain.Message{Features: []float64{1, 0}}, Intent: "greet_formal", IntentFeatures: []float64{1, 1, 0}},
		{Message: domain.Message{Features: []float64{0, 1}}, Intent: "bye", IntentFeatures: []float64{0, 0, 1}},
		{Message: domain.Message{Features: []float64{1, 1}}, Intent: "greet_formal", IntentFeatures: []float64{1, 0, 0}},
	}

	d, err := prepare(instances, opts)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	greetID := labelID(d.labels, "greet_formal")
	want := []float64{1, 1, 0}
	for j, w := range want {
		if d.encoded.At(greetID, j) != w {
			t.Errorf("encoded[greet_formal][%d] = %v, want %v", j, d.encoded.At(greetID, j), w)
		}
	}
}

func TestPrepareTokenizedIntentsNeedFeatures(t *testing.T) {
	opts := DefaultOptions()
	opts.IntentTokenization = true

	instances := []Instance{
		{Message: domain.Message{Features: []float64{1, 0}}, Intent: "greet", IntentFeatures: []float64{1, 0}},
		{Message: domain.Message{Features: []float64{0, 1}}, Intent: "bye"},
	}
	if _, err := prepare(instances, opts); err == nil {
		t.Error("prepare accepted a tokenized intent without features")
	}
}

func TestPrepareRejectsMixedFeatureShapes(t *testing.T) {
	opts := DefaultOptions()
	instances := []Instance{
		flatInstance("greet", 1, 0),
		{Message: domain.Message{SequenceFeatures: [][]float64{{0, 1}}}, Intent: "bye"},
	}
	if _, err := prepare(instances, opts); err == nil {
		t.Error("prepare accepted a mix of flat and sequence features")
	}
}

func TestPrepareDetectsSequenceMode(t *testing.T) {
	opts := DefaultOptions()
	seqs := []Instance{
		{Message: domain.Message{SequenceFeatures: [][]float64{{1, 0}, {0, 1}}}, Intent: "greet"},
		{Message: domain.Message{SequenceFeatures: [][]float64{{0, 1}}}, Intent: "bye"},
	}
	d, err := prepare(seqs, opts)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if !d.sequenceA {
		t.Error("multi-token input not detected as sequence mode")
	}

	short := []Instance{
		{Message: domain.Message{SequenceFeatures: [][]float64{{1, 0}}}, Intent: "greet"},
		{Message: domain.Message{SequenceFeatures: [][]float64{{0, 1}}}, Intent: "bye"},
	}
	d, err = prepare(short, opts)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if d.sequenceA {
		t.Error("single-token input treated as sequence mode")
	}
}

func TestPrepareTruncatesLongSequences(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxSeqLength = 2

	tokens := [][]float64{{1, 0}, {0, 1}, {1, 1}, {0.5, 0}}
	instances := []Instance{
		{Message: domain.Message{SequenceFeatures: tokens}, Intent: "greet"},
		{Message: domain.Message{SequenceFeatures: tokens[:1]}, Intent: "bye"},
	}
	d, err := prepare(instances, opts)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if d.X.MaxT != 2 {
		t.Errorf("padded length %d, want 2", d.X.MaxT)
	}
	if d.X.Seqs[0].Length != 2 {
		t.Errorf("truncated length %d, want 2", d.X.Seqs[0].Length)
	}
}

func TestPrepareShareEmbeddingChecksDims(t *testing.T) {
	opts := DefaultOptions()
	opts.ShareEmbedding = true

	instances := []Instance{
		flatInstance("greet", 1, 0),
		flatInstance("bye", 0, 1),
		flatInstance("thanks", 1, 1),
	}
	// one-hot intents are 3-wide, messages 2-wide
	if _, err := prepare(instances, opts); err == nil {
		t.Error("prepare accepted shared embedding over unequal feature dims")
	}
}

func TestBuildIoU(t *testing.T) {
	d, err := prepare([]Instance{
		{Message: domain.Message{Features: []float64{1, 0}}, Intent: "greet_formal", IntentFeatures: []float64{1, 1, 0, 0}},
		{Message: domain.Message{Features: []float64{0, 1}}, Intent: "greet_casual", IntentFeatures: []float64{1, 0, 1, 0}},
		{Message: domain.Message{Features: []float64{1, 1}}, Intent: "bye", IntentFeatures: []float64{0, 0, 0, 1}},
	}, func() Options {
		o := DefaultOptions()
		o.IntentTokenization = true
		o.UseIOU = true
		return o
	}())
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if d.iou == nil {
		t.Fatal("IoU table not built")
	}

	formal := labelID(d.labels, "greet_formal")
	casual := labelID(d.labels, "greet_casual")
	bye := labelID(d.labels, "bye")

	if got := d.iou.At(formal, formal); got != 1 {
		t.Errorf("IoU(self) = %v, want 1", got)
	}
	if got := d.iou.At(formal, casual); math.Abs(got-1.0/3.0) > 1e-15 {
		t.Errorf("IoU(formal, casual) = %v, want 1/3", got)
	}
	if got := d.iou.At(formal, bye); got != 0 {
		t.Errorf("IoU(formal, bye) = %v, want 0", got)
	}
}
