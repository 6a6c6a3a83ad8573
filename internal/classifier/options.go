package classifier

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"intentspace/internal/encoder"
)

// Options is the full configuration surface of the classifier. The yaml
// tags match the classifier section of the app config one to one; the
// json tags name the same keys in a saved model's metadata file.
type Options struct {
	HiddenLayersSizesA []int `yaml:"hidden_layers_sizes_a" json:"hidden_layers_sizes_a"`
	HiddenLayersSizesB []int `yaml:"hidden_layers_sizes_b" json:"hidden_layers_sizes_b"`
	ShareEmbedding     bool  `yaml:"share_embedding" json:"share_embedding"`

	Bidirectional bool `yaml:"bidirectional" json:"bidirectional"`
	FusedLSTM     bool `yaml:"fused_lstm" json:"fused_lstm"`
	GPULSTM       bool `yaml:"gpu_lstm" json:"gpu_lstm"`
	Transformer   bool `yaml:"transformer" json:"transformer"`
	LayerNorm     bool `yaml:"layer_norm" json:"layer_norm"`

	PosMaxTimescale float64 `yaml:"pos_max_timescale" json:"pos_max_timescale" validate:"gt=0"`
	MaxSeqLength    int     `yaml:"max_seq_length" json:"max_seq_length" validate:"gt=0"`
	NumHeads        int     `yaml:"num_heads" json:"num_heads" validate:"gt=0"`

	BatchSize []int `yaml:"batch_size" json:"batch_size" validate:"min=1,dive,gt=0"`
	Epochs    int   `yaml:"epochs" json:"epochs" validate:"gt=0"`
	EmbedDim  int   `yaml:"embed_dim" json:"embed_dim" validate:"gt=0"`

	MuPos          float64 `yaml:"mu_pos" json:"mu_pos"`
	MuNeg          float64 `yaml:"mu_neg" json:"mu_neg"`
	SimilarityType string  `yaml:"similarity_type" json:"similarity_type" validate:"oneof=cosine inner"`
	NumNeg         int     `yaml:"num_neg" json:"num_neg" validate:"gt=0"`

	UseNegFromBatch bool `yaml:"use_neg_from_batch" json:"use_neg_from_batch"`
	UseIOU          bool `yaml:"use_iou" json:"use_iou"`
	UseMaxSimNeg    bool `yaml:"use_max_sim_neg" json:"use_max_sim_neg"`

	RandomSeed int64   `yaml:"random_seed" json:"random_seed"`
	C2         float64 `yaml:"C2" json:"C2" validate:"gte=0"`
	CEmb       float64 `yaml:"C_emb" json:"C_emb" validate:"gte=0"`
	Droprate   float64 `yaml:"droprate" json:"droprate" validate:"gte=0,lt=1"`

	IntentTokenization bool   `yaml:"intent_tokenization_flag" json:"intent_tokenization_flag"`
	IntentSplitSymbol  string `yaml:"intent_split_symbol" json:"intent_split_symbol"`

	EvaluateEveryNumEpochs int `yaml:"evaluate_every_num_epochs" json:"evaluate_every_num_epochs"`
	EvaluateOnNumExamples  int `yaml:"evaluate_on_num_examples" json:"evaluate_on_num_examples" validate:"gte=0"`
}

// DefaultOptions returns the canonical configuration.
func DefaultOptions() Options {
	return Options{
		HiddenLayersSizesA:     []int{256, 128},
		HiddenLayersSizesB:     []int{},
		ShareEmbedding:         false,
		Bidirectional:          false,
		FusedLSTM:              false,
		GPULSTM:                false,
		Transformer:            false,
		LayerNorm:              true,
		PosMaxTimescale:        1e2,
		MaxSeqLength:           256,
		NumHeads:               4,
		BatchSize:              []int{64, 256},
		Epochs:                 300,
		EmbedDim:               20,
		MuPos:                  0.8,
		MuNeg:                  -0.4,
		SimilarityType:         "cosine",
		NumNeg:                 20,
		UseNegFromBatch:        true,
		UseIOU:                 false,
		UseMaxSimNeg:           true,
		RandomSeed:             0,
		C2:                     0.002,
		CEmb:                   0.8,
		Droprate:               0.2,
		IntentTokenization:     false,
		IntentSplitSymbol:      "_",
		EvaluateEveryNumEpochs: 10,
		EvaluateOnNumExamples:  1000,
	}
}

var validate = validator.New()

// normalize validates the scalar ranges, applies the dependent-value
// rules and rejects contradictory architecture settings. Called once by
// the constructor; the options are immutable afterwards.
func (o *Options) normalize() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("classifier options: %w", err)
	}
	if len(o.BatchSize) > 2 {
		return fmt.Errorf("classifier options: batch_size takes [start] or [start, end], got %v", o.BatchSize)
	}

	if _, err := o.architecture().ResolveVariant(); err != nil {
		return fmt.Errorf("classifier options: %w", err)
	}
	if o.ShareEmbedding && !equalInts(o.HiddenLayersSizesA, o.HiddenLayersSizesB) {
		return fmt.Errorf("classifier options: share_embedding requires equal hidden layer sizes, got %v and %v",
			o.HiddenLayersSizesA, o.HiddenLayersSizesB)
	}
	if o.GPULSTM || o.Transformer {
		for _, sizes := range [][]int{o.HiddenLayersSizesA, o.HiddenLayersSizesB} {
			if !homogeneousInts(sizes) {
				return fmt.Errorf("classifier options: this architecture requires identical sizes within a hidden layer list, got %v", sizes)
			}
		}
	}

	if o.EvaluateEveryNumEpochs < 1 {
		o.EvaluateEveryNumEpochs = o.Epochs
	}
	if o.IntentTokenization && o.IntentSplitSymbol == "" {
		logrus.Warn("intent_split_symbol is empty, disabling intent tokenization")
		o.IntentTokenization = false
	}
	return nil
}

// architecture carries just the variant flags, for validation before any
// feature dimensions are known.
func (o Options) architecture() encoder.Config {
	return encoder.Config{
		FusedLSTM:   o.FusedLSTM,
		GPULSTM:     o.GPULSTM,
		Transformer: o.Transformer,
	}
}

// encoderConfig binds the options to concrete input shapes.
func (o Options) encoderConfig(dimA, dimB int, sequenceA bool) encoder.Config {
	return encoder.Config{
		HiddenA:         o.HiddenLayersSizesA,
		HiddenB:         o.HiddenLayersSizesB,
		EmbedDim:        o.EmbedDim,
		DimA:            dimA,
		DimB:            dimB,
		SequenceA:       sequenceA,
		SequenceB:       false,
		Bidirectional:   o.Bidirectional,
		FusedLSTM:       o.FusedLSTM,
		GPULSTM:         o.GPULSTM,
		Transformer:     o.Transformer,
		LayerNorm:       o.LayerNorm,
		ShareEmbedding:  o.ShareEmbedding,
		Droprate:        o.Droprate,
		NumHeads:        o.NumHeads,
		PosMaxTimescale: o.PosMaxTimescale,
	}
}

func equalInts(a, b []int) bool {
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

func homogeneousInts(sizes []int) bool {
	for _, v := range sizes {
		if v != sizes[0] {
			return false
		}
	}
	return true
}
