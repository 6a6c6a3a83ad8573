package classifier

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"

	"intentspace/internal/domain"
	"intentspace/internal/encoder"
)

// artifactName is the fixed identifier every model file derives from.
const artifactName = "embedding_intent_classifier"

type tensorData struct {
	Rows int       `msgpack:"rows"`
	Cols int       `msgpack:"cols"`
	Data []float64 `msgpack:"data"`
}

type checkpointData struct {
	Params map[string]tensorData `msgpack:"params"`
	Fixed  map[string][]float64  `msgpack:"fixed"`
}

type placeholderDims struct {
	DimA      int  `msgpack:"dim_a"`
	DimB      int  `msgpack:"dim_b"`
	SequenceA bool `msgpack:"sequence_a"`
}

// Save writes the model artifacts into dir and returns the checkpoint
// file name to reference from the metadata. An untrained classifier
// writes nothing and returns an empty name.
func (c *EmbeddingClassifier) Save(dir string) (string, error) {
	if !c.trained {
		logrus.Warn("the intent classifier is untrained, no model artifacts to persist")
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("classifier: create model dir: %w", err)
	}

	ckpt := checkpointData{
		Params: make(map[string]tensorData),
		Fixed:  c.enc.FixedState(),
	}
	for _, p := range c.enc.Params().All() {
		ckpt.Params[p.Name] = tensorFromDense(p.W)
	}

	inv := make(map[int]string, len(c.labels))
	for id, name := range c.labels {
		inv[id] = name
	}

	ref := artifactName + ".ckpt"
	artifacts := []struct {
		file string
		data any
	}{
		{ref, ckpt},
		{artifactName + "_placeholder_dims.msgpack", placeholderDims{DimA: c.dimA, DimB: c.dimB, SequenceA: c.sequenceA}},
		{artifactName + "_inv_intent_dict.msgpack", inv},
		{artifactName + "_encoded_intents.msgpack", tensorFromDense(c.encoded)},
		{artifactName + "_intent_embeds.msgpack", tensorFromDense(c.intentEmb)},
	}
	for _, a := range artifacts {
		if err := writeMsgpack(filepath.Join(dir, a.file), a.data); err != nil {
			return "", err
		}
	}
	return ref, nil
}

// Load restores a classifier from the artifacts in dir, rebuilding the
// encoder from the options and the stored feature dims and filling the
// given store with the persisted intent table. A missing checkpoint is
// not an error: it yields a logged warning and an untrained classifier.
func Load(dir string, opts Options, store domain.IntentStore) (*EmbeddingClassifier, error) {
	c, err := NewEmbeddingClassifier(opts, store)
	if err != nil {
		return nil, err
	}

	ckptPath := filepath.Join(dir, artifactName+".ckpt")
	if _, err := os.Stat(ckptPath); err != nil {
		logrus.Warnf("no model checkpoint at %s, the classifier starts untrained", ckptPath)
		return c, nil
	}

	var ckpt checkpointData
	if err := readMsgpack(ckptPath, &ckpt); err != nil {
		return nil, err
	}
	var dims placeholderDims
	if err := readMsgpack(filepath.Join(dir, artifactName+"_placeholder_dims.msgpack"), &dims); err != nil {
		return nil, err
	}
	var inv map[int]string
	if err := readMsgpack(filepath.Join(dir, artifactName+"_inv_intent_dict.msgpack"), &inv); err != nil {
		return nil, err
	}
	var encodedT, embedsT tensorData
	if err := readMsgpack(filepath.Join(dir, artifactName+"_encoded_intents.msgpack"), &encodedT); err != nil {
		return nil, err
	}
	if err := readMsgpack(filepath.Join(dir, artifactName+"_intent_embeds.msgpack"), &embedsT); err != nil {
		return nil, err
	}

	labels := make([]string, len(inv))
	for id, name := range inv {
		if id < 0 || id >= len(labels) {
			return nil, fmt.Errorf("classifier: intent dictionary id %d outside 0..%d", id, len(labels)-1)
		}
		labels[id] = name
	}

	enc, err := encoder.New(c.opts.encoderConfig(dims.DimA, dims.DimB, dims.SequenceA), c.rnd)
	if err != nil {
		return nil, err
	}
	if err := restoreParams(enc, ckpt.Params); err != nil {
		return nil, err
	}
	if err := enc.RestoreFixedState(ckpt.Fixed); err != nil {
		return nil, err
	}

	encoded, err := denseFromTensor(encodedT)
	if err != nil {
		return nil, err
	}
	embeds, err := denseFromTensor(embedsT)
	if err != nil {
		return nil, err
	}
	if n, _ := embeds.Dims(); n != len(labels) {
		return nil, fmt.Errorf("classifier: %d intent embeddings for %d intents", n, len(labels))
	}

	c.enc = enc
	c.labels = labels
	c.encoded = encoded
	c.intentEmb = embeds
	c.dimA = dims.DimA
	c.dimB = dims.DimB
	c.sequenceA = dims.SequenceA
	c.trained = true
	if err := c.pushIntentTable(labels, embeds); err != nil {
		return nil, err
	}
	return c, nil
}

// restoreParams copies checkpoint tensors into the freshly built encoder
// by parameter name, requiring an exact match in both directions.
func restoreParams(enc *encoder.Encoder, tensors map[string]tensorData) error {
	params := enc.Params().All()
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		t, ok := tensors[p.Name]
		if !ok {
			return fmt.Errorf("classifier: checkpoint is missing parameter %q", p.Name)
		}
		w, err := denseFromTensor(t)
		if err != nil {
			return fmt.Errorf("classifier: parameter %q: %w", p.Name, err)
		}
		r, cols := p.W.Dims()
		if t.Rows != r || t.Cols != cols {
			return fmt.Errorf("classifier: parameter %q is %dx%d in the checkpoint, the model wants %dx%d",
				p.Name, t.Rows, t.Cols, r, cols)
		}
		p.W.Copy(w)
		seen[p.Name] = true
	}
	for name := range tensors {
		if !seen[name] {
			return fmt.Errorf("classifier: checkpoint parameter %q does not exist in the model", name)
		}
	}
	return nil
}

func tensorFromDense(w *mat.Dense) tensorData {
	r, c := w.Dims()
	data := make([]float64, r*c)
	for i := 0; i < r; i++ {
		mat.Row(data[i*c:(i+1)*c], i, w)
	}
	return tensorData{Rows: r, Cols: c, Data: data}
}

func denseFromTensor(t tensorData) (*mat.Dense, error) {
	if t.Rows <= 0 || t.Cols <= 0 || len(t.Data) != t.Rows*t.Cols {
		return nil, fmt.Errorf("classifier: malformed tensor: %dx%d with %d values", t.Rows, t.Cols, len(t.Data))
	}
	return mat.NewDense(t.Rows, t.Cols, append([]float64(nil), t.Data...)), nil
}

func writeMsgpack(path string, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("classifier: encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("classifier: %w", err)
	}
	return nil
}

func readMsgpack(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("classifier: decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
