package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"intentspace/internal/classifier"
)

// metaFileName sits next to the checkpoint artifacts in the model
// directory.
const metaFileName = "metadata.json"

// ModelMeta makes a saved model directory self-describing: the full
// option set the model was trained with plus the checkpoint file those
// options reconstruct. Loading with these options instead of the live
// config guarantees the restored graph matches the saved weights.
type ModelMeta struct {
	Classifier     classifier.Options `json:"classifier"`
	ClassifierFile string             `json:"classifier_file"`
}

// SaveModelMeta writes metadata.json into the model directory.
func SaveModelMeta(dir string, meta ModelMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("model metadata: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("model metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFileName), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("model metadata: %w", err)
	}
	return nil
}

// LoadModelMeta reads metadata.json from the model directory. A missing
// file surfaces as os.ErrNotExist so callers can fall back to the live
// config.
func LoadModelMeta(dir string) (ModelMeta, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return ModelMeta{}, fmt.Errorf("model metadata: %w", err)
	}
	var meta ModelMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return ModelMeta{}, fmt.Errorf("model metadata: decode %s: %w", metaFileName, err)
	}
	if meta.ClassifierFile == "" {
		return ModelMeta{}, fmt.Errorf("model metadata: %s names no classifier file", metaFileName)
	}
	return meta, nil
}
