package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"intentspace/internal/classifier"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Featurizer.Type != "countvec" {
		t.Errorf("featurizer type = %q, want countvec", cfg.Featurizer.Type)
	}
	if cfg.Data.TrainFile != "data/train.json" || cfg.Data.ModelDir != "models" {
		t.Errorf("data defaults = %+v", cfg.Data)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Logging.Level)
	}
	if !reflect.DeepEqual(cfg.Classifier, classifier.DefaultOptions()) {
		t.Error("classifier options differ from the defaults")
	}
}

func TestLoadFillsPartialFile(t *testing.T) {
	path := writeConfig(t, `
featurizer:
  type: openai
classifier:
  embed_dim: 12
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Classifier.EmbedDim != 12 {
		t.Errorf("embed_dim = %d, want 12", cfg.Classifier.EmbedDim)
	}
	if cfg.Classifier.Epochs != classifier.DefaultOptions().Epochs {
		t.Errorf("epochs = %d, want the default %d", cfg.Classifier.Epochs, classifier.DefaultOptions().Epochs)
	}
	o := cfg.Featurizer.OpenAI
	if o == nil {
		t.Fatal("openai sub-config was not filled in")
	}
	if o.BaseURL != "https://api.openai.com/v1" || o.APIKeyEnv != "OPENAI_API_KEY" ||
		o.Model != "text-embedding-3-small" || o.TimeoutSecs != 30 {
		t.Errorf("openai defaults = %+v", o)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Classifier.SimilarityType = "inner"
	cfg.Classifier.HiddenLayersSizesA = []int{32, 16}
	cfg.Classifier.BatchSize = []int{8}
	cfg.Featurizer.Sequence = true
	cfg.Data.ModelDir = "out/models"
	cfg.Logging.Level = "debug"

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load after Save: %v", err)
	}
	if !reflect.DeepEqual(got, cfg) {
		t.Errorf("round trip changed the config:\n got %+v\nwant %+v", got, cfg)
	}
}

func TestModelMetaRoundTrip(t *testing.T) {
	opts := classifier.DefaultOptions()
	opts.SimilarityType = "inner"
	opts.EmbedDim = 12
	opts.Transformer = true
	meta := ModelMeta{Classifier: opts, ClassifierFile: "embedding_intent_classifier.ckpt"}

	dir := t.TempDir()
	if err := SaveModelMeta(dir, meta); err != nil {
		t.Fatalf("SaveModelMeta: %v", err)
	}
	got, err := LoadModelMeta(dir)
	if err != nil {
		t.Fatalf("LoadModelMeta: %v", err)
	}
	if !reflect.DeepEqual(got, meta) {
		t.Errorf("round trip changed the metadata:\n got %+v\nwant %+v", got, meta)
	}
}

func TestLoadModelMetaMissingFile(t *testing.T) {
	_, err := LoadModelMeta(t.TempDir())
	if err == nil {
		t.Fatal("LoadModelMeta read a metadata file that does not exist")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error %v does not unwrap to os.ErrNotExist", err)
	}
}

func TestLoadModelMetaRejectsEmptyRef(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), []byte(`{"classifier": {}}`), 0o644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	if _, err := LoadModelMeta(dir); err == nil {
		t.Error("LoadModelMeta accepted metadata without a classifier file")
	}
}
