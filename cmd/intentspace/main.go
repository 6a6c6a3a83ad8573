package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"intentspace/internal/classifier"
	"intentspace/internal/config"
	"intentspace/internal/dataset"
	"intentspace/internal/domain"
	"intentspace/internal/featurizer/countvec"
	"intentspace/internal/featurizer/openai"
	"intentspace/internal/intentstore"
	"intentspace/internal/logging"
	"intentspace/internal/pipeline"
	"intentspace/internal/tui"
)

func main() {
	_ = godotenv.Load()

	var cfgPath string
	var load bool
	flag.StringVar(&cfgPath, "config", "", "Path to YAML config file (optional; uses ~/.config/intentspace/config.yaml if not provided)")
	flag.BoolVar(&load, "load", false, "Reuse saved model artifacts instead of training")
	flag.Parse()

	var cfg *config.AppConfig
	var err error
	if cfgPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(cfgPath)
	}
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := logging.Setup(logging.Config{Level: cfg.Logging.Level, File: cfg.Logging.File}); err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}

	set, err := dataset.Load(cfg.Data.TrainFile)
	if err != nil {
		log.Fatalf("failed to load training data: %v", err)
	}
	for _, ic := range dataset.Profile(set) {
		logrus.WithFields(logrus.Fields{"intent": ic.Intent, "examples": ic.Count}).Debug("training data")
	}

	// Assemble components
	feat := buildFeaturizer(cfg)
	store := intentstore.New()

	var clf *classifier.EmbeddingClassifier
	if load {
		// A saved model directory is self-describing: the persisted
		// options take precedence over the live config so the restored
		// graph matches the saved weights.
		opts := cfg.Classifier
		meta, metaErr := config.LoadModelMeta(cfg.Data.ModelDir)
		switch {
		case metaErr == nil:
			opts = meta.Classifier
		case errors.Is(metaErr, os.ErrNotExist):
			logrus.Warnf("no metadata.json in %s, loading with the live config options", cfg.Data.ModelDir)
		default:
			log.Fatalf("failed to read model metadata: %v", metaErr)
		}
		clf, err = classifier.Load(cfg.Data.ModelDir, opts, store)
	} else {
		clf, err = classifier.NewEmbeddingClassifier(cfg.Classifier, store)
	}
	if err != nil {
		log.Fatalf("failed to set up the classifier: %v", err)
	}

	svc, err := pipeline.New(feat, clf, cfg.Featurizer.Sequence)
	if err != nil {
		log.Fatalf("failed to assemble the pipeline: %v", err)
	}

	var summary string
	if clf.Trained() {
		if err := svc.Prime(set); err != nil {
			log.Fatalf("failed to prepare the featurizer: %v", err)
		}
		summary = clf.Summary() + " (loaded)"
	} else {
		summary, err = svc.Train(context.Background(), set)
		if err != nil {
			log.Fatalf("training failed: %v", err)
		}
		ref, err := clf.Save(cfg.Data.ModelDir)
		if err != nil {
			log.Fatalf("failed to save the model: %v", err)
		}
		if ref != "" {
			meta := config.ModelMeta{Classifier: clf.Options(), ClassifierFile: ref}
			if err := config.SaveModelMeta(cfg.Data.ModelDir, meta); err != nil {
				log.Fatalf("failed to save model metadata: %v", err)
			}
			logrus.WithField("checkpoint", ref).Info("model saved")
		}
	}

	m := tui.New(svc, summary)
	if _, err := tea.NewProgram(m).Run(); err != nil {
		log.Fatal(err)
	}
}

// buildFeaturizer assembles the configured featurizer implementation.
func buildFeaturizer(cfg *config.AppConfig) domain.Featurizer {
	switch cfg.Featurizer.Type {
	case "countvec", "":
		return countvec.New(cfg.Featurizer.Lowercase)
	case "openai":
		if cfg.Featurizer.OpenAI == nil {
			log.Fatalf("openai featurizer config missing")
		}
		client, err := openai.NewClient(openai.Config{
			BaseURL:   cfg.Featurizer.OpenAI.BaseURL,
			APIKeyEnv: cfg.Featurizer.OpenAI.APIKeyEnv,
			Model:     cfg.Featurizer.OpenAI.Model,
			Timeout:   time.Duration(cfg.Featurizer.OpenAI.TimeoutSecs) * time.Second,
		})
		if err != nil {
			log.Fatalf("openai featurizer init failed: %v", err)
		}
		return client
	default:
		log.Fatalf("unknown featurizer: %s", cfg.Featurizer.Type)
		return nil
	}
}
