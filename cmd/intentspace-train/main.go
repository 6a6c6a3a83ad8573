package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"intentspace/internal/classifier"
	"intentspace/internal/config"
	"intentspace/internal/dataset"
	"intentspace/internal/featurizer/countvec"
	"intentspace/internal/intentstore"
	"intentspace/internal/logging"
	"intentspace/internal/pipeline"
)

// intentspace-train trains a model from a labelled dataset and writes
// the artifacts into the model directory, without the interactive UI.
func main() {
	_ = godotenv.Load()

	cfgPath := flag.String("config", "config.yaml", "Path to config YAML")
	trainFile := flag.String("data", "", "Training data JSON (overrides the config)")
	modelDir := flag.String("model-dir", "", "Model artifact directory (overrides the config)")
	logFile := flag.String("log-file", "", "Rotating log file (overrides the config)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *trainFile != "" {
		cfg.Data.TrainFile = *trainFile
	}
	if *modelDir != "" {
		cfg.Data.ModelDir = *modelDir
	}
	if *logFile != "" {
		cfg.Logging.File = *logFile
	}
	if err := logging.Setup(logging.Config{Level: cfg.Logging.Level, File: cfg.Logging.File}); err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}

	set, err := dataset.Load(cfg.Data.TrainFile)
	if err != nil {
		log.Fatalf("failed to load training data: %v", err)
	}
	profile := dataset.Profile(set)
	logrus.WithFields(logrus.Fields{
		"examples": len(set.Examples),
		"intents":  len(profile),
		"file":     cfg.Data.TrainFile,
	}).Info("training data loaded")
	for _, ic := range profile {
		logrus.WithFields(logrus.Fields{"intent": ic.Intent, "examples": ic.Count}).Debug("training data")
	}

	if cfg.Featurizer.Type != "countvec" && cfg.Featurizer.Type != "" {
		log.Fatalf("headless training supports the countvec featurizer, got %q", cfg.Featurizer.Type)
	}
	feat := countvec.New(cfg.Featurizer.Lowercase)

	clf, err := classifier.NewEmbeddingClassifier(cfg.Classifier, intentstore.New())
	if err != nil {
		log.Fatalf("failed to set up the classifier: %v", err)
	}
	svc, err := pipeline.New(feat, clf, cfg.Featurizer.Sequence)
	if err != nil {
		log.Fatalf("failed to assemble the pipeline: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := svc.Train(ctx, set)
	if err != nil {
		log.Fatalf("training failed: %v", err)
	}
	ref, err := clf.Save(cfg.Data.ModelDir)
	if err != nil {
		log.Fatalf("failed to save the model: %v", err)
	}
	if ref == "" {
		logrus.Warn("nothing was saved: the classifier stayed untrained")
		return
	}
	meta := config.ModelMeta{Classifier: clf.Options(), ClassifierFile: ref}
	if err := config.SaveModelMeta(cfg.Data.ModelDir, meta); err != nil {
		log.Fatalf("failed to save model metadata: %v", err)
	}
	logrus.WithFields(logrus.Fields{"dir": cfg.Data.ModelDir, "checkpoint": ref}).Info("model saved")
	logrus.Info(summary)
}
