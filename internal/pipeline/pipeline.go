// Package pipeline wires a featurizer and the embedding classifier into
// the application-facing intent service.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"intentspace/internal/classifier"
	"intentspace/internal/domain"
)

// Service featurizes raw text and delegates training and prediction to
// the classifier. It implements domain.IntentService.
type Service struct {
	featurizer domain.Featurizer
	clf        *classifier.EmbeddingClassifier
	sequence   bool
}

// New assembles the service. With sequence on, the featurizer must
// produce per-token rows.
func New(featurizer domain.Featurizer, clf *classifier.EmbeddingClassifier, sequence bool) (*Service, error) {
	if featurizer == nil {
		return nil, fmt.Errorf("pipeline: nil featurizer")
	}
	if clf == nil {
		return nil, fmt.Errorf("pipeline: nil classifier")
	}
	if sequence {
		if _, ok := featurizer.(domain.SequenceFeaturizer); !ok {
			return nil, fmt.Errorf("pipeline: featurizer %q cannot produce token sequences", featurizer.Name())
		}
	}
	return &Service{featurizer: featurizer, clf: clf, sequence: sequence}, nil
}

// Train fits the featurizer on the corpus, featurizes every example and
// trains the classifier. It returns the model summary line.
func (s *Service) Train(ctx context.Context, set domain.TrainingSet) (string, error) {
	if len(set.Examples) == 0 {
		return "", fmt.Errorf("pipeline: empty training set")
	}
	if err := s.Prime(set); err != nil {
		return "", err
	}

	opts := s.clf.Options()
	instances := make([]classifier.Instance, 0, len(set.Examples))
	for i, ex := range set.Examples {
		msg, err := s.featurize(ex.Text)
		if err != nil {
			return "", fmt.Errorf("pipeline: example %d: %w", i, err)
		}
		in := classifier.Instance{Message: msg, Intent: ex.Intent}
		if opts.IntentTokenization {
			feats, err := s.featurizer.Featurize(intentText(ex.Intent, opts.IntentSplitSymbol))
			if err != nil {
				return "", fmt.Errorf("pipeline: intent %q: %w", ex.Intent, err)
			}
			in.IntentFeatures = feats
		}
		instances = append(instances, in)
	}

	if err := s.clf.Train(ctx, instances); err != nil {
		return "", err
	}
	return s.clf.Summary(), nil
}

// Prime fits the featurizer on the training corpus without touching the
// classifier. Used when a trained model is loaded from disk and only
// the featurizer needs its vocabulary back.
func (s *Service) Prime(set domain.TrainingSet) error {
	opts := s.clf.Options()
	corpus := make([]string, 0, len(set.Examples))
	for _, ex := range set.Examples {
		corpus = append(corpus, ex.Text)
	}
	if opts.IntentTokenization {
		seen := make(map[string]struct{})
		for _, ex := range set.Examples {
			if _, ok := seen[ex.Intent]; ok {
				continue
			}
			seen[ex.Intent] = struct{}{}
			corpus = append(corpus, intentText(ex.Intent, opts.IntentSplitSymbol))
		}
	}
	if err := s.featurizer.Prepare(corpus); err != nil {
		return fmt.Errorf("pipeline: prepare featurizer: %w", err)
	}
	return nil
}

// Classify featurizes one utterance and ranks the known intents.
func (s *Service) Classify(text string) (domain.Prediction, error) {
	msg, err := s.featurize(text)
	if err != nil {
		return domain.Prediction{}, fmt.Errorf("pipeline: %w", err)
	}
	return s.clf.Predict(msg)
}

func (s *Service) featurize(text string) (domain.Message, error) {
	msg := domain.Message{Text: text}
	if s.sequence {
		rows, err := s.featurizer.(domain.SequenceFeaturizer).FeaturizeSequence(text)
		if err != nil {
			return domain.Message{}, err
		}
		msg.SequenceFeatures = rows
		return msg, nil
	}
	vec, err := s.featurizer.Featurize(text)
	if err != nil {
		return domain.Message{}, err
	}
	msg.Features = vec
	return msg, nil
}

// intentText turns a composite intent label into featurizable text.
func intentText(intent, splitSymbol string) string {
	if splitSymbol == "" {
		return intent
	}
	return strings.Join(strings.Split(intent, splitSymbol), " ")
}
