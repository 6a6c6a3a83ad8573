// Package dataset loads labelled training sets from JSON files and
// profiles their intent distribution.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"intentspace/internal/domain"
)

type fileExample struct {
	Text   string `json:"text"`
	Intent string `json:"intent"`
}

type fileSet struct {
	Examples []fileExample `json:"examples"`
}

// Load reads a training set from a JSON file of the form
// {"examples": [{"text": ..., "intent": ...}, ...]}. Examples with an
// empty text or intent are rejected.
func Load(path string) (domain.TrainingSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.TrainingSet{}, fmt.Errorf("dataset: %w", err)
	}
	var fs fileSet
	if err := json.Unmarshal(data, &fs); err != nil {
		return domain.TrainingSet{}, fmt.Errorf("dataset: decode %s: %w", path, err)
	}
	if len(fs.Examples) == 0 {
		return domain.TrainingSet{}, fmt.Errorf("dataset: %s holds no examples", path)
	}

	set := domain.TrainingSet{Examples: make([]domain.Example, 0, len(fs.Examples))}
	for i, ex := range fs.Examples {
		text := strings.TrimSpace(ex.Text)
		intent := strings.TrimSpace(ex.Intent)
		if text == "" || intent == "" {
			return domain.TrainingSet{}, fmt.Errorf("dataset: example %d in %s is missing text or intent", i, path)
		}
		set.Examples = append(set.Examples, domain.Example{Text: text, Intent: intent})
	}
	return set, nil
}

// IntentCount is one intent with its example count.
type IntentCount struct {
	Intent string
	Count  int
}

// Profile counts the examples per intent, most frequent first. Ties are
// broken by intent name so the profile is deterministic.
func Profile(set domain.TrainingSet) []IntentCount {
	counts := make(map[string]int)
	for _, ex := range set.Examples {
		counts[ex.Intent]++
	}
	out := make([]IntentCount, 0, len(counts))
	for intent, n := range counts {
		out = append(out, IntentCount{Intent: intent, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Intent < out[j].Intent
	})
	return out
}
