// Package countvec turns text into count vectors over a vocabulary
// fitted on the training corpus. Besides summed bag-of-words vectors it
// produces per-token one-hot sequences for the sequence encoders.
package countvec

import (
	"errors"
	"regexp"
	"sort"
	"strings"
)

// Featurizer counts vocabulary terms. It must be prepared on a corpus
// before featurizing; tokens outside the vocabulary are dropped.
type Featurizer struct {
	vocabulary   map[string]int
	terms        []string
	lowercase    bool
	prepared     bool
	tokenPattern *regexp.Regexp
}

// New creates an unfitted count-vector featurizer.
func New(lowercase bool) *Featurizer {
	return &Featurizer{
		vocabulary:   make(map[string]int),
		lowercase:    lowercase,
		tokenPattern: regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*`),
	}
}

// Name returns the identifier of this featurizer implementation.
func (f *Featurizer) Name() string { return "countvec" }

// Prepare builds the vocabulary from the corpus, with terms in sorted
// order so feature indices are stable across runs.
func (f *Featurizer) Prepare(corpus []string) error {
	if len(corpus) == 0 {
		return errors.New("empty corpus for count-vector fit")
	}
	seen := make(map[string]struct{})
	for _, text := range corpus {
		for _, tok := range f.tokenize(text) {
			seen[tok] = struct{}{}
		}
	}
	terms := make([]string, 0, len(seen))
	for term := range seen {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	if len(terms) == 0 {
		return errors.New("no tokens found in corpus; ensure tokenizer supports your language")
	}

	f.vocabulary = make(map[string]int, len(terms))
	for i, term := range terms {
		f.vocabulary[term] = i
	}
	f.terms = terms
	f.prepared = true
	return nil
}

// Dimension returns the width of the produced feature vectors.
func (f *Featurizer) Dimension() int { return len(f.terms) }

// Featurize counts the known tokens of text over the vocabulary.
func (f *Featurizer) Featurize(text string) ([]float64, error) {
	if !f.prepared {
		return nil, errors.New("count-vector featurizer not prepared")
	}
	vec := make([]float64, len(f.terms))
	for _, tok := range f.tokenize(text) {
		if idx, ok := f.vocabulary[tok]; ok {
			vec[idx]++
		}
	}
	return vec, nil
}

// FeaturizeSequence maps each known token of text to its one-hot
// vocabulary row, preserving token order.
func (f *Featurizer) FeaturizeSequence(text string) ([][]float64, error) {
	if !f.prepared {
		return nil, errors.New("count-vector featurizer not prepared")
	}
	tokens := f.tokenize(text)
	rows := make([][]float64, 0, len(tokens))
	for _, tok := range tokens {
		idx, ok := f.vocabulary[tok]
		if !ok {
			continue
		}
		row := make([]float64, len(f.terms))
		row[idx] = 1
		rows = append(rows, row)
	}
	return rows, nil
}

func (f *Featurizer) tokenize(text string) []string {
	if f.lowercase {
		text = strings.ToLower(text)
	}
	return f.tokenPattern.FindAllString(text, -1)
}
