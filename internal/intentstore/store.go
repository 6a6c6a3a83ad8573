// Package intentstore keeps the trained intent embeddings in memory and
// ranks every intent against a query embedding by brute force.
package intentstore

import (
	"errors"
	"sync"

	"gonum.org/v1/gonum/floats"

	"intentspace/internal/domain"
)

// Store is an in-memory intent table. Ranking is exact and returns every
// intent: confidence post-processing downstream needs the full score
// vector, not a top-k cut.
type Store struct {
	mu        sync.RWMutex
	dimension int
	names     []string
	vectors   [][]float64
	index     map[string]int
}

// New returns an empty store; Init sets the embedding width before use.
func New() *Store { return &Store{} }

func (s *Store) Init(dimension int) error {
	if dimension <= 0 {
		return errors.New("invalid dimension")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dimension = dimension
	s.names = nil
	s.vectors = nil
	s.index = make(map[string]int)
	return nil
}

// Upsert stores the labeled vectors, replacing the vector of any label
// already present.
func (s *Store) Upsert(labels []string, vectors [][]float64) error {
	if len(labels) != len(vectors) {
		return errors.New("labels and vectors length mismatch")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dimension == 0 {
		return errors.New("store is not initialized")
	}
	for _, v := range vectors {
		if len(v) != s.dimension {
			return errors.New("vector dimension mismatch")
		}
	}
	for i, label := range labels {
		v := append([]float64(nil), vectors[i]...)
		if j, ok := s.index[label]; ok {
			s.vectors[j] = v
			continue
		}
		s.index[label] = len(s.names)
		s.names = append(s.names, label)
		s.vectors = append(s.vectors, v)
	}
	return nil
}

// RankAll scores every stored intent against the query embedding and
// returns them in descending score order.
func (s *Store) RankAll(vector []float64) ([]domain.IntentScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(vector) != s.dimension {
		return nil, errors.New("vector dimension mismatch")
	}
	scores := make([]float64, len(s.vectors))
	for i := range s.vectors {
		scores[i] = floats.Dot(s.vectors[i], vector)
	}
	idxs := argsortDesc(scores)
	out := make([]domain.IntentScore, len(idxs))
	for i, j := range idxs {
		out[i] = domain.IntentScore{Name: s.names[j], Confidence: scores[j]}
	}
	return out, nil
}

// Len reports the number of stored intents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.names)
}

func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = nil
	s.vectors = nil
	s.index = make(map[string]int)
	return nil
}

func argsortDesc(vals []float64) []int {
	idxs := make([]int, len(vals))
	for i := range vals {
		idxs[i] = i
	}
	quicksort(idxs, vals, 0, len(idxs)-1)
	return idxs
}

func quicksort(idxs []int, vals []float64, lo, hi int) {
	if lo >= hi {
		return
	}
	i, j := lo, hi
	pivot := vals[idxs[(lo+hi)/2]]
	for i <= j {
		for vals[idxs[i]] > pivot { // desc order
			i++
		}
		for vals[idxs[j]] < pivot {
			j--
		}
		if i <= j {
			idxs[i], idxs[j] = idxs[j], idxs[i]
			i++
			j--
		}
	}
	if lo < j {
		quicksort(idxs, vals, lo, j)
	}
	if i < hi {
		quicksort(idxs, vals, i, hi)
	}
}
