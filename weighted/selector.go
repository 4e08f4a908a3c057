// Package weighted implements probabilistic choice among alternatives
// proportional to their weights.
package weighted

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"math"
	"math/rand/v2"
	"sort"
)

type entry[T any] struct {
	item   T
	weight float64
}

// Selector picks one of its items with probability weight/total.
// A Selector is not safe for concurrent use; build one per selection.
type Selector[T any] struct {
	rng     *rand.Rand
	entries []entry[T]
	prefix  []float64
	dirty   bool
}

// New returns an empty selector drawing from rng. A nil rng uses the
// package-level generator of math/rand/v2.
func New[T any](rng *rand.Rand) *Selector[T] {
	return &Selector[T]{rng: rng}
}

// NewRand returns a PCG generator seeded from crypto/rand.
func NewRand() *rand.Rand {
	var seed [16]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		seed = [16]byte{}
	}
	return rand.New(rand.NewPCG(binary.BigEndian.Uint64(seed[:8]), binary.BigEndian.Uint64(seed[8:])))
}

// Add appends an item. Negative weights count as zero.
func (s *Selector[T]) Add(item T, weight float64) {
	if weight < 0 || math.IsNaN(weight) {
		weight = 0
	}
	s.entries = append(s.entries, entry[T]{item: item, weight: weight})
	s.dirty = true
}

// Len returns the number of items added.
func (s *Selector[T]) Len() int { return len(s.entries) }

// Total returns the sum of all weights.
func (s *Selector[T]) Total() float64 {
	s.build()
	if len(s.prefix) == 0 {
		return 0
	}
	return s.prefix[len(s.prefix)-1]
}

// Pick returns one item. When every weight is zero the choice is uniform.
// ok is false only for an empty selector.
func (s *Selector[T]) Pick() (item T, ok bool) {
	n := len(s.entries)
	if n == 0 {
		return item, false
	}
	total := s.Total()
	if total <= 0 {
		return s.entries[s.intN(n)].item, true
	}
	draw := s.float64() * total
	// first cumulative weight strictly greater than the draw
	i := sort.Search(n, func(i int) bool { return s.prefix[i] > draw })
	if i >= n {
		i = n - 1
	}
	return s.entries[i].item, true
}

func (s *Selector[T]) build() {
	if !s.dirty && len(s.prefix) == len(s.entries) {
		return
	}
	s.prefix = s.prefix[:0]
	var sum float64
	for _, e := range s.entries {
		sum += e.weight
		s.prefix = append(s.prefix, sum)
	}
	s.dirty = false
}

func (s *Selector[T]) float64() float64 {
	if s.rng == nil {
		return rand.Float64()
	}
	return s.rng.Float64()
}

func (s *Selector[T]) intN(n int) int {
	if s.rng == nil {
		return rand.IntN(n)
	}
	return s.rng.IntN(n)
}
