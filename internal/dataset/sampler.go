package dataset

import (
	"math/rand"
	"sort"
)

// BalancedSampler draws sample indices with replacement, each sample weighted
// by the inverse of its class size, so every class is drawn about equally often
// whatever its file count.
type BalancedSampler struct {
	cumulative []float64
}

func NewBalancedSampler(labels []int, numClasses int) *BalancedSampler {
	counts := make([]int, numClasses)
	for _, l := range labels {
		counts[l]++
	}

	s := &BalancedSampler{cumulative: make([]float64, len(labels))}
	total := 0.0
	for i, l := range labels {
		c := counts[l]
		if c == 0 {
			c = 1
		}
		total += 1 / float64(c)
		s.cumulative[i] = total
	}
	return s
}

func (s *BalancedSampler) Len() int { return len(s.cumulative) }

// Draw returns one sample index. It panics on an empty sampler.
func (s *BalancedSampler) Draw(rng *rand.Rand) int {
	total := s.cumulative[len(s.cumulative)-1]
	u := rng.Float64() * total
	i := sort.SearchFloat64s(s.cumulative, u)
	if i >= len(s.cumulative) {
		i = len(s.cumulative) - 1
	}
	// SearchFloat64s finds the first value >= u; an exact hit belongs to the next bucket
	for i+1 < len(s.cumulative) && s.cumulative[i] == u {
		i++
	}
	return i
}

// Epoch draws n indices, the ordering of one training epoch.
func (s *BalancedSampler) Epoch(rng *rand.Rand, n int) []int {
	if s.Len() == 0 {
		return nil
	}
	order := make([]int, n)
	for i := range order {
		order[i] = s.Draw(rng)
	}
	return order
}
