// Package logits turns a model's output distribution into tokens and decides
// when a sequence is done generating.
package logits

import (
	"math"
	"math/rand"
)

// SamplerConfig configures the behaviour of a Sampler. A Temperature of 0
// selects deterministic greedy decoding; TopK and TopP of 0 disable their
// respective restrictions.
type SamplerConfig struct {
	Seed          int64
	Temperature   float32
	TopK          int
	TopP          float32
	RepeatPenalty float32
	RepeatLastN   int
}

// Sampler draws tokens from logits vectors according to one sequence's
// sampling configuration. Scratch buffers are reused across steps, so a
// Sampler must not be shared between sequences.
type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	greedy bool
	topIdx []int
	topVal []float32
	prob   []float64
}

// NewSampler returns a sampler for the given configuration. The Seed makes
// non-greedy sampling reproducible per sequence.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 0
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Sample draws one token id from the logits vector. recent is the tail of
// the sequence's token history, consulted only when a repeat penalty is
// configured.
//
// Greedy configurations return the argmax with ties broken by lowest token
// id. Otherwise the logits are scaled by the inverse temperature, optionally
// shortlisted to the top k, softmaxed, optionally truncated to the smallest
// prefix whose cumulative probability reaches top-p, renormalized and drawn
// from.
func (s *Sampler) Sample(logits []float32, recent []int) int {
	if s.cfg.RepeatPenalty > 1 && len(recent) > 0 {
		start := max(len(recent)-s.cfg.RepeatLastN, 0)
		for _, id := range recent[start:] {
			if id < 0 || id >= len(logits) {
				continue
			}
			if logits[id] > 0 {
				logits[id] /= s.cfg.RepeatPenalty
			} else {
				logits[id] *= s.cfg.RepeatPenalty
			}
		}
	}

	if s.greedy {
		return argmax(logits)
	}

	invTemp := 1 / s.cfg.Temperature
	k := len(logits)
	if s.cfg.TopK > 0 {
		k = min(s.cfg.TopK, len(logits))
	}

	topIdx, topVal := s.topK(logits, k, invTemp)
	if len(topVal) == 0 {
		return 0
	}

	// Softmax over the shortlist, subtracting the max for stability.
	maxv := topVal[0]
	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	var sum float64
	for i := range topVal {
		e := math.Exp(float64(topVal[i] - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 {
		return topIdx[0]
	}
	for i := range prob {
		prob[i] /= sum
	}

	// Top-p: keep the smallest prefix reaching the cumulative threshold,
	// then renormalize.
	if s.cfg.TopP < 1 {
		cut := len(prob)
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
		prob = prob[:cut]
		topIdx = topIdx[:cut]
		var kept float64
		for _, p := range prob {
			kept += p
		}
		if kept > 0 {
			for i := range prob {
				prob[i] /= kept
			}
		}
	}

	r := s.rng.Float64()
	var c float64
	for i := range prob {
		c += prob[i]
		if r <= c {
			return topIdx[i]
		}
	}
	return topIdx[len(topIdx)-1]
}

// argmax returns the index of the maximum value. Equal values resolve to
// the lowest index. Panics on an empty slice.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("logits: argmax of empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// topK returns the indices and values of the k largest elements, scaled by
// invTemp and ordered from largest to smallest. O(V*K) insertion, suitable
// for small k.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if k <= 0 {
		return nil, nil
	}
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range logits {
		v := l * invTemp

		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)
		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}
