package logits

import "testing"

func TestGreedyPicksArgmax(t *testing.T) {
	t.Parallel()
	logs := []float32{-1, 5, 3, 7, 2}
	s := NewSampler(SamplerConfig{Temperature: 0})
	if got := s.Sample(logs, nil); got != 3 {
		t.Fatalf("greedy sample: got %d, want 3", got)
	}
}

func TestGreedyTieBreaksLowestID(t *testing.T) {
	t.Parallel()
	logs := []float32{1, 4, 4, 4}
	s := NewSampler(SamplerConfig{Temperature: 0})
	if got := s.Sample(logs, nil); got != 1 {
		t.Fatalf("tie break: got %d, want 1", got)
	}
}

func TestGreedyIsDeterministic(t *testing.T) {
	t.Parallel()
	logs := []float32{0.1, 0.9, 0.3, 0.9, 0.2}
	s := NewSampler(SamplerConfig{Temperature: 0})
	first := s.Sample(logs, nil)
	for i := 0; i < 50; i++ {
		if got := s.Sample(logs, nil); got != first {
			t.Fatalf("run %d: got %d, want %d", i, got, first)
		}
	}
}

func TestSeededSamplingIsReproducible(t *testing.T) {
	t.Parallel()
	logs := []float32{0, 1, 2, 3, 4, 5}
	s1 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	s2 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	for i := 0; i < 20; i++ {
		a := s1.Sample(append([]float32(nil), logs...), nil)
		b := s2.Sample(append([]float32(nil), logs...), nil)
		if a != b {
			t.Fatalf("draw %d: got %d vs %d", i, a, b)
		}
	}
}

func TestTopPRestrictsToDominantToken(t *testing.T) {
	t.Parallel()
	// Index 0 dominates the softmax, so with top-p 0.5 it is the only
	// candidate left after truncation.
	logs := []float32{10, 0, 0, 0, 0}
	s := NewSampler(SamplerConfig{Seed: 7, Temperature: 1, TopP: 0.5})
	for i := 0; i < 20; i++ {
		if got := s.Sample(append([]float32(nil), logs...), nil); got != 0 {
			t.Fatalf("top-p sampling returned index %d, want 0", got)
		}
	}
}

func TestTopKRestrictsCandidates(t *testing.T) {
	t.Parallel()
	logs := []float32{1, 8, 9, 2, 3}
	s := NewSampler(SamplerConfig{Seed: 3, Temperature: 1, TopK: 2})
	for i := 0; i < 50; i++ {
		got := s.Sample(append([]float32(nil), logs...), nil)
		if got != 1 && got != 2 {
			t.Fatalf("top-k=2 sampled index %d outside the top two", got)
		}
	}
}

func TestRepeatPenaltyDemotesRecentTokens(t *testing.T) {
	t.Parallel()
	logs := []float32{2.0, 1.9}
	s := NewSampler(SamplerConfig{Temperature: 0, RepeatPenalty: 2})
	// Token 0 was just emitted; penalised, token 1 wins.
	if got := s.Sample(logs, []int{0}); got != 1 {
		t.Fatalf("penalised sample: got %d, want 1", got)
	}
}
