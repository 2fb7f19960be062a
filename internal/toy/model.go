// Package toy provides a deterministic stand-in language model and
// vocabulary. It exists so the scheduler, the serving loop and the HTTP
// surface can be exercised end to end without model weights or an
// accelerator runtime.
package toy

import (
	"context"
	"math"
	"math/rand"

	"github.com/abhilash1910/ScaleLLM/internal/engine"
)

// LM is a minimal language model: an embedding matrix and a projection
// back to vocab logits. Each forward pass folds a sequence's unprocessed
// tokens into a position-weighted hidden state and projects it, so the
// logits depend on the whole visible context and nothing else. The same
// tokens always yield the same logits.
type LM struct {
	Vocab  int
	Hidden int

	emb  []float32 // [Vocab x Hidden], row major
	proj []float32 // [Hidden x Vocab], row major
}

// NewLM constructs a model with the given vocabulary and hidden size.
// Weights are filled pseudo-randomly from the seed.
func NewLM(vocab, hidden int, seed int64) *LM {
	m := &LM{
		Vocab:  vocab,
		Hidden: hidden,
		emb:    make([]float32, vocab*hidden),
		proj:   make([]float32, hidden*vocab),
	}
	fill(m.emb, seed+11)
	fill(m.proj, seed+23)
	return m
}

func fill(dst []float32, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range dst {
		dst[i] = float32(rng.NormFloat64()) * 0.1
	}
}

// Forward computes one logits row per sequence in the batch. The context
// is only consulted for cancellation between sequences.
func (m *LM) Forward(ctx context.Context, batch *engine.ForwardBatch) ([][]float32, error) {
	out := make([][]float32, len(batch.SeqIDs))
	for i := range batch.SeqIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = m.forwardOne(batch.Tokens[i], batch.Positions[i])
	}
	return out, nil
}

func (m *LM) forwardOne(tokens, positions []int) []float32 {
	h := make([]float32, m.Hidden)
	for k, tok := range tokens {
		if tok < 0 || tok >= m.Vocab {
			tok = ((tok % m.Vocab) + m.Vocab) % m.Vocab
		}
		// Later positions dominate, so generation is context sensitive
		// without any attention machinery.
		w := float32(math.Exp(float64(positions[k]) * 0.05))
		row := m.emb[tok*m.Hidden : (tok+1)*m.Hidden]
		for j, v := range row {
			h[j] += v * w
		}
	}
	norm := float32(0)
	for _, v := range h {
		norm += v * v
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(float64(norm)))
		for j := range h {
			h[j] *= inv
		}
	}

	logits := make([]float32, m.Vocab)
	for j := 0; j < m.Vocab; j++ {
		var sum float32
		for i := 0; i < m.Hidden; i++ {
			sum += h[i] * m.proj[i*m.Vocab+j]
		}
		logits[j] = sum
	}
	return logits
}
