package engine

import (
	"context"
	"fmt"
)

// ForwardBatch is the step-scoped input to one model invocation. Slices are
// indexed per sequence; positions are absolute and block tables are
// snapshots of each sequence's cache mapping at build time.
type ForwardBatch struct {
	SeqIDs      []int64
	Tokens      [][]int
	Positions   [][]int
	BlockTables [][]int
	BlockSize   int
}

// Model is the external forward contract. Forward computes attention over
// the supplied batch, writes key/value entries for the processed tokens into
// the cache slots named by the block tables, and returns one logits vector
// per sequence for its last position. It must not touch the scheduler's data
// model.
type Model interface {
	Forward(ctx context.Context, batch *ForwardBatch) ([][]float32, error)
}

// ForwardError reports a failed model invocation. The failure is fatal for
// the step: every sequence in the batch is finished with an execution error.
type ForwardError struct {
	SeqIDs []int64
	Err    error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("engine: forward failed for %d sequences: %v", len(e.SeqIDs), e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }

// driver constructs forward inputs and invokes the model. It holds no state
// between steps and never retries; failures propagate to the scheduler.
type driver struct {
	model     Model
	blockSize int
}

func (d *driver) run(ctx context.Context, batch *batch) ([][]float32, error) {
	fb := &ForwardBatch{
		SeqIDs:      make([]int64, len(batch.seqs)),
		Tokens:      make([][]int, len(batch.seqs)),
		Positions:   make([][]int, len(batch.seqs)),
		BlockTables: make([][]int, len(batch.seqs)),
		BlockSize:   d.blockSize,
	}
	for i, seq := range batch.seqs {
		start := seq.table.Filled()
		n := batch.pending[i]
		positions := make([]int, n)
		for p := range positions {
			positions[p] = start + p
		}
		fb.SeqIDs[i] = seq.id
		fb.Tokens[i] = append([]int(nil), seq.tokens[start:start+n]...)
		fb.Positions[i] = positions
		fb.BlockTables[i] = append([]int(nil), seq.table.Blocks()...)
	}

	out, err := d.model.Forward(ctx, fb)
	if err != nil {
		return nil, &ForwardError{SeqIDs: fb.SeqIDs, Err: err}
	}
	if len(out) != len(batch.seqs) {
		return nil, &ForwardError{
			SeqIDs: fb.SeqIDs,
			Err:    fmt.Errorf("model returned %d logits vectors for %d sequences", len(out), len(batch.seqs)),
		}
	}
	return out, nil
}
