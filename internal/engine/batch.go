package engine

import "errors"

// batch is the transient outcome of one admission pass: the sequences
// selected for the next forward call and, per sequence, how many tokens it
// contributes. Built fresh each step, never persisted.
type batch struct {
	seqs    []*Sequence
	pending []int
}

func (b *batch) tokens() int {
	total := 0
	for _, n := range b.pending {
		total += n
	}
	return total
}

// buildBatch applies the continuous-batching admission policy under the
// scheduler lock. Running sequences are carried forward first, preempting
// the most recently admitted sequence when the cache cannot grow; remaining
// token and sequence budget is filled from the waiting queue in arrival
// order. Returns the batch and the number of newly admitted sequences.
func (s *Scheduler) buildBatch() (*batch, int) {
	b := &batch{}

	// Phase 1: carry running sequences. s.running is ordered by admission
	// ticket, so the slice tail is always the most recently admitted
	// sequence, and any preemption victim is taken from there before the
	// cursor reaches it.
	for i := 0; i < len(s.running); {
		seq := s.running[i]
		n := seq.pending()

		grown := false
		for {
			// Reserve room for the unprocessed tokens plus the one
			// sampled at the end of this step.
			err := s.alloc.Grow(seq.table, n+1)
			if err == nil {
				grown = true
				break
			}
			if !errors.Is(err, ErrOutOfCapacity) {
				panic("engine: unexpected grow failure: " + err.Error())
			}
			victim := s.running[len(s.running)-1]
			s.preempt(victim)
			if victim == seq {
				break
			}
		}
		if !grown {
			continue // seq was preempted, slice shifted under the cursor
		}

		b.seqs = append(b.seqs, seq)
		b.pending = append(b.pending, n)
		i++
	}

	// Phase 2: admit from the waiting queue, first come first served.
	// Admission stops at the first sequence that does not fit; later
	// arrivals never jump the queue.
	admitted := 0
	for len(s.waiting) > 0 {
		seq := s.waiting[0]
		n := seq.pending()

		if len(b.seqs) >= s.maxBatchSeqs {
			break
		}
		if b.tokens()+n > s.maxBatchTokens {
			break
		}
		if s.alloc.FreeCount() < s.alloc.BlocksFor(seq.Len()+1) {
			break
		}
		if err := s.alloc.Grow(seq.table, n+1); err != nil {
			break
		}

		s.waiting = s.waiting[1:]
		seq.status = StatusRunning
		s.ticket++
		seq.ticket = s.ticket
		s.running = append(s.running, seq)
		b.seqs = append(b.seqs, seq)
		b.pending = append(b.pending, n)
		admitted++
	}

	return b, admitted
}

// preempt forcibly removes a running sequence from the cache. Its generated
// tokens are retained, so it resumes by re-prefilling its whole history
// once readmitted; it re-enters the front of the waiting queue and keeps
// its FCFS position relative to later arrivals.
func (s *Scheduler) preempt(seq *Sequence) {
	s.alloc.Release(seq.table)
	s.removeRunning(seq)
	seq.status = StatusPreempted
	s.waiting = append([]*Sequence{seq}, s.waiting...)
	s.preemptions++
	s.log.Warn("preempted sequence", "seq", seq.id, "len", seq.Len(), "free_blocks", s.alloc.FreeCount())
}

func (s *Scheduler) removeRunning(seq *Sequence) {
	for i, r := range s.running {
		if r == seq {
			s.running = append(s.running[:i], s.running[i+1:]...)
			return
		}
	}
}
