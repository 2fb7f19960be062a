// Package engine is the execution core of the serving process: it decides
// which requests join each forward batch, manages the cache blocks backing
// their attention history, and turns one model invocation per step into
// incremental token output for many concurrent clients.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/abhilash1910/ScaleLLM/internal/kvcache"
	"github.com/abhilash1910/ScaleLLM/internal/logger"
	"github.com/abhilash1910/ScaleLLM/internal/logits"
)

var (
	// ErrQueueFull is returned by Submit when the waiting queue is at its
	// configured depth.
	ErrQueueFull = errors.New("engine: waiting queue full")

	// ErrPromptTooLong is returned by Submit for prompts that could never
	// be admitted under the configured cache or batch budget.
	ErrPromptTooLong = errors.New("engine: prompt exceeds cache or batch capacity")

	// ErrUnknownSequence is returned for ids that are neither live nor
	// retained as terminal records.
	ErrUnknownSequence = errors.New("engine: unknown sequence")

	// ErrOutOfCapacity is surfaced by Step only in the degenerate case:
	// demand exists, nothing is running, and nothing could be admitted.
	ErrOutOfCapacity = kvcache.ErrOutOfCapacity
)

// Params configures a Scheduler.
type Params struct {
	CacheBlocks    int
	BlockSize      int
	MaxBatchTokens int
	MaxBatchSeqs   int
	MaxWaiting     int

	Model   Model
	Decoder logits.Decoder // optional, enables stop strings
	Logger  logger.Logger
}

// StepResult is one sequence's outcome of a step.
type StepResult struct {
	SeqID  int64
	Token  int
	Status Status
	Reason FinishReason
}

// StatusInfo is the pollable view of a sequence.
type StatusInfo struct {
	Status    Status
	Reason    FinishReason
	Generated int
	NewTokens []int // generated tokens since the previous poll
}

// Stats is a point-in-time gauge snapshot. StarvedSteps counting up across
// polls is the observable form of waiting-queue starvation.
type Stats struct {
	Waiting      int
	Running      int
	FreeBlocks   int
	UsedBlocks   int
	Steps        int64
	Preemptions  int64
	StarvedSteps int
}

// Scheduler owns every sequence's lifecycle and drives the step loop. One
// mutex covers sequence status, block ownership and the waiting queue;
// Submit and Cancel may be called from request-handling goroutines
// concurrently with Step. The model forward call runs outside the lock.
type Scheduler struct {
	mu     sync.Mutex
	log    logger.Logger
	alloc  *kvcache.Allocator
	driver *driver
	dec    logits.Decoder

	maxBatchTokens int
	maxBatchSeqs   int
	maxWaiting     int

	nextID int64
	ticket int64

	waiting []*Sequence // arrival order, preempted sequences re-enter at the front
	running []*Sequence // admission ticket order
	live    map[int64]*Sequence
	done    map[int64]*Sequence // terminal, retained until Purge

	inStep       bool
	steps        int64
	preemptions  int64
	starvedSteps int
}

// NewScheduler validates the parameters and builds a scheduler with an
// empty cache pool.
func NewScheduler(p Params) (*Scheduler, error) {
	if p.Model == nil {
		return nil, fmt.Errorf("engine: model is required")
	}
	if p.MaxBatchTokens <= 0 {
		return nil, fmt.Errorf("engine: max batch tokens must be positive, got %d", p.MaxBatchTokens)
	}
	if p.MaxBatchSeqs <= 0 {
		return nil, fmt.Errorf("engine: max batch sequences must be positive, got %d", p.MaxBatchSeqs)
	}
	if p.MaxWaiting <= 0 {
		return nil, fmt.Errorf("engine: max waiting depth must be positive, got %d", p.MaxWaiting)
	}
	alloc, err := kvcache.NewAllocator(p.CacheBlocks, p.BlockSize)
	if err != nil {
		return nil, err
	}
	log := p.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Scheduler{
		log:            log.With("component", "scheduler"),
		alloc:          alloc,
		driver:         &driver{model: p.Model, blockSize: p.BlockSize},
		dec:            p.Decoder,
		maxBatchTokens: p.MaxBatchTokens,
		maxBatchSeqs:   p.MaxBatchSeqs,
		maxWaiting:     p.MaxWaiting,
		live:           make(map[int64]*Sequence),
		done:           make(map[int64]*Sequence),
	}, nil
}

// Submit enqueues a new request and returns its sequence id. The prompt is
// copied. Fails with ErrQueueFull when the waiting queue is at capacity and
// ErrPromptTooLong when the prompt can never fit the cache or a single
// batch.
func (s *Scheduler) Submit(prompt []int, cfg SamplingConfig) (int64, error) {
	if len(prompt) == 0 {
		return 0, fmt.Errorf("engine: empty prompt")
	}
	if s.alloc.BlocksFor(len(prompt)+1) > s.alloc.Capacity() || len(prompt) > s.maxBatchTokens {
		return 0, fmt.Errorf("%w: %d prompt tokens", ErrPromptTooLong, len(prompt))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.waiting) >= s.maxWaiting {
		return 0, fmt.Errorf("%w: depth %d", ErrQueueFull, s.maxWaiting)
	}

	s.nextID++
	id := s.nextID
	seq := newSequence(id, prompt, cfg, s.alloc.NewTable(id), s.dec)
	s.waiting = append(s.waiting, seq)
	s.live[id] = seq
	s.log.Debug("submitted sequence", "seq", id, "prompt_tokens", len(prompt), "waiting", len(s.waiting))
	return id, nil
}

// Cancel marks the sequence cancelled. Safe at any time: a sequence not in
// the in-flight batch is finalized immediately, otherwise its output is
// suppressed and its blocks are released right after the current step
// completes.
func (s *Scheduler) Cancel(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.live[id]
	if !ok {
		if _, terminal := s.done[id]; terminal {
			return nil
		}
		return fmt.Errorf("%w: %d", ErrUnknownSequence, id)
	}
	wasRunning := seq.status == StatusRunning
	seq.status = StatusCancelled
	seq.reason = ReasonCancelled
	if !s.inStep || !wasRunning {
		s.finalize(seq)
	}
	s.log.Debug("cancelled sequence", "seq", id)
	return nil
}

// Step runs one batch through admission, forward execution and sampling,
// and applies the resulting state transitions. It is the unit of progress
// the serving loop invokes repeatedly. An empty return with nil error means
// there was nothing to do.
func (s *Scheduler) Step(ctx context.Context) ([]StepResult, error) {
	s.mu.Lock()
	s.collectCancelled()
	b, admitted := s.buildBatch()
	s.steps++

	if len(b.seqs) == 0 {
		demand := len(s.waiting)
		s.mu.Unlock()
		if demand > 0 {
			// Nothing running and nothing admittable: transient
			// capacity exhaustion, reported upward.
			return nil, fmt.Errorf("engine: %d sequences waiting, none admittable: %w", demand, ErrOutOfCapacity)
		}
		return nil, nil
	}
	if admitted == 0 && len(s.waiting) > 0 {
		s.starvedSteps++
		if s.starvedSteps > 0 && s.starvedSteps%64 == 0 {
			s.log.Warn("waiting queue starved", "steps", s.starvedSteps, "waiting", len(s.waiting))
		}
	} else if admitted > 0 {
		s.starvedSteps = 0
	}
	s.inStep = true
	s.mu.Unlock()

	out, err := s.driver.run(ctx, b)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inStep = false

	if err != nil {
		for _, seq := range b.seqs {
			if seq.status.Terminal() {
				continue
			}
			seq.status = StatusFinished
			seq.reason = ReasonExecutionError
			s.finalize(seq)
		}
		s.log.Error("forward execution failed", "batch", len(b.seqs), "err", err)
		return nil, err
	}

	results := make([]StepResult, 0, len(b.seqs))
	for i, seq := range b.seqs {
		s.alloc.Advance(seq.table, b.pending[i])

		// Cancelled mid-batch: the step completed with last-known
		// state, output is suppressed and blocks are released now.
		if seq.status == StatusCancelled {
			s.finalize(seq)
			results = append(results, StepResult{SeqID: seq.id, Token: -1, Status: StatusCancelled, Reason: ReasonCancelled})
			continue
		}

		token := seq.sampler.Sample(out[i], seq.tokens)
		seq.append(token)
		reason := seq.stop.Observe(token, seq.Generated())
		if reason != logits.StopNone {
			seq.status = StatusFinished
			seq.reason = FinishReason(reason)
			s.finalize(seq)
		}
		results = append(results, StepResult{SeqID: seq.id, Token: token, Status: seq.status, Reason: seq.reason})
	}

	s.verify()
	return results, nil
}

// Status returns the sequence's state and the tokens generated since the
// previous poll. Terminal sequences stay queryable until Purge.
func (s *Scheduler) Status(id int64) (StatusInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.live[id]
	if !ok {
		if seq, ok = s.done[id]; !ok {
			return StatusInfo{}, fmt.Errorf("%w: %d", ErrUnknownSequence, id)
		}
	}
	generated := seq.tokens[seq.promptLen:]
	fresh := append([]int(nil), generated[seq.polled:]...)
	seq.polled = len(generated)
	return StatusInfo{
		Status:    seq.status,
		Reason:    seq.reason,
		Generated: len(generated),
		NewTokens: fresh,
	}, nil
}

// Purge drops a terminal sequence's record. Returns false if the id is not
// a retained terminal sequence.
func (s *Scheduler) Purge(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.done[id]; !ok {
		return false
	}
	delete(s.done, id)
	return true
}

// HasWork reports whether any sequence is waiting or running.
func (s *Scheduler) HasWork() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiting)+len(s.running) > 0
}

// Stats returns a snapshot of the scheduler's gauges.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Waiting:      len(s.waiting),
		Running:      len(s.running),
		FreeBlocks:   s.alloc.FreeCount(),
		UsedBlocks:   s.alloc.UsedCount(),
		Steps:        s.steps,
		Preemptions:  s.preemptions,
		StarvedSteps: s.starvedSteps,
	}
}

// collectCancelled finalizes cancelled sequences still sitting in the
// queues. Called at the top of every step under the lock.
func (s *Scheduler) collectCancelled() {
	for _, seq := range append(append([]*Sequence(nil), s.waiting...), s.running...) {
		if seq.status == StatusCancelled {
			s.finalize(seq)
		}
	}
}

// finalize releases a terminal sequence's blocks, removes it from the live
// set and retains its record for status queries.
func (s *Scheduler) finalize(seq *Sequence) {
	s.alloc.Release(seq.table)
	s.removeRunning(seq)
	for i, w := range s.waiting {
		if w == seq {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			break
		}
	}
	delete(s.live, seq.id)
	s.done[seq.id] = seq
	s.log.Debug("finalized sequence", "seq", seq.id, "status", seq.status.String(), "reason", string(seq.reason), "generated", seq.Generated())
}

// verify cross-checks block ownership against every live table at the end
// of a step. Any inconsistency is fatal.
func (s *Scheduler) verify() {
	tables := make([]*kvcache.Table, 0, len(s.live))
	for _, seq := range s.live {
		tables = append(tables, seq.table)
	}
	s.alloc.Verify(tables)
	for _, seq := range s.running {
		if seq.table.Len()*s.alloc.BlockSize() < seq.Len() {
			panic(fmt.Sprintf("engine: sequence %d has %d blocks for %d tokens",
				seq.id, seq.table.Len(), seq.Len()))
		}
	}
}
