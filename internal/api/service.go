package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/abhilash1910/ScaleLLM/internal/engine"
	"github.com/abhilash1910/ScaleLLM/internal/logger"
	"github.com/abhilash1910/ScaleLLM/internal/toy"
)

// TokenEvent is one sampled token fanned out to a generation's subscriber.
// The subscriber channel is closed when the generation reaches a terminal
// state; the final record is read back from the store.
type TokenEvent struct {
	Token int
	Text  string
}

// Defaults are the sampling values applied when a request omits them.
type Defaults struct {
	MaxTokens   int
	Temperature float64
	TopK        int
	TopP        float64
}

// GenerationService owns the scheduler and pumps it from a single
// background loop. Handlers submit work and subscribe; the loop steps the
// scheduler, decodes sampled tokens and fans them out.
type GenerationService struct {
	sched    *engine.Scheduler
	vocab    *toy.Vocabulary
	store    *GenerationStore
	defaults Defaults
	log      logger.Logger

	mu           sync.Mutex
	subs         map[int64]chan TokenEvent
	pendingPurge map[int64]struct{}
	kick         chan struct{}
}

func NewGenerationService(sched *engine.Scheduler, vocab *toy.Vocabulary, store *GenerationStore, defaults Defaults, log logger.Logger) *GenerationService {
	if log == nil {
		log = logger.Default()
	}
	return &GenerationService{
		sched:        sched,
		vocab:        vocab,
		store:        store,
		defaults:     defaults,
		log:          log,
		subs:         make(map[int64]chan TokenEvent),
		pendingPurge: make(map[int64]struct{}),
		kick:         make(chan struct{}, 1),
	}
}

// Submit tokenizes the request if needed, enqueues it on the scheduler and
// returns the new record with a subscription for its tokens.
func (s *GenerationService) Submit(req *GenerateRequest) (Generation, <-chan TokenEvent, error) {
	tokens := req.Tokens
	if len(tokens) == 0 {
		if req.Prompt == "" {
			return Generation{}, nil, newInvalidRequest("prompt or tokens required")
		}
		tokens = s.vocab.Encode(req.Prompt)
	}

	cfg := engine.SamplingConfig{
		Temperature: float32(s.defaults.Temperature),
		TopK:        s.defaults.TopK,
		TopP:        float32(s.defaults.TopP),
		MaxTokens:   s.defaults.MaxTokens,
		Seed:        time.Now().UnixNano(),
		StopTokens:  []int{s.vocab.EOS()},
		StopStrings: req.Stop,
	}
	if req.Temperature != nil {
		cfg.Temperature = float32(*req.Temperature)
	}
	if req.TopK != nil {
		cfg.TopK = *req.TopK
	}
	if req.TopP != nil {
		cfg.TopP = float32(*req.TopP)
	}
	if req.MaxTokens != nil {
		cfg.MaxTokens = *req.MaxTokens
	}
	if req.Seed != nil {
		cfg.Seed = *req.Seed
	}

	// Registration must be atomic with submission: once Submit returns,
	// the step loop may admit, finish and deliver the sequence, and
	// deliver serializes on the same lock. The record and subscriber
	// therefore exist before any result can be observed.
	s.mu.Lock()
	seqID, err := s.sched.Submit(tokens, cfg)
	if err != nil {
		s.mu.Unlock()
		return Generation{}, nil, err
	}
	gen := s.store.Create(seqID, len(tokens), time.Now())
	ch := make(chan TokenEvent, 256)
	s.subs[seqID] = ch
	s.mu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
	return *gen, ch, nil
}

// Cancel stops the generation behind the public id. Idempotent.
func (s *GenerationService) Cancel(id string) (Generation, bool) {
	gen, ok := s.store.Get(id)
	if !ok {
		return Generation{}, false
	}
	if err := s.sched.Cancel(gen.SeqID); err != nil && !errors.Is(err, engine.ErrUnknownSequence) {
		s.log.Warn("cancel failed", "generation", id, "err", err)
	}
	s.store.Finish(gen.SeqID, statusCancelled, string(engine.ReasonCancelled))
	s.closeSub(gen.SeqID)
	gen, _ = s.store.Get(id)
	return gen, true
}

// Delete cancels the generation if still active, purges the scheduler
// record and drops it from the store.
func (s *GenerationService) Delete(id string) bool {
	gen, ok := s.store.Get(id)
	if !ok {
		return false
	}
	s.Cancel(id)
	if !s.sched.Purge(gen.SeqID) {
		// The sequence is mid-step; the scheduler finalizes it when the
		// step completes. Retry from the serving loop.
		s.mu.Lock()
		s.pendingPurge[gen.SeqID] = struct{}{}
		s.mu.Unlock()
	}
	_, ok = s.store.Delete(id)
	return ok
}

// sweepPurges retries scheduler purges that were deferred because the
// sequence was still part of an in-flight step.
func (s *GenerationService) sweepPurges() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for seqID := range s.pendingPurge {
		if s.sched.Purge(seqID) {
			delete(s.pendingPurge, seqID)
		}
	}
}

func (s *GenerationService) Stats() StatsResponse {
	st := s.sched.Stats()
	return StatsResponse{
		Waiting:      st.Waiting,
		Running:      st.Running,
		FreeBlocks:   st.FreeBlocks,
		UsedBlocks:   st.UsedBlocks,
		Steps:        st.Steps,
		Preemptions:  st.Preemptions,
		StarvedSteps: st.StarvedSteps,
	}
}

// Run is the serving loop: step the scheduler while it has work, sleep on
// the kick channel while it does not. Returns when the context is done.
func (s *GenerationService) Run(ctx context.Context) error {
	s.log.Info("generation loop started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.sched.HasWork() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.kick:
			}
			continue
		}

		results, err := s.sched.Step(ctx)
		if err != nil {
			s.handleStepError(err)
		} else {
			for _, r := range results {
				s.deliver(r)
			}
		}
		s.sweepPurges()
	}
}

func (s *GenerationService) handleStepError(err error) {
	var fwdErr *engine.ForwardError
	switch {
	case errors.As(err, &fwdErr):
		s.log.Error("model execution failed", "sequences", len(fwdErr.SeqIDs), "err", err)
		for _, seqID := range fwdErr.SeqIDs {
			s.store.Finish(seqID, statusFailed, string(engine.ReasonExecutionError))
			s.closeSub(seqID)
		}
	case errors.Is(err, engine.ErrOutOfCapacity):
		// Nothing running and nothing fits. Back off so the loop does
		// not spin while clients hold their queue slots.
		s.log.Warn("cache exhausted with work queued", "err", err)
		time.Sleep(10 * time.Millisecond)
	default:
		s.log.Error("step failed", "err", err)
		time.Sleep(10 * time.Millisecond)
	}
}

// deliver runs under the service lock so it always observes a sequence
// that Submit has fully registered.
func (s *GenerationService) deliver(r engine.StepResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Status == engine.StatusCancelled {
		s.store.Finish(r.SeqID, statusCancelled, string(engine.ReasonCancelled))
		s.closeSubLocked(r.SeqID)
		return
	}

	text, err := s.vocab.Decode([]int{r.Token})
	if err != nil {
		text = fmt.Sprintf("<%d>", r.Token)
	}
	s.store.Append(r.SeqID, text)

	if ch, ok := s.subs[r.SeqID]; ok {
		select {
		case ch <- TokenEvent{Token: r.Token, Text: text}:
		default:
			// Subscriber is not draining; it recovers the full text
			// from the store.
		}
	}

	if r.Status == engine.StatusFinished {
		s.store.Finish(r.SeqID, statusCompleted, string(r.Reason))
		s.closeSubLocked(r.SeqID)
	}
}

func (s *GenerationService) closeSub(seqID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeSubLocked(seqID)
}

func (s *GenerationService) closeSubLocked(seqID int64) {
	if ch, ok := s.subs[seqID]; ok {
		delete(s.subs, seqID)
		close(ch)
	}
}
