package api

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Generation is the serving-layer record of one request: the public id
// clients hold, the scheduler's sequence id, and the text accumulated so
// far. All mutation goes through the store so snapshots are consistent.
type Generation struct {
	ID               string
	SeqID            int64
	CreatedAt        time.Time
	Status           string
	Text             string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

type GenerationStore struct {
	mu    sync.Mutex
	byID  map[string]*Generation
	bySeq map[int64]*Generation
}

func NewGenerationStore() *GenerationStore {
	return &GenerationStore{
		byID:  make(map[string]*Generation),
		bySeq: make(map[int64]*Generation),
	}
}

func (s *GenerationStore) Create(seqID int64, promptTokens int, now time.Time) *Generation {
	gen := &Generation{
		ID:           newGenerationID(),
		SeqID:        seqID,
		CreatedAt:    now,
		Status:       statusQueued,
		PromptTokens: promptTokens,
	}
	s.mu.Lock()
	s.byID[gen.ID] = gen
	s.bySeq[seqID] = gen
	s.mu.Unlock()
	return gen
}

// Get returns a copy of the record so callers never observe a half-applied
// update.
func (s *GenerationStore) Get(id string) (Generation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.byID[id]
	if !ok {
		return Generation{}, false
	}
	return *gen, true
}

func (s *GenerationStore) GetBySeq(seqID int64) (Generation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.bySeq[seqID]
	if !ok {
		return Generation{}, false
	}
	return *gen, true
}

// Append records one decoded token for the sequence and flips the record
// into the in-progress state.
func (s *GenerationStore) Append(seqID int64, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.bySeq[seqID]
	if !ok {
		return
	}
	gen.Text += text
	gen.CompletionTokens++
	if gen.Status == statusQueued {
		gen.Status = statusInProgress
	}
}

// Finish marks the record terminal. Later calls are ignored so a cancel
// racing normal completion keeps the first outcome.
func (s *GenerationStore) Finish(seqID int64, status, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.bySeq[seqID]
	if !ok {
		return
	}
	if gen.Status == statusCompleted || gen.Status == statusCancelled || gen.Status == statusFailed {
		return
	}
	gen.Status = status
	gen.FinishReason = reason
}

func (s *GenerationStore) Delete(id string) (Generation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.byID[id]
	if !ok {
		return Generation{}, false
	}
	delete(s.byID, id)
	delete(s.bySeq, gen.SeqID)
	return *gen, true
}

func newGenerationID() string {
	return "gen_" + uuid.NewString()
}
