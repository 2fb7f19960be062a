package engine

import (
	"github.com/abhilash1910/ScaleLLM/internal/kvcache"
	"github.com/abhilash1910/ScaleLLM/internal/logits"
)

// Status is the lifecycle state of a sequence.
type Status int

const (
	StatusWaiting Status = iota
	StatusRunning
	StatusPreempted
	StatusFinished
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusPreempted:
		return "preempted"
	case StatusFinished:
		return "finished"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusCancelled
}

// FinishReason records why a sequence reached a terminal state.
type FinishReason string

const (
	ReasonNone           FinishReason = ""
	ReasonStopToken      FinishReason = "stop_token"
	ReasonMaxTokens      FinishReason = "max_tokens"
	ReasonStopString     FinishReason = "stop_string"
	ReasonCancelled      FinishReason = "cancelled"
	ReasonExecutionError FinishReason = "execution_error"
)

// SamplingConfig is the per-request sampling and stop configuration.
type SamplingConfig struct {
	Temperature   float32
	TopK          int
	TopP          float32
	Seed          int64
	RepeatPenalty float32
	MaxTokens     int
	StopTokens    []int
	StopStrings   []string
}

// Sequence is one client's generation request: the prompt, every token
// generated so far, and the state the scheduler needs to admit, run, preempt
// and finish it. Owned exclusively by the Scheduler; the batch builder and
// driver only borrow references during a step.
type Sequence struct {
	id     int64
	ticket int64 // admission order, highest = most recently admitted
	status Status
	reason FinishReason

	tokens    []int
	promptLen int

	table   *kvcache.Table
	sampler *logits.Sampler
	stop    *logits.StopChecker

	polled int // tokens already reported through Status
}

func newSequence(id int64, prompt []int, cfg SamplingConfig, table *kvcache.Table, dec logits.Decoder) *Sequence {
	tokens := make([]int, len(prompt))
	copy(tokens, prompt)
	return &Sequence{
		id:        id,
		status:    StatusWaiting,
		tokens:    tokens,
		promptLen: len(prompt),
		table:     table,
		sampler: logits.NewSampler(logits.SamplerConfig{
			Seed:          cfg.Seed,
			Temperature:   cfg.Temperature,
			TopK:          cfg.TopK,
			TopP:          cfg.TopP,
			RepeatPenalty: cfg.RepeatPenalty,
		}),
		stop: logits.NewStopChecker(logits.StopConfig{
			StopTokens:  cfg.StopTokens,
			StopStrings: cfg.StopStrings,
			MaxTokens:   cfg.MaxTokens,
		}, dec),
	}
}

// ID returns the sequence's unique identifier.
func (s *Sequence) ID() int64 { return s.id }

// Len returns the logical length: prompt plus generated tokens.
func (s *Sequence) Len() int { return len(s.tokens) }

// Generated returns the number of tokens generated beyond the prompt.
func (s *Sequence) Generated() int { return len(s.tokens) - s.promptLen }

// pending returns the number of tokens not yet written to the cache: the
// whole history for a fresh or resumed prefill, one token in steady-state
// decode.
func (s *Sequence) pending() int { return len(s.tokens) - s.table.Filled() }

func (s *Sequence) append(token int) {
	s.tokens = append(s.tokens, token)
}
