package api

// GenerateRequest is the body of POST /v1/generate. Either a text prompt
// or raw token ids must be present; sampling knobs fall back to the server
// defaults when omitted.
type GenerateRequest struct {
	Prompt      string   `json:"prompt,omitempty"`
	Tokens      []int    `json:"tokens,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Seed        *int64   `json:"seed,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

// GenerationResponse is the public view of one generation, returned by the
// create and get endpoints and embedded in stream events.
type GenerationResponse struct {
	ID           string `json:"id"`
	Object       string `json:"object"`
	CreatedAt    int64  `json:"created_at"`
	Status       string `json:"status"`
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type DeleteGenerationResp struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

// StatsResponse mirrors the scheduler gauges plus step counters, served at
// GET /v1/stats.
type StatsResponse struct {
	Waiting      int   `json:"waiting"`
	Running      int   `json:"running"`
	FreeBlocks   int   `json:"free_blocks"`
	UsedBlocks   int   `json:"used_blocks"`
	Steps        int64 `json:"steps"`
	Preemptions  int64 `json:"preemptions"`
	StarvedSteps int   `json:"starved_steps"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

const (
	statusQueued     = "queued"
	statusInProgress = "in_progress"
	statusCompleted  = "completed"
	statusCancelled  = "cancelled"
	statusFailed     = "failed"
)
