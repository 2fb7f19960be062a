package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/abhilash1910/ScaleLLM/internal/engine"
	"github.com/abhilash1910/ScaleLLM/internal/logger"
	"github.com/abhilash1910/ScaleLLM/internal/toy"
)

type testStack struct {
	echo    *echo.Echo
	service *GenerationService
	store   *GenerationStore
}

// newTestStack wires a real scheduler over the deterministic toy model.
// When run is true the generation loop is pumping in the background.
func newTestStack(t *testing.T, run bool, maxWaiting int) *testStack {
	t.Helper()

	vocab := toy.NewVocabulary(64)
	model := toy.NewLM(vocab.Size(), 16, 7)
	sched, err := engine.NewScheduler(engine.Params{
		CacheBlocks:    64,
		BlockSize:      4,
		MaxBatchTokens: 512,
		MaxBatchSeqs:   8,
		MaxWaiting:     maxWaiting,
		Model:          model,
		Decoder:        vocab,
		Logger:         logger.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}

	store := NewGenerationStore()
	service := NewGenerationService(sched, vocab, store, Defaults{
		MaxTokens:   16,
		Temperature: 0,
		TopK:        0,
		TopP:        1,
	}, logger.Discard())

	if run {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go service.Run(ctx)
	}

	e := echo.New()
	NewServer(store, service).Register(e)
	return &testStack{echo: e, service: service, store: store}
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestGenerateLifecycle(t *testing.T) {
	t.Parallel()
	st := newTestStack(t, true, 16)

	rec := doJSON(t, st.echo, http.MethodPost, "/v1/generate", `{"prompt":"the word is","max_tokens":4}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create status: got %d body=%s", rec.Code, rec.Body.String())
	}

	var created GenerationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generation id")
	}
	if created.Status != statusCompleted {
		t.Fatalf("status: got %q, want completed", created.Status)
	}
	if created.FinishReason != "max_tokens" && created.FinishReason != "stop_token" {
		t.Fatalf("unexpected finish reason %q", created.FinishReason)
	}
	if created.Usage.CompletionTokens < 1 || created.Usage.CompletionTokens > 4 {
		t.Fatalf("completion tokens: got %d", created.Usage.CompletionTokens)
	}
	if created.Usage.TotalTokens != created.Usage.PromptTokens+created.Usage.CompletionTokens {
		t.Fatalf("usage does not add up: %+v", created.Usage)
	}

	getRec := doJSON(t, st.echo, http.MethodGet, "/v1/generations/"+created.ID, "")
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status: got %d", getRec.Code)
	}

	delRec := doJSON(t, st.echo, http.MethodDelete, "/v1/generations/"+created.ID, "")
	if delRec.Code != http.StatusOK {
		t.Fatalf("delete status: got %d", delRec.Code)
	}
	if !strings.Contains(delRec.Body.String(), `"deleted":true`) {
		t.Fatalf("delete response: %s", delRec.Body.String())
	}

	if rec := doJSON(t, st.echo, http.MethodGet, "/v1/generations/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: got %d, want 404", rec.Code)
	}
}

func TestGenerateDeterministicReplay(t *testing.T) {
	t.Parallel()
	st := newTestStack(t, true, 16)

	body := `{"prompt":"the word is","max_tokens":6,"seed":42}`
	first := doJSON(t, st.echo, http.MethodPost, "/v1/generate", body)
	second := doJSON(t, st.echo, http.MethodPost, "/v1/generate", body)
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("status: %d, %d", first.Code, second.Code)
	}

	var a, b GenerationResponse
	if err := json.Unmarshal(first.Body.Bytes(), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(second.Body.Bytes(), &b); err != nil {
		t.Fatal(err)
	}
	if a.Text != b.Text {
		t.Fatalf("same seed, different text: %q vs %q", a.Text, b.Text)
	}
}

func TestGenerateRejectsEmptyRequest(t *testing.T) {
	t.Parallel()
	st := newTestStack(t, false, 16)

	rec := doJSON(t, st.echo, http.MethodPost, "/v1/generate", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "invalid_request_error") {
		t.Fatalf("body: %s", rec.Body.String())
	}
}

func TestGenerateRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	st := newTestStack(t, false, 16)

	rec := doJSON(t, st.echo, http.MethodPost, "/v1/generate", `{"prompt":"hi","beam_width":4}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", rec.Code)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	t.Parallel()
	st := newTestStack(t, false, 1)

	if _, _, err := st.service.Submit(&GenerateRequest{Prompt: "one"}); err != nil {
		t.Fatal(err)
	}
	_, _, err := st.service.Submit(&GenerateRequest{Prompt: "two"})
	if !errors.Is(err, engine.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestStreamEmitsSSE(t *testing.T) {
	t.Parallel()
	st := newTestStack(t, true, 16)

	rec := doJSON(t, st.echo, http.MethodPost, "/v1/generate", `{"prompt":"the word","max_tokens":3,"stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type: %q", ct)
	}

	body := rec.Body.String()
	for _, want := range []string{"generation.started", "generation.delta", `"sequence_number"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("stream missing %q:\n%s", want, body)
		}
	}
	if !strings.Contains(body, "generation.completed") {
		t.Fatalf("stream missing terminal event:\n%s", body)
	}
}

func TestCancelQueuedGeneration(t *testing.T) {
	t.Parallel()
	// No loop running, so the generation stays queued until cancelled.
	st := newTestStack(t, false, 16)

	gen, events, err := st.service.Submit(&GenerateRequest{Prompt: "the word"})
	if err != nil {
		t.Fatal(err)
	}

	rec := doJSON(t, st.echo, http.MethodPost, "/v1/generations/"+gen.ID+"/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status: got %d", rec.Code)
	}

	var cancelled GenerationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &cancelled); err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != statusCancelled {
		t.Fatalf("status: got %q, want cancelled", cancelled.Status)
	}

	if _, ok := <-events; ok {
		t.Fatal("subscriber channel still open after cancel")
	}

	// Cancelling again is a no-op, not an error.
	if rec := doJSON(t, st.echo, http.MethodPost, "/v1/generations/"+gen.ID+"/cancel", ""); rec.Code != http.StatusOK {
		t.Fatalf("second cancel: got %d", rec.Code)
	}
}

// hookModel runs fn before every forward pass.
type hookModel struct {
	inner engine.Model
	fn    func()
}

func (m *hookModel) Forward(ctx context.Context, b *engine.ForwardBatch) ([][]float32, error) {
	if m.fn != nil {
		m.fn()
	}
	return m.inner.Forward(ctx, b)
}

func intPtr(v int) *int { return &v }

func TestSubmitRegistersBeforeDelivery(t *testing.T) {
	t.Parallel()
	st := newTestStack(t, true, 64)

	// Keep the step loop hot so short generations can finish between a
	// scheduler submit and the corresponding store registration.
	if _, _, err := st.service.Submit(&GenerateRequest{Prompt: "the word is", MaxTokens: intPtr(48)}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 20; i++ {
		gen, events, err := st.service.Submit(&GenerateRequest{Prompt: "hi", MaxTokens: intPtr(1)})
		if err != nil {
			t.Fatal(err)
		}

		deadline := time.After(5 * time.Second)
	drain:
		for {
			select {
			case _, ok := <-events:
				if !ok {
					break drain
				}
			case <-deadline:
				t.Fatalf("generation %s: events channel never closed", gen.ID)
			}
		}

		got, ok := st.store.Get(gen.ID)
		if !ok {
			t.Fatalf("generation %s missing from store", gen.ID)
		}
		if got.Status == statusQueued || got.Status == statusInProgress {
			t.Fatalf("generation %s stranded in %q after channel close", gen.ID, got.Status)
		}
	}
}

func TestDeleteDuringStepReleasesScheduler(t *testing.T) {
	t.Parallel()

	vocab := toy.NewVocabulary(64)
	model := &hookModel{inner: toy.NewLM(vocab.Size(), 16, 7)}
	sched, err := engine.NewScheduler(engine.Params{
		CacheBlocks:    64,
		BlockSize:      4,
		MaxBatchTokens: 512,
		MaxBatchSeqs:   8,
		MaxWaiting:     16,
		Model:          model,
		Decoder:        vocab,
		Logger:         logger.Discard(),
	})
	if err != nil {
		t.Fatal(err)
	}
	store := NewGenerationStore()
	service := NewGenerationService(sched, vocab, store, Defaults{
		MaxTokens:   16,
		Temperature: 0,
		TopK:        0,
		TopP:        1,
	}, logger.Discard())

	gen, _, err := service.Submit(&GenerateRequest{Prompt: "the word"})
	if err != nil {
		t.Fatal(err)
	}

	// Delete while the sequence is inside a forward pass: the scheduler
	// cannot drop it yet, so the purge is deferred.
	model.fn = func() {
		model.fn = nil
		if !service.Delete(gen.ID) {
			t.Errorf("delete %s failed", gen.ID)
		}
	}

	results, err := sched.Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		service.deliver(r)
	}
	service.sweepPurges()

	if _, err := sched.Status(gen.SeqID); !errors.Is(err, engine.ErrUnknownSequence) {
		t.Fatalf("scheduler still tracks sequence %d: %v", gen.SeqID, err)
	}
	if _, ok := store.Get(gen.ID); ok {
		t.Fatalf("generation %s still in store after delete", gen.ID)
	}
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()
	st := newTestStack(t, false, 16)

	rec := doJSON(t, st.echo, http.MethodGet, "/v1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status: got %d", rec.Code)
	}
	var stats StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.FreeBlocks != 64 || stats.UsedBlocks != 0 {
		t.Fatalf("fresh pool: free=%d used=%d", stats.FreeBlocks, stats.UsedBlocks)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	st := newTestStack(t, false, 16)

	rec := doJSON(t, st.echo, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("body: %s", rec.Body.String())
	}
}
