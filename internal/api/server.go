// Package api exposes the scheduler over HTTP: submit a generation, poll
// or stream its tokens, cancel it, and read scheduler statistics.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/abhilash1910/ScaleLLM/internal/engine"
)

type Server struct {
	store   *GenerationStore
	service *GenerationService
}

func NewServer(store *GenerationStore, service *GenerationService) *Server {
	return &Server{
		store:   store,
		service: service,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/generate", s.handleGenerate)
	e.GET("/v1/generations/:id", s.handleGetGeneration)
	e.POST("/v1/generations/:id/cancel", s.handleCancelGeneration)
	e.DELETE("/v1/generations/:id", s.handleDeleteGeneration)
	e.GET("/v1/stats", s.handleStats)
	e.GET("/healthz", s.handleHealth)
}

func (s *Server) handleGenerate(c *echo.Context) error {
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	gen, events, err := s.service.Submit(&req)
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidRequest):
		return writeBadRequest(c, err.Error())
	case errors.Is(err, engine.ErrPromptTooLong):
		return writeBadRequest(c, err.Error())
	case errors.Is(err, engine.ErrQueueFull):
		return writeError(c, http.StatusTooManyRequests, "overloaded_error", err.Error(), "queue_full")
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
	}

	if req.Stream {
		return s.streamGeneration(c, gen, events)
	}

	// Block until the generation reaches a terminal state, cancelling it
	// if the client goes away first.
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			s.service.Cancel(gen.ID)
			final, _ := s.store.Get(gen.ID)
			return c.JSON(http.StatusOK, toResponse(final))
		case _, ok := <-events:
			if !ok {
				final, _ := s.store.Get(gen.ID)
				return c.JSON(http.StatusOK, toResponse(final))
			}
		}
	}
}

func (s *Server) streamGeneration(c *echo.Context, gen Generation, events <-chan TokenEvent) error {
	writer, err := NewSSEStreamWriter(c)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if err := writer.Started(toResponse(gen)); err != nil {
		return err
	}

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			s.service.Cancel(gen.ID)
			return nil
		case ev, ok := <-events:
			if !ok {
				final, _ := s.store.Get(gen.ID)
				return writer.Done(toResponse(final))
			}
			if err := writer.EmitToken(ev); err != nil {
				s.service.Cancel(gen.ID)
				return nil
			}
		}
	}
}

func (s *Server) handleGetGeneration(c *echo.Context) error {
	gen, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "generation not found")
	}
	return c.JSON(http.StatusOK, toResponse(gen))
}

func (s *Server) handleCancelGeneration(c *echo.Context) error {
	gen, ok := s.service.Cancel(c.Param("id"))
	if !ok {
		return writeNotFound(c, "generation not found")
	}
	return c.JSON(http.StatusOK, toResponse(gen))
}

func (s *Server) handleDeleteGeneration(c *echo.Context) error {
	id := c.Param("id")
	if !s.service.Delete(id) {
		return writeNotFound(c, "generation not found")
	}
	return c.JSON(http.StatusOK, DeleteGenerationResp{
		ID:      id,
		Object:  "generation",
		Deleted: true,
	})
}

func (s *Server) handleStats(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.service.Stats())
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func toResponse(gen Generation) GenerationResponse {
	return GenerationResponse{
		ID:           gen.ID,
		Object:       "generation",
		CreatedAt:    gen.CreatedAt.Unix(),
		Status:       gen.Status,
		Text:         gen.Text,
		FinishReason: gen.FinishReason,
		Usage: Usage{
			PromptTokens:     gen.PromptTokens,
			CompletionTokens: gen.CompletionTokens,
			TotalTokens:      gen.PromptTokens + gen.CompletionTokens,
		},
	}
}
