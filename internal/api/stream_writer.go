package api

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

type streamEvent struct {
	Type           string              `json:"type"`
	Generation     *GenerationResponse `json:"generation,omitempty"`
	Delta          string              `json:"delta,omitempty"`
	Token          *int                `json:"token,omitempty"`
	SequenceNumber int                 `json:"sequence_number"`
}

// SSEStreamWriter emits generation progress as server-sent events: one
// generation.started, a generation.delta per token, then a terminal
// generation.completed, generation.cancelled or generation.failed carrying
// the final record.
type SSEStreamWriter struct {
	w       io.Writer
	flusher func()
	seq     int
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}

	return &SSEStreamWriter{
		w:       res,
		flusher: flusher.Flush,
		seq:     1,
	}, nil
}

func (s *SSEStreamWriter) Started(resp GenerationResponse) error {
	return s.send(streamEvent{
		Type:           "generation.started",
		Generation:     &resp,
		SequenceNumber: s.seq,
	})
}

func (s *SSEStreamWriter) EmitToken(ev TokenEvent) error {
	tok := ev.Token
	return s.send(streamEvent{
		Type:           "generation.delta",
		Delta:          ev.Text,
		Token:          &tok,
		SequenceNumber: s.seq,
	})
}

func (s *SSEStreamWriter) Done(resp GenerationResponse) error {
	return s.send(streamEvent{
		Type:           "generation." + resp.Status,
		Generation:     &resp,
		SequenceNumber: s.seq,
	})
}

func (s *SSEStreamWriter) send(payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", string(b)); err != nil {
		return err
	}
	s.flusher()
	s.seq++
	return nil
}
