package logits

import (
	"fmt"
	"testing"
)

// pieceDecoder decodes token ids through a fixed table.
type pieceDecoder map[int]string

func (d pieceDecoder) Decode(ids []int) (string, error) {
	out := ""
	for _, id := range ids {
		piece, ok := d[id]
		if !ok {
			return "", fmt.Errorf("unknown token %d", id)
		}
		out += piece
	}
	return out, nil
}

func TestStopToken(t *testing.T) {
	t.Parallel()
	c := NewStopChecker(StopConfig{StopTokens: []int{2}, MaxTokens: 100}, nil)
	if got := c.Observe(5, 1); got != StopNone {
		t.Fatalf("non-stop token: got %q, want none", got)
	}
	if got := c.Observe(2, 2); got != StopToken {
		t.Fatalf("stop token: got %q, want %q", got, StopToken)
	}
}

func TestMaxTokens(t *testing.T) {
	t.Parallel()
	c := NewStopChecker(StopConfig{MaxTokens: 1}, nil)
	if got := c.Observe(9, 1); got != StopMaxTokens {
		t.Fatalf("max tokens: got %q, want %q", got, StopMaxTokens)
	}
}

func TestStopTokenWinsOverMaxTokens(t *testing.T) {
	t.Parallel()
	c := NewStopChecker(StopConfig{StopTokens: []int{7}, MaxTokens: 1}, nil)
	if got := c.Observe(7, 1); got != StopToken {
		t.Fatalf("precedence: got %q, want %q", got, StopToken)
	}
}

func TestStopStringAcrossTokens(t *testing.T) {
	t.Parallel()
	dec := pieceDecoder{1: "a", 2: "\n", 3: "b"}
	c := NewStopChecker(StopConfig{StopStrings: []string{"\n\n"}, MaxTokens: 100}, dec)

	seq := []struct {
		token int
		want  StopReason
	}{
		{1, StopNone},
		{2, StopNone},
		{2, StopString},
	}
	for i, step := range seq {
		if got := c.Observe(step.token, i+1); got != step.want {
			t.Fatalf("step %d: got %q, want %q", i, got, step.want)
		}
	}
}

func TestStopStringInsideSinglePiece(t *testing.T) {
	t.Parallel()
	dec := pieceDecoder{4: "end.\n\nnext"}
	c := NewStopChecker(StopConfig{StopStrings: []string{"\n\n"}}, dec)
	if got := c.Observe(4, 1); got != StopString {
		t.Fatalf("got %q, want %q", got, StopString)
	}
}

func TestStopStringWithoutDecoderNeverMatches(t *testing.T) {
	t.Parallel()
	c := NewStopChecker(StopConfig{StopStrings: []string{"x"}}, nil)
	for i := 0; i < 5; i++ {
		if got := c.Observe(1, i+1); got != StopNone {
			t.Fatalf("decoderless checker matched: %q", got)
		}
	}
}
