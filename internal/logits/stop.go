package logits

import "strings"

// StopReason identifies which stop condition ended generation.
type StopReason string

const (
	StopNone      StopReason = ""
	StopToken     StopReason = "stop_token"
	StopMaxTokens StopReason = "max_tokens"
	StopString    StopReason = "stop_string"
)

// Decoder converts token ids to text. Tokenization itself lives outside the
// execution core; the stop checker only needs this one capability for
// stop-string matching.
type Decoder interface {
	Decode(ids []int) (string, error)
}

// StopConfig is the per-sequence stop condition set.
type StopConfig struct {
	StopTokens  []int
	StopStrings []string
	MaxTokens   int
}

// StopChecker evaluates stop conditions for one sequence, in order: stop
// token, max generated tokens, stop string. It keeps a decoded suffix
// window just long enough to detect stop strings that span token
// boundaries.
type StopChecker struct {
	cfg     StopConfig
	dec     Decoder
	tail    strings.Builder
	tailMax int
}

// NewStopChecker builds a checker. dec may be nil, in which case stop
// strings are never matched.
func NewStopChecker(cfg StopConfig, dec Decoder) *StopChecker {
	tailMax := 0
	for _, s := range cfg.StopStrings {
		if len(s) > tailMax {
			tailMax = len(s)
		}
	}
	return &StopChecker{cfg: cfg, dec: dec, tailMax: tailMax}
}

// Observe evaluates the stop conditions against the token just sampled.
// generated is the sequence's generated-token count including this token.
func (c *StopChecker) Observe(token, generated int) StopReason {
	for _, stop := range c.cfg.StopTokens {
		if token == stop {
			return StopToken
		}
	}

	if c.cfg.MaxTokens > 0 && generated >= c.cfg.MaxTokens {
		return StopMaxTokens
	}

	if len(c.cfg.StopStrings) > 0 && c.dec != nil {
		piece, err := c.dec.Decode([]int{token})
		if err == nil && piece != "" {
			c.append(piece)
			window := c.tail.String()
			for _, s := range c.cfg.StopStrings {
				if strings.Contains(window, s) {
					return StopString
				}
			}
		}
	}

	return StopNone
}

// append extends the suffix window, discarding text that can no longer be
// part of a match.
func (c *StopChecker) append(piece string) {
	window := c.tail.String() + piece
	if keep := c.tailMax + len(piece); len(window) > keep {
		window = window[len(window)-keep:]
	}
	c.tail.Reset()
	c.tail.WriteString(window)
}
