// Package tokenizer counts prompt and completion tokens for usage
// accounting. Counts feed metrics only; they play no part in admission
// decisions.
package tokenizer

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens with the cl100k_base encoding. Its zero value is
// usable and falls back to whitespace word counts, which keeps the service
// running when the encoding cannot be loaded at startup.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// New loads the cl100k_base encoding. On error the returned Counter still
// works in fallback mode; callers should log the error and continue.
func New() (*Counter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &Counter{}, err
	}
	return &Counter{enc: enc}, nil
}

// Count returns the token count for text. Empty text counts as zero.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.enc == nil {
		return len(strings.Fields(text))
	}
	return len(c.enc.Encode(text, nil, nil))
}
