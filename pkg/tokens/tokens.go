// Package tokens provides tiktoken-based token counting for LLM metrics.
package tokens

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// Counter provides token counting for a model family. All supported
// providers are approximated with the GPT-4 encoding, which is close enough
// for usage metrics and budget checks.
type Counter struct {
	codec tokenizer.Codec
}

// NewCounter creates a token counter. The model name is accepted for future
// per-model codecs; today everything maps to the GPT-4 encoding.
func NewCounter(model string) (*Counter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &Counter{codec: codec}, nil
}

// Count returns the number of tokens in text, falling back to a 4-chars-per-
// token estimate if the codec fails.
func (c *Counter) Count(text string) int {
	if c == nil || c.codec == nil {
		return len(text) / 4
	}
	n, err := c.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// CountSimple counts tokens without holding a Counter instance.
func CountSimple(text string) int {
	c, err := NewCounter("gpt-4")
	if err != nil {
		return len(text) / 4
	}
	return c.Count(text)
}
