// Package tokenizer estimates token counts for indexed text.
package tokenizer

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding matches the encoding used by the OpenAI embedding models.
const DefaultEncoding = "cl100k_base"

// Counter counts tokens with a tiktoken encoding. The zero value falls back
// to a character based estimate.
type Counter struct {
	encoding *tiktoken.Tiktoken
}

// New loads the named encoding.
func New(encoding string) (*Counter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %q: %w", encoding, err)
	}
	return &Counter{encoding: enc}, nil
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if c == nil || c.encoding == nil {
		return Estimate(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// Estimate approximates tokens as one per four characters, rounding up.
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}
