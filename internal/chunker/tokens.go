package chunker

import (
	"fmt"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter measures text in model tokens
type TokenCounter interface {
	Count(text string) int
}

// EstimateCounter approximates four runes per token.
type EstimateCounter struct{}

// Count returns the estimated token count of text
func (EstimateCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// TiktokenCounter counts tokens with the BPE encoding of a model.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the encoding for model. Loading may download the
// BPE ranks on first use.
func NewTiktokenCounter(model string) (*TiktokenCounter, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer for %s: %w", model, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count returns the exact token count of text
func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}
