// Package tokens estimates token counts for context-window records.
package tokens

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Counter returns the number of model tokens in text.
type Counter interface {
	Count(text string) int
}

// Tiktoken counts tokens with a BPE encoding.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// New returns a counter for the named encoding (e.g. "cl100k_base"). If name
// is not a known encoding it is tried as a model name, falling back to
// cl100k_base for unknown models.
func New(name string) (*Tiktoken, error) {
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		enc, err = tiktoken.EncodingForModel(name)
	}
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}
