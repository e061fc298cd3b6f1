package llm

import (
	"github.com/pkoukk/tiktoken-go"
)

// runesPerToken is the fallback estimate when no encoding is available
const runesPerToken = 3

// Truncator clips text to a token budget
type Truncator struct {
	max      int
	encoding *tiktoken.Tiktoken
}

// NewTruncator uses cl100k_base, or a rune estimate if the encoding cannot be loaded
func NewTruncator(maxTokens int) *Truncator {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		enc = nil
	}
	return &Truncator{max: maxTokens, encoding: enc}
}

// Count returns the token count of text
func (t *Truncator) Count(text string) int {
	if t.encoding == nil {
		return (len([]rune(text)) + runesPerToken - 1) / runesPerToken
	}
	return len(t.encoding.Encode(text, nil, nil))
}

// Truncate returns text cut to at most the token budget
func (t *Truncator) Truncate(text string) string {
	if t.max <= 0 {
		return text
	}
	if t.encoding == nil {
		runes := []rune(text)
		limit := t.max * runesPerToken
		if len(runes) <= limit {
			return text
		}
		return string(runes[:limit])
	}

	tokens := t.encoding.Encode(text, nil, nil)
	if len(tokens) <= t.max {
		return text
	}
	return t.encoding.Decode(tokens[:t.max])
}
