package contextdoc

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// tokenCounter estimates display token costs with cl100k_base, which tracks
// Claude-family tokenization closely enough for the economics line. When the
// codec cannot initialize, the four-bytes-per-token heuristic takes over.
type tokenCounter struct {
	mu    sync.Mutex
	codec tokenizer.Codec
}

var (
	globalCounter *tokenCounter
	counterOnce   sync.Once
)

func getTokenCounter() *tokenCounter {
	counterOnce.Do(func() {
		codec, err := tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			globalCounter = &tokenCounter{}
			return
		}
		globalCounter = &tokenCounter{codec: codec}
	})
	return globalCounter
}

// Count returns the token count of text.
func (tc *tokenCounter) Count(text string) int {
	if tc.codec == nil {
		return len(text) / 4
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	ids, _, err := tc.codec.Encode(text)
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}
