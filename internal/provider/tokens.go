package provider

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// estimator is shared by every gateway; loading the BPE ranks is the
// expensive part, so it happens once.
var estimator = sync.OnceValues(func() (tokenizer.Codec, error) {
	return tokenizer.Get(tokenizer.Cl100kBase)
})

// EstimateTokens approximates the token count of text for backends that do
// not report usage. It falls back to a four-characters-per-token heuristic
// if the codec cannot be loaded.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	codec, err := estimator()
	if err == nil {
		if ids, _, err := codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	return (len(text) + 3) / 4
}
