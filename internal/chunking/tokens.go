package chunking

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/thebtf/ragserve/internal/kberr"
)

var (
	encOnce sync.Once
	enc     tokenizer.Codec
	encErr  error
)

// CountTokens returns the cl100k_base token count for text, used for stats
// and for sizing sanity checks on chunk output.
func CountTokens(text string) (int, error) {
	encOnce.Do(func() {
		enc, encErr = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if encErr != nil {
		return 0, kberr.Wrap(kberr.ConfigError, encErr, "load tokenizer")
	}
	ids, _, err := enc.Encode(text)
	if err != nil {
		return 0, kberr.Wrap(kberr.InvalidInput, err, "tokenize text")
	}
	return len(ids), nil
}
