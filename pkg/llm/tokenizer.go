package llm

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/xhad/ragkit/internal/types"
)

// Tokenizer is a tiktoken BPE encoding. Special tokens in input are encoded as plain text.
type Tokenizer struct {
	encoding string
	tke      *tiktoken.Tiktoken
}

// BPE ranks come from the files embedded in tiktoken-go-loader, so no
// encoding is downloaded at startup.
func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// NewTokenizer loads the named encoding, e.g. "cl100k_base".
func NewTokenizer(encoding string) (*Tokenizer, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	tke, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", encoding, err)
	}
	return &Tokenizer{encoding: encoding, tke: tke}, nil
}

func (t *Tokenizer) Encode(text string) []int {
	return t.tke.Encode(text, nil, nil)
}

func (t *Tokenizer) Decode(tokens []int) string {
	return t.tke.Decode(tokens)
}

// Encoding is the name of the loaded BPE encoding.
func (t *Tokenizer) Encoding() string {
	return t.encoding
}

// CountTokens returns the token length of text under tok.
func CountTokens(tok types.Tokenizer, text string) int {
	return len(tok.Encode(text))
}
