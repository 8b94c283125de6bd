package types

import (
	"context"

	"github.com/xhad/ragkit/internal/models"
)

// Core interfaces

// Tokenizer maps text to a fixed-vocabulary token stream and back.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Filter is an exact-match metadata filter. Supported keys are doc_id and category.
type Filter map[string]string

const (
	FilterDocID    = "doc_id"
	FilterCategory = "category"
)

// Collection is the persistent vector collection behind the retriever.
// Query returns matches ordered by ascending cosine distance.
type Collection interface {
	Name() string
	Add(ctx context.Context, entries []models.Entry) error
	Query(ctx context.Context, embedding []float32, n int, where Filter) ([]models.Match, error)
	Delete(ctx context.Context, where Filter) (int, error)
	Count(ctx context.Context) (int, error)
}

type CompletionRequest struct {
	Messages    []models.ConversationTurn
	Model       string
	Temperature float64
	MaxTokens   int
	JSONMode    bool
}

// Completion is a finished answer. OutputTokens is 0 when the provider
// did not report usage.
type Completion struct {
	Content      string
	OutputTokens int
}

// Completer is the chat completion service. Stream calls onFragment for every
// delta in order and stops as soon as onFragment returns an error.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
	Stream(ctx context.Context, req CompletionRequest, onFragment func(fragment string) error) error
}
