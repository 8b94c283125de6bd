package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/xhad/ragkit/internal/models"
	"github.com/xhad/ragkit/internal/types"
)

// Retriever embeds queries and chunks and runs them against a collection.
type Retriever struct {
	collection types.Collection
	embedder   types.Embedder
	logger     *slog.Logger
}

type Stats struct {
	TotalChunks    int    `json:"total_chunks"`
	CollectionName string `json:"collection_name"`
}

func NewRetriever(collection types.Collection, embedder types.Embedder, logger *slog.Logger) (*Retriever, error) {
	if collection == nil {
		return nil, errors.New("collection is required")
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		collection: collection,
		embedder:   embedder,
		logger:     logger,
	}, nil
}

// Search returns up to n chunks most similar to query, best first.
// A non-empty category restricts results to chunks stored with that category.
func (r *Retriever) Search(ctx context.Context, query string, n int, category string) ([]models.RetrievedResult, error) {
	embedding, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var where types.Filter
	if category != "" {
		where = types.Filter{types.FilterCategory: category}
	}

	matches, err := r.collection.Query(ctx, embedding, n, where)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", r.collection.Name(), err)
	}

	seen := make(map[string]struct{}, len(matches))
	results := make([]models.RetrievedResult, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		results = append(results, models.RetrievedResult{
			ID:       m.ID,
			Text:     m.Document,
			Metadata: m.Metadata,
			Score:    1 - m.Distance,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	r.logger.Debug("search complete", "collection", r.collection.Name(), "results", len(results), "category", category)
	return results, nil
}

// AddDocumentChunks embeds chunks and stores them with ids {docID}_chunk_{i}.
// Nothing is written when embedding fails.
func (r *Retriever) AddDocumentChunks(ctx context.Context, docID, filename string, chunks []models.Chunk, category string) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	embeddings, err := r.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(embeddings) != len(chunks) {
		return 0, fmt.Errorf("failed to embed chunks: got %d embeddings for %d chunks", len(embeddings), len(chunks))
	}

	entries := make([]models.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = models.Entry{
			ID:       fmt.Sprintf("%s_chunk_%d", docID, i),
			Document: c.Text,
			Metadata: models.ChunkMetadata{
				DocID:      docID,
				Filename:   filename,
				Page:       c.Page,
				ChunkIndex: c.ChunkIndex,
				Category:   category,
			},
			Embedding: embeddings[i],
		}
	}

	if err := r.collection.Add(ctx, entries); err != nil {
		return 0, fmt.Errorf("failed to store chunks: %w", err)
	}

	r.logger.Info("stored document chunks", "doc_id", docID, "filename", filename, "chunks", len(entries))
	return len(entries), nil
}

// DeleteDocument removes every chunk of docID.
func (r *Retriever) DeleteDocument(ctx context.Context, docID string) error {
	removed, err := r.collection.Delete(ctx, types.Filter{types.FilterDocID: docID})
	if err != nil {
		return fmt.Errorf("failed to delete document %s: %w", docID, err)
	}
	r.logger.Info("deleted document chunks", "doc_id", docID, "chunks", removed)
	return nil
}

func (r *Retriever) Stats(ctx context.Context) (*Stats, error) {
	count, err := r.collection.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count %s: %w", r.collection.Name(), err)
	}
	return &Stats{
		TotalChunks:    count,
		CollectionName: r.collection.Name(),
	}, nil
}
