package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/xhad/ragkit/internal/models"
	"github.com/xhad/ragkit/internal/types"
)

// MemoryCollection keeps entries in process and ranks them by cosine distance.
type MemoryCollection struct {
	name string

	mu      sync.RWMutex
	order   []string
	entries map[string]models.Entry
}

var _ types.Collection = (*MemoryCollection)(nil)

func NewMemoryCollection(name string) *MemoryCollection {
	if name == "" {
		name = "documents"
	}
	return &MemoryCollection{
		name:    name,
		entries: make(map[string]models.Entry),
	}
}

func (c *MemoryCollection) Name() string {
	return c.name
}

func (c *MemoryCollection) Add(_ context.Context, entries []models.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range entries {
		if _, ok := c.entries[e.ID]; !ok {
			c.order = append(c.order, e.ID)
		}
		embedding := make([]float32, len(e.Embedding))
		copy(embedding, e.Embedding)
		e.Embedding = embedding
		c.entries[e.ID] = e
	}
	return nil
}

func (c *MemoryCollection) Query(_ context.Context, embedding []float32, n int, where types.Filter) ([]models.Match, error) {
	if _, err := filterKeys(where); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	matches := make([]models.Match, 0, len(c.entries))
	for _, id := range c.order {
		e := c.entries[id]
		if !matchesFilter(e.Metadata, where) {
			continue
		}
		if len(e.Embedding) != len(embedding) {
			return nil, fmt.Errorf("failed to query collection: dimension mismatch %d != %d", len(e.Embedding), len(embedding))
		}
		matches = append(matches, models.Match{
			ID:       e.ID,
			Document: e.Document,
			Metadata: e.Metadata,
			Distance: 1 - cosineSimilarity(embedding, e.Embedding),
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	if n >= 0 && len(matches) > n {
		matches = matches[:n]
	}
	return matches, nil
}

func (c *MemoryCollection) Delete(_ context.Context, where types.Filter) (int, error) {
	if len(where) == 0 {
		return 0, fmt.Errorf("%w: delete requires a filter", ErrInvalidFilter)
	}
	if _, err := filterKeys(where); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.order[:0]
	removed := 0
	for _, id := range c.order {
		if matchesFilter(c.entries[id].Metadata, where) {
			delete(c.entries, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
	return removed, nil
}

func (c *MemoryCollection) Count(_ context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries), nil
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
