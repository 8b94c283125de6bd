package store

import (
	"errors"
	"fmt"
	"sort"

	"github.com/xhad/ragkit/internal/models"
	"github.com/xhad/ragkit/internal/types"
)

// ErrInvalidFilter is returned for filter keys the collections cannot match on.
var ErrInvalidFilter = errors.New("invalid filter")

// filterColumns maps filter keys to their metadata columns.
var filterColumns = map[string]string{
	types.FilterDocID:    "doc_id",
	types.FilterCategory: "category",
}

// filterKeys returns the keys of where in a stable order.
func filterKeys(where types.Filter) ([]string, error) {
	keys := make([]string, 0, len(where))
	for key := range where {
		if _, ok := filterColumns[key]; !ok {
			return nil, fmt.Errorf("%w: unknown key %q", ErrInvalidFilter, key)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func matchesFilter(meta models.ChunkMetadata, where types.Filter) bool {
	for key, value := range where {
		switch key {
		case types.FilterDocID:
			if meta.DocID != value {
				return false
			}
		case types.FilterCategory:
			if meta.Category != value {
				return false
			}
		}
	}
	return true
}
