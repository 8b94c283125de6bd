package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/ragkit/internal/models"
	"github.com/xhad/ragkit/internal/types"
)

func TestWhereClause(t *testing.T) {
	testCases := []struct {
		name     string
		where    types.Filter
		first    int
		expected string
		args     []any
		wantErr  bool
	}{
		{name: "empty", where: nil, first: 1, expected: ""},
		{name: "doc id", where: types.Filter{"doc_id": "d1"}, first: 1, expected: " WHERE doc_id = $1", args: []any{"d1"}},
		{
			name:     "both keys sorted",
			where:    types.Filter{"doc_id": "d1", "category": "hr"},
			first:    2,
			expected: " WHERE category = $2 AND doc_id = $3",
			args:     []any{"hr", "d1"},
		},
		{name: "unknown key", where: types.Filter{"content; DROP TABLE x": "1"}, first: 1, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clause, args, err := whereClause(tc.where, tc.first)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidFilter)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, clause)
			assert.Equal(t, tc.args, args)
		})
	}
}

func TestNewWithConfig_RejectsTableName(t *testing.T) {
	_, err := NewWithConfig(context.Background(), VectorStoreConfig{TableName: "docs; drop"})
	assert.Error(t, err)
}

// TestPGVectorCollection runs against a live database when RAGKIT_TEST_DATABASE_URL is set.
func TestPGVectorCollection(t *testing.T) {
	connString := os.Getenv("RAGKIT_TEST_DATABASE_URL")
	if connString == "" {
		t.Skip("RAGKIT_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	c, err := NewWithConfig(ctx, VectorStoreConfig{
		ConnString: connString,
		TableName:  "ragkit_test_chunks",
		VectorDim:  3,
	})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.pool.Exec(ctx, "TRUNCATE ragkit_test_chunks")
	require.NoError(t, err)

	err = c.Add(ctx, []models.Entry{
		{ID: "d1_chunk_0", Document: "vacation policy", Metadata: models.ChunkMetadata{DocID: "d1", Filename: "hr.pdf", Page: 3, Category: "hr"}, Embedding: []float32{1, 0, 0}},
		{ID: "d2_chunk_0", Document: "expense policy", Metadata: models.ChunkMetadata{DocID: "d2", Filename: "fin.pdf", Page: 1}, Embedding: []float32{0, 1, 0}},
	})
	require.NoError(t, err)

	matches, err := c.Query(ctx, []float32{1, 0.1, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "d1_chunk_0", matches[0].ID)
	assert.Equal(t, 3, matches[0].Metadata.Page)
	assert.Less(t, matches[0].Distance, matches[1].Distance)

	matches, err = c.Query(ctx, []float32{1, 0, 0}, 5, types.Filter{types.FilterCategory: "hr"})
	require.NoError(t, err)
	require.Len(t, matches, 1)

	removed, err := c.Delete(ctx, types.Filter{types.FilterDocID: "d1"})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	count, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
