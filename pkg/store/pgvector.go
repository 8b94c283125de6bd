package store

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/xhad/ragkit/internal/models"
	"github.com/xhad/ragkit/internal/types"
)

// ivfflat cannot index vectors wider than this.
const maxIndexedDim = 2000

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type VectorStoreConfig struct {
	ConnString string
	TableName  string
	VectorDim  int
}

// PGVectorCollection is a Collection stored in a PostgreSQL table with a
// pgvector embedding column.
type PGVectorCollection struct {
	config VectorStoreConfig
	pool   *pgxpool.Pool
}

var _ types.Collection = (*PGVectorCollection)(nil)

func NewWithConfig(ctx context.Context, config VectorStoreConfig) (*PGVectorCollection, error) {
	if config.TableName == "" {
		config.TableName = "documents"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 3072 // text-embedding-3-large
	}
	if !identifier.MatchString(config.TableName) {
		return nil, fmt.Errorf("invalid table name %q", config.TableName)
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	vs := &PGVectorCollection{
		config: config,
		pool:   pool,
	}

	if err := vs.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return vs, nil
}

func (vs *PGVectorCollection) initialize(ctx context.Context) error {
	// Enable pgvector extension
	_, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			doc_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			page INTEGER NOT NULL,
			chunk_index INTEGER NOT NULL,
			category TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			embedding vector(%d)
		)`, vs.config.TableName, vs.config.VectorDim)

	if _, err = vs.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	createDocIndex := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_doc_id_idx ON %s (doc_id)`,
		vs.config.TableName, vs.config.TableName)
	if _, err = vs.pool.Exec(ctx, createDocIndex); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	if vs.config.VectorDim > maxIndexedDim {
		return nil
	}

	// Create vector index
	createIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_embedding_idx
		ON %s
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)`,
		vs.config.TableName, vs.config.TableName)

	if _, err = vs.pool.Exec(ctx, createIndex); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

func (vs *PGVectorCollection) Name() string {
	return vs.config.TableName
}

// Add upserts all entries in a single transaction.
func (vs *PGVectorCollection) Add(ctx context.Context, entries []models.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, doc_id, filename, page, chunk_index, category, content, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			doc_id = EXCLUDED.doc_id,
			filename = EXCLUDED.filename,
			page = EXCLUDED.page,
			chunk_index = EXCLUDED.chunk_index,
			category = EXCLUDED.category,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding`,
		vs.config.TableName)

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(stmt,
			e.ID,
			e.Metadata.DocID,
			e.Metadata.Filename,
			e.Metadata.Page,
			e.Metadata.ChunkIndex,
			e.Metadata.Category,
			e.Document,
			pgvector.NewVector(e.Embedding),
		)
	}

	results := tx.SendBatch(ctx, batch)
	for range entries {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Query returns the n nearest entries by cosine distance.
func (vs *PGVectorCollection) Query(ctx context.Context, embedding []float32, n int, where types.Filter) ([]models.Match, error) {
	clause, args, err := whereClause(where, 2)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, doc_id, filename, page, chunk_index, category, content, embedding <=> $1 AS distance
		FROM %s%s
		ORDER BY distance
		LIMIT %d`,
		vs.config.TableName, clause, n)

	args = append([]any{pgvector.NewVector(embedding)}, args...)
	rows, err := vs.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection: %w", err)
	}
	defer rows.Close()

	var matches []models.Match
	for rows.Next() {
		var m models.Match
		err := rows.Scan(
			&m.ID,
			&m.Metadata.DocID,
			&m.Metadata.Filename,
			&m.Metadata.Page,
			&m.Metadata.ChunkIndex,
			&m.Metadata.Category,
			&m.Document,
			&m.Distance,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query collection: %w", err)
	}

	return matches, nil
}

// Delete removes every entry matching where and reports how many were removed.
// An empty filter is refused.
func (vs *PGVectorCollection) Delete(ctx context.Context, where types.Filter) (int, error) {
	if len(where) == 0 {
		return 0, fmt.Errorf("%w: delete requires a filter", ErrInvalidFilter)
	}
	clause, args, err := whereClause(where, 1)
	if err != nil {
		return 0, err
	}

	tag, err := vs.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s%s", vs.config.TableName, clause), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (vs *PGVectorCollection) Count(ctx context.Context) (int, error) {
	var count int
	err := vs.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", vs.config.TableName)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

func (vs *PGVectorCollection) Close() {
	if vs.pool != nil {
		vs.pool.Close()
	}
}

// whereClause renders where as a SQL condition whose placeholders start at $first.
func whereClause(where types.Filter, first int) (string, []any, error) {
	keys, err := filterKeys(where)
	if err != nil {
		return "", nil, err
	}
	if len(keys) == 0 {
		return "", nil, nil
	}

	conds := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for i, key := range keys {
		conds = append(conds, fmt.Sprintf("%s = $%d", filterColumns[key], first+i))
		args = append(args, where[key])
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}
