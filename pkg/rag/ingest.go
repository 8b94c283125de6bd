package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/xhad/ragkit/internal/models"
)

// DocumentProcessor turns files and extracted text into chunks.
type DocumentProcessor interface {
	ProcessDocument(path, filename string) (*models.ProcessedDocument, error)
	ProcessText(doc models.Document) *models.ProcessedDocument
}

// ChunkWriter stores the chunks of one document.
type ChunkWriter interface {
	AddDocumentChunks(ctx context.Context, docID, filename string, chunks []models.Chunk, category string) (int, error)
}

type IngestResult struct {
	DocID      string `json:"doc_id"`
	Filename   string `json:"filename"`
	PageCount  int    `json:"page_count"`
	ChunkCount int    `json:"chunk_count"`
	Category   string `json:"category,omitempty"`
}

// Ingestor chunks documents and stores them under a fresh document id.
type Ingestor struct {
	processor DocumentProcessor
	writer    ChunkWriter
	logger    *slog.Logger
	newID     func() string
}

func NewIngestor(processor DocumentProcessor, writer ChunkWriter, logger *slog.Logger) (*Ingestor, error) {
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	if writer == nil {
		return nil, errors.New("chunk writer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		processor: processor,
		writer:    writer,
		logger:    logger,
		newID:     uuid.NewString,
	}, nil
}

// Ingest processes the file at path, named filename, and stores its chunks.
// Unsupported files fail before anything is written.
func (i *Ingestor) Ingest(ctx context.Context, path, filename, category string) (*IngestResult, error) {
	doc, err := i.processor.ProcessDocument(path, filename)
	if err != nil {
		return nil, fmt.Errorf("failed to process %s: %w", filename, err)
	}
	return i.store(ctx, doc, category)
}

// IngestDocument stores already extracted text, such as a scraped page.
func (i *Ingestor) IngestDocument(ctx context.Context, doc models.Document, category string) (*IngestResult, error) {
	if doc.Category != "" && category == "" {
		category = doc.Category
	}
	return i.store(ctx, i.processor.ProcessText(doc), category)
}

func (i *Ingestor) store(ctx context.Context, doc *models.ProcessedDocument, category string) (*IngestResult, error) {
	docID := i.newID()

	n, err := i.writer.AddDocumentChunks(ctx, docID, doc.Filename, doc.Chunks, category)
	if err != nil {
		return nil, err
	}

	i.logger.Info("ingested document", "doc_id", docID, "filename", doc.Filename, "pages", doc.PageCount, "chunks", n)
	return &IngestResult{
		DocID:      docID,
		Filename:   doc.Filename,
		PageCount:  doc.PageCount,
		ChunkCount: n,
		Category:   category,
	}, nil
}
