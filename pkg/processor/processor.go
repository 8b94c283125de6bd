package processor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xhad/ragkit/internal/models"
	"github.com/xhad/ragkit/internal/types"
)

// ErrUnsupportedFileType is returned for extensions the processor cannot extract.
var ErrUnsupportedFileType = errors.New("unsupported file type")

// wordsPerPage drives the page-count estimate for formats without real pages.
const wordsPerPage = 500

type ProcessorConfig struct {
	ChunkSize    int
	ChunkOverlap int
}

type Processor struct {
	config    ProcessorConfig
	tokenizer types.Tokenizer
}

func NewWithConfig(config ProcessorConfig, tokenizer types.Tokenizer) (*Processor, error) {
	if config.ChunkSize == 0 {
		config.ChunkSize = 1000
	}
	if config.ChunkOverlap == 0 {
		config.ChunkOverlap = 200
	}
	if config.ChunkSize < 1 || config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkSize {
		return nil, fmt.Errorf("invalid chunking window: size %d, overlap %d", config.ChunkSize, config.ChunkOverlap)
	}
	if tokenizer == nil {
		return nil, errors.New("tokenizer is required")
	}

	return &Processor{
		config:    config,
		tokenizer: tokenizer,
	}, nil
}

// Chunk windows the token stream of text. Windows start every ChunkSize-ChunkOverlap
// tokens and the last one ends at the end of the stream, so it may be shorter.
// A window edge may split a multi-byte rune; the broken bytes become U+FFFD.
func (p *Processor) Chunk(text string, page int) []models.Chunk {
	tokens := p.tokenizer.Encode(text)
	stride := p.config.ChunkSize - p.config.ChunkOverlap

	var chunks []models.Chunk
	for start := 0; start < len(tokens); start += stride {
		end := start + p.config.ChunkSize
		if end > len(tokens) {
			end = len(tokens)
		}

		chunks = append(chunks, models.Chunk{
			Text:       strings.ToValidUTF8(p.tokenizer.Decode(tokens[start:end]), "\uFFFD"),
			Page:       page,
			ChunkIndex: len(chunks),
		})

		if end == len(tokens) {
			break
		}
	}

	return chunks
}

// ProcessDocument extracts and chunks the file at path. filename decides the format.
func (p *Processor) ProcessDocument(path, filename string) (*models.ProcessedDocument, error) {
	ext := strings.ToLower(filepath.Ext(filename))

	switch ext {
	case ".pdf":
		pages, err := extractPDF(path)
		if err != nil {
			return nil, err
		}
		return p.processPages(filename, pages), nil
	case ".docx":
		text, err := extractDOCX(path)
		if err != nil {
			return nil, err
		}
		return p.processText(filename, text), nil
	case ".txt":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", filename, err)
		}
		return p.processText(filename, sanitizeUTF8(string(data))), nil
	case ".html", ".htm":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", filename, err)
		}
		defer f.Close()

		page, err := extractHTML(f)
		if err != nil {
			return nil, err
		}
		return p.processText(filename, page.Content), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFileType, ext)
	}
}

// ProcessText chunks already extracted text as a single page document.
func (p *Processor) ProcessText(doc models.Document) *models.ProcessedDocument {
	return p.processText(doc.Filename, doc.Content)
}

func (p *Processor) processText(filename, text string) *models.ProcessedDocument {
	return &models.ProcessedDocument{
		Filename:  filename,
		Chunks:    p.Chunk(text, 1),
		PageCount: EstimatePageCount(text),
	}
}

// processPages chunks every non-blank page separately and numbers chunks
// across the whole document.
func (p *Processor) processPages(filename string, pages []string) *models.ProcessedDocument {
	doc := &models.ProcessedDocument{
		Filename:  filename,
		PageCount: len(pages),
	}

	for i, text := range pages {
		if strings.TrimSpace(text) == "" {
			continue
		}
		for _, chunk := range p.Chunk(text, i+1) {
			chunk.ChunkIndex = len(doc.Chunks)
			doc.Chunks = append(doc.Chunks, chunk)
		}
	}

	return doc
}

// EstimatePageCount assumes 500 words per page, with a minimum of one page.
func EstimatePageCount(text string) int {
	pages := len(strings.Fields(text)) / wordsPerPage
	if pages < 1 {
		return 1
	}
	return pages
}
