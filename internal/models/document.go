package models

// Document is raw extracted text awaiting chunking, either from a file or a scraped page.
type Document struct {
	ID       string
	Filename string
	Category string
	Content  string
	Metadata map[string]interface{}
}

// Chunk is a token window of a source document.
type Chunk struct {
	Text       string `json:"text"`
	Page       int    `json:"page"`
	ChunkIndex int    `json:"chunk_index"`
}

type ProcessedDocument struct {
	Filename  string
	Chunks    []Chunk
	PageCount int
}

// ChunkMetadata is stored alongside every collection entry.
type ChunkMetadata struct {
	DocID      string `json:"doc_id"`
	Filename   string `json:"filename"`
	Page       int    `json:"page"`
	ChunkIndex int    `json:"chunk_index"`
	Category   string `json:"category,omitempty"`
}

// Entry is one row of a vector collection.
type Entry struct {
	ID        string
	Document  string
	Metadata  ChunkMetadata
	Embedding []float32
}

// Match is a ranked collection hit. Distance is cosine distance.
type Match struct {
	ID       string
	Document string
	Metadata ChunkMetadata
	Distance float64
}

// RetrievedResult is a search hit scored as 1 - distance.
type RetrievedResult struct {
	ID       string        `json:"id"`
	Text     string        `json:"text"`
	Metadata ChunkMetadata `json:"metadata"`
	Score    float64       `json:"score"`
}

// Source is the citation view of a retrieved chunk, unique per (doc_id, page).
type Source struct {
	DocID          string  `json:"doc_id"`
	Filename       string  `json:"filename"`
	Page           int     `json:"page"`
	ChunkText      string  `json:"chunk_text"`
	RelevanceScore float64 `json:"relevance_score"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
