package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/xhad/ragkit/internal/models"
	"github.com/xhad/ragkit/internal/types"
	"github.com/xhad/ragkit/pkg/llm"
	"github.com/xhad/ragkit/pkg/metrics"
)

const (
	defaultTopK         = 5
	defaultHistoryTurns = 6
	defaultTemperature  = 0.3
	defaultMaxTokens    = 1000
	defaultLanguage     = "Hungarian"
	previewLength       = 200
)

// NoContext replaces the context block when retrieval finds nothing.
const NoContext = "No relevant information was found in the documents."

// Searcher is the retrieval side of the pipeline.
type Searcher interface {
	Search(ctx context.Context, query string, n int, category string) ([]models.RetrievedResult, error)
}

// MetricsLog receives one entry per answered query.
type MetricsLog interface {
	Log(e metrics.Entry) (*metrics.Record, error)
}

// PipelineConfig holds the dependencies and tuning of a Pipeline.
type PipelineConfig struct {
	Retriever Searcher
	Completer types.Completer
	Tokenizer types.Tokenizer
	Metrics   MetricsLog // optional
	Logger    *slog.Logger

	Model        string
	Language     string
	TopK         int
	HistoryTurns int
	Temperature  float64
	MaxTokens    int
}

type Pipeline struct {
	retriever Searcher
	completer types.Completer
	tokenizer types.Tokenizer
	metrics   MetricsLog
	logger    *slog.Logger

	model        string
	language     string
	topK         int
	historyTurns int
	temperature  float64
	maxTokens    int
}

type Request struct {
	Query          string                    `json:"query"`
	History        []models.ConversationTurn `json:"history,omitempty"`
	Category       string                    `json:"category,omitempty"`
	ConversationID string                    `json:"conversation_id,omitempty"`
}

// Metrics describes one answer. Latencies are milliseconds.
type Metrics struct {
	InputTokens         int      `json:"input_tokens"`
	OutputTokens        int      `json:"output_tokens"`
	TotalLatencyMs      float64  `json:"total_latency_ms"`
	RetrievalLatencyMs  float64  `json:"retrieval_latency_ms"`
	FirstTokenLatencyMs *float64 `json:"first_token_latency_ms,omitempty"`
	NumSources          int      `json:"num_sources"`
	AvgRelevance        float64  `json:"avg_relevance"`
}

type Response struct {
	Answer  string          `json:"answer"`
	Sources []models.Source `json:"sources"`
	Metrics Metrics         `json:"metrics"`
}

func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Retriever == nil {
		return nil, errors.New("retriever is required")
	}
	if cfg.Completer == nil {
		return nil, errors.New("completer is required")
	}
	if cfg.Tokenizer == nil {
		return nil, errors.New("tokenizer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Language == "" {
		cfg.Language = defaultLanguage
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = defaultHistoryTurns
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	return &Pipeline{
		retriever:    cfg.Retriever,
		completer:    cfg.Completer,
		tokenizer:    cfg.Tokenizer,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		model:        cfg.Model,
		language:     cfg.Language,
		topK:         cfg.TopK,
		historyTurns: cfg.HistoryTurns,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

// prepared is everything known before the completion call.
type prepared struct {
	start            time.Time
	results          []models.RetrievedResult
	retrievalLatency time.Duration
	request          types.CompletionRequest
	inputTokens      int
}

func (p *Pipeline) prepare(ctx context.Context, req Request) (*prepared, error) {
	start := time.Now()

	results, err := p.retriever.Search(ctx, req.Query, p.topK, req.Category)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve context: %w", err)
	}
	retrievalLatency := time.Since(start)

	messages := p.buildMessages(req, BuildContext(results))

	inputTokens := 0
	for _, m := range messages {
		inputTokens += llm.CountTokens(p.tokenizer, m.Content)
	}

	return &prepared{
		start:            start,
		results:          results,
		retrievalLatency: retrievalLatency,
		request: types.CompletionRequest{
			Messages:    messages,
			Model:       p.model,
			Temperature: p.temperature,
			MaxTokens:   p.maxTokens,
		},
		inputTokens: inputTokens,
	}, nil
}

// Generate answers req with one retrieval and one blocking completion.
func (p *Pipeline) Generate(ctx context.Context, req Request) (*Response, error) {
	prep, err := p.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	completion, err := p.completer.Complete(ctx, prep.request)
	if err != nil {
		return nil, fmt.Errorf("failed to generate answer: %w", err)
	}

	outputTokens := completion.OutputTokens
	if outputTokens == 0 {
		outputTokens = llm.CountTokens(p.tokenizer, completion.Content)
	}

	return p.finish(req, prep, completion.Content, outputTokens, time.Since(prep.start), nil), nil
}

// finish builds the response and records it.
func (p *Pipeline) finish(req Request, prep *prepared, answer string, outputTokens int, total time.Duration, firstToken *time.Duration) *Response {
	sources := FormatSources(prep.results)

	scores := make([]float64, len(sources))
	for i, s := range sources {
		scores[i] = s.RelevanceScore
	}

	resp := &Response{
		Answer:  answer,
		Sources: sources,
		Metrics: Metrics{
			InputTokens:        prep.inputTokens,
			OutputTokens:       outputTokens,
			TotalLatencyMs:     roundMillis(total),
			RetrievalLatencyMs: roundMillis(prep.retrievalLatency),
			NumSources:         len(sources),
			AvgRelevance:       round(mean(scores), 3),
		},
	}
	if firstToken != nil {
		ms := roundMillis(*firstToken)
		resp.Metrics.FirstTokenLatencyMs = &ms
	}

	if p.metrics != nil {
		_, err := p.metrics.Log(metrics.Entry{
			ConversationID:    req.ConversationID,
			Query:             req.Query,
			Response:          answer,
			Model:             p.model,
			InputTokens:       prep.inputTokens,
			OutputTokens:      outputTokens,
			TotalLatency:      total,
			FirstTokenLatency: firstToken,
			RetrievalLatency:  prep.retrievalLatency,
			RelevanceScores:   scores,
		})
		if err != nil {
			p.logger.Error("failed to record metrics", "error", err, "conversation_id", req.ConversationID)
		}
	}

	p.logger.Info("answered query",
		"conversation_id", req.ConversationID,
		"sources", len(sources),
		"input_tokens", prep.inputTokens,
		"output_tokens", outputTokens,
		"latency_ms", resp.Metrics.TotalLatencyMs)

	return resp
}

func (p *Pipeline) systemPrompt() string {
	return fmt.Sprintf(`You are a company knowledge base assistant answering questions in %s.

Your task is to give accurate and detailed answers based on the documents provided to you.

Rules:
- Answer only from the given context
- If the documents contain no relevant information, say so
- Always cite your sources
- Answer in %s, clearly and understandably
- Be precise when you quote numbers or specific data`, p.language, p.language)
}

func (p *Pipeline) buildMessages(req Request, contextText string) []models.ConversationTurn {
	history := req.History
	if len(history) > p.historyTurns {
		history = history[len(history)-p.historyTurns:]
	}

	messages := make([]models.ConversationTurn, 0, len(history)+2)
	messages = append(messages, models.ConversationTurn{Role: models.RoleSystem, Content: p.systemPrompt()})
	messages = append(messages, history...)
	messages = append(messages, models.ConversationTurn{
		Role: models.RoleUser,
		Content: fmt.Sprintf(`Context from the documents:
%s

Question: %s

Answer the question based on the context above. When you use information, indicate which document it comes from.`,
			contextText, req.Query),
	})
	return messages
}

// BuildContext numbers results as "[i] Source: <filename>, page <page>" blocks.
func BuildContext(results []models.RetrievedResult) string {
	if len(results) == 0 {
		return NoContext
	}

	parts := make([]string, 0, len(results))
	for i, r := range results {
		parts = append(parts, fmt.Sprintf("[%d] Source: %s, page %d\n%s\n",
			i+1, r.Metadata.Filename, r.Metadata.Page, r.Text))
	}
	return strings.Join(parts, "\n")
}

// FormatSources keeps the first result per (doc_id, page) in retrieval order.
func FormatSources(results []models.RetrievedResult) []models.Source {
	type key struct {
		docID string
		page  int
	}

	seen := make(map[key]struct{}, len(results))
	sources := make([]models.Source, 0, len(results))
	for _, r := range results {
		k := key{docID: r.Metadata.DocID, page: r.Metadata.Page}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		sources = append(sources, models.Source{
			DocID:          r.Metadata.DocID,
			Filename:       r.Metadata.Filename,
			Page:           r.Metadata.Page,
			ChunkText:      preview(r.Text),
			RelevanceScore: round(r.Score, 3),
		})
	}
	return sources
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) > previewLength {
		runes = runes[:previewLength]
	}
	return string(runes) + "..."
}

func roundMillis(d time.Duration) float64 {
	return round(float64(d)/float64(time.Millisecond), 1)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func round(x float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(x*p) / p
}
