package metrics

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"time"
)

const (
	ErrNoData        = "No metrics data available"
	ErrNoneInWindow  = "No metrics in timeframe"
	StatusHealthy    = "healthy"
	StatusError      = "error"
	maxRecordLineLen = 16 * 1024 * 1024
)

// Price is USD per 1K tokens.
type Price struct {
	Input  float64
	Output float64
}

var prices = map[string]Price{
	"gpt-4-turbo-preview":    {Input: 0.01, Output: 0.03},
	"gpt-4o-mini":            {Input: 0.00015, Output: 0.0006},
	"gpt-3.5-turbo":          {Input: 0.0005, Output: 0.0015},
	"text-embedding-3-large": {Input: 0.00013, Output: 0},
	"text-embedding-3-small": {Input: 0.00002, Output: 0},
}

// Entry is what a caller reports about one answered query.
type Entry struct {
	ConversationID string
	Query          string
	Response       string
	Model          string
	InputTokens    int
	OutputTokens   int
	TotalLatency   time.Duration
	// FirstTokenLatency is nil for blocking answers.
	FirstTokenLatency *time.Duration
	RetrievalLatency  time.Duration
	RelevanceScores   []float64
}

type Tokens struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

type Costs struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
	Total  float64 `json:"total"`
}

type Latency struct {
	Total      float64  `json:"total"`
	FirstToken *float64 `json:"first_token"`
	Retrieval  float64  `json:"retrieval"`
}

type Retrieval struct {
	NumSources   int     `json:"num_sources"`
	AvgRelevance float64 `json:"avg_relevance"`
}

// Record is one line of the metrics log.
type Record struct {
	Timestamp      time.Time `json:"timestamp"`
	ConversationID *string   `json:"conversation_id"`
	Query          string    `json:"query"`
	Response       string    `json:"response"`
	Model          string    `json:"model"`
	Tokens         Tokens    `json:"tokens"`
	Costs          Costs     `json:"costs_usd"`
	Latency        Latency   `json:"latency_ms"`
	Retrieval      Retrieval `json:"retrieval"`
}

type TokenStats struct {
	Total       int     `json:"total"`
	AvgPerQuery float64 `json:"avg_per_query"`
}

type CostStats struct {
	Total       float64 `json:"total"`
	AvgPerQuery float64 `json:"avg_per_query"`
}

type LatencyStats struct {
	AvgTotal      float64  `json:"avg_total"`
	AvgRetrieval  float64  `json:"avg_retrieval"`
	AvgFirstToken *float64 `json:"avg_first_token"`
}

type RetrievalStats struct {
	AvgSources   float64 `json:"avg_sources"`
	AvgRelevance float64 `json:"avg_relevance"`
}

// Stats aggregates the log. When Error is set no other field is meaningful.
type Stats struct {
	Error        string         `json:"error,omitempty"`
	PeriodHours  *int           `json:"period_hours"`
	TotalQueries int            `json:"total_queries"`
	Tokens       TokenStats     `json:"tokens"`
	Costs        CostStats      `json:"costs_usd"`
	Latency      LatencyStats   `json:"latency_ms"`
	Retrieval    RetrievalStats `json:"retrieval"`
}

type Health struct {
	Status  string `json:"status"`
	HasData bool   `json:"has_data"`
	Error   string `json:"error,omitempty"`
}

// Recorder appends records to an NDJSON file. Each record is written with a
// single append so concurrent writers never interleave lines.
type Recorder struct {
	path string
	now  func() time.Time
}

func NewRecorder(path string) (*Recorder, error) {
	if path == "" {
		path = "metrics.jsonl"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create metrics directory: %w", err)
		}
	}
	return &Recorder{path: path, now: time.Now}, nil
}

func (r *Recorder) Path() string {
	return r.path
}

// CalculateCosts prices a call. Unknown models are free.
func CalculateCosts(model string, inputTokens, outputTokens int) Costs {
	p := prices[model]
	in := float64(inputTokens) / 1000 * p.Input
	out := float64(outputTokens) / 1000 * p.Output
	return Costs{
		Input:  round(in, 6),
		Output: round(out, 6),
		Total:  round(in+out, 6),
	}
}

// Log appends one record and returns it.
func (r *Recorder) Log(e Entry) (*Record, error) {
	rec := &Record{
		Timestamp: r.now().UTC(),
		Query:     e.Query,
		Response:  e.Response,
		Model:     e.Model,
		Tokens: Tokens{
			Input:  e.InputTokens,
			Output: e.OutputTokens,
			Total:  e.InputTokens + e.OutputTokens,
		},
		Costs: CalculateCosts(e.Model, e.InputTokens, e.OutputTokens),
		Latency: Latency{
			Total:     millis(e.TotalLatency),
			Retrieval: millis(e.RetrievalLatency),
		},
		Retrieval: Retrieval{
			NumSources:   len(e.RelevanceScores),
			AvgRelevance: mean(e.RelevanceScores),
		},
	}
	if e.ConversationID != "" {
		id := e.ConversationID
		rec.ConversationID = &id
	}
	if e.FirstTokenLatency != nil {
		ms := millis(*e.FirstTokenLatency)
		rec.Latency.FirstToken = &ms
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metric: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write metric: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to write metric: %w", err)
	}

	return rec, nil
}

// Stats aggregates records of the last hours hours, or all records when hours is 0.
func (r *Recorder) Stats(hours int) (*Stats, error) {
	f, err := os.Open(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Stats{Error: ErrNoData}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics log: %w", err)
	}
	defer f.Close()

	var cutoff time.Time
	if hours > 0 {
		cutoff = r.now().Add(-time.Duration(hours) * time.Hour)
	}

	var records []Record
	lines := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordLineLen)
	for scanner.Scan() {
		lines++
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if hours > 0 && rec.Timestamp.Before(cutoff) {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read metrics log: %w", err)
	}

	if lines == 0 {
		return &Stats{Error: ErrNoData}, nil
	}
	if len(records) == 0 {
		return &Stats{Error: ErrNoneInWindow}, nil
	}

	return aggregate(records, hours), nil
}

// Health reports whether anything was recorded in the last hour.
func (r *Recorder) Health() Health {
	stats, err := r.Stats(1)
	if err != nil {
		return Health{Status: StatusError, Error: err.Error()}
	}
	return Health{Status: StatusHealthy, HasData: stats.Error == ""}
}

func aggregate(records []Record, hours int) *Stats {
	n := float64(len(records))

	var tokens int
	var cost, total, retrieval, sources, relevance float64
	var firstTokens []float64
	for _, rec := range records {
		tokens += rec.Tokens.Total
		cost += rec.Costs.Total
		total += rec.Latency.Total
		retrieval += rec.Latency.Retrieval
		sources += float64(rec.Retrieval.NumSources)
		relevance += rec.Retrieval.AvgRelevance
		if rec.Latency.FirstToken != nil {
			firstTokens = append(firstTokens, *rec.Latency.FirstToken)
		}
	}

	stats := &Stats{
		TotalQueries: len(records),
		Tokens: TokenStats{
			Total:       tokens,
			AvgPerQuery: round(float64(tokens)/n, 1),
		},
		Costs: CostStats{
			Total:       round(cost, 4),
			AvgPerQuery: round(cost/n, 6),
		},
		Latency: LatencyStats{
			AvgTotal:     round(total/n, 1),
			AvgRetrieval: round(retrieval/n, 1),
		},
		Retrieval: RetrievalStats{
			AvgSources:   round(sources/n, 1),
			AvgRelevance: round(relevance/n, 3),
		},
	}
	if hours > 0 {
		h := hours
		stats.PeriodHours = &h
	}
	if len(firstTokens) > 0 {
		avg := round(mean(firstTokens), 1)
		stats.Latency.AvgFirstToken = &avg
	}
	return stats
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
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
