package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"

	"github.com/xhad/ragkit/internal/models"
	"github.com/xhad/ragkit/pkg/rag"
	"golang.org/x/time/rate"
)

// Searcher is the retrieval side under evaluation.
type Searcher interface {
	Search(ctx context.Context, query string, n int, category string) ([]models.RetrievedResult, error)
}

// Generator is the answering side under evaluation.
type Generator interface {
	Generate(ctx context.Context, req rag.Request) (*rag.Response, error)
}

// Options are shared by all evaluators.
type Options struct {
	Logger *slog.Logger
	// Limiter paces generator and judge calls. Nil means unpaced.
	Limiter *rate.Limiter
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func (o Options) wait(ctx context.Context) error {
	if o.Limiter == nil {
		return nil
	}
	return o.Limiter.Wait(ctx)
}

// NewLimiter returns a limiter allowing perSecond calls per second, or nil for 0.
func NewLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

type RetrievalCase struct {
	Query        string   `json:"query"`
	ExpectedDocs []string `json:"expected_docs"`
}

type ChunkingCase struct {
	Query            string   `json:"query"`
	ExpectedKeywords []string `json:"expected_keywords"`
}

type RetrievalCorpus struct {
	RetrievalTests []RetrievalCase `json:"retrieval_tests"`
	ChunkingTests  []ChunkingCase  `json:"chunking_tests"`
}

// PromptCase carries an optional fixed context and response. When Context is
// nil the answer is generated live.
type PromptCase struct {
	Query          string  `json:"query"`
	ExpectedAnswer string  `json:"expected_answer,omitempty"`
	Context        *string `json:"context,omitempty"`
	Response       string  `json:"response,omitempty"`
}

type PromptCorpus struct {
	SingleTurnTests []PromptCase `json:"single_turn_tests"`
}

type JourneyStep struct {
	Query            string   `json:"query"`
	ExpectedElements []string `json:"expected_elements"`
}

type Journey struct {
	Name  string        `json:"name"`
	Steps []JourneyStep `json:"steps"`
}

type QualityCase struct {
	Query    string `json:"query"`
	Category string `json:"category,omitempty"`
}

type SatisfactionCase struct {
	Query string `json:"query"`
}

// ApplicationCorpus sections are pointers so absent sections are skipped.
type ApplicationCorpus struct {
	UserJourneys         *[]Journey          `json:"user_journeys"`
	ResponseQualityTests *[]QualityCase      `json:"response_quality_tests"`
	SatisfactionTests    *[]SatisfactionCase `json:"satisfaction_tests"`
}

// loadCorpus decodes the JSON file at path into v. A missing file is reported
// through the returned message rather than as an error.
func loadCorpus(path string, v any) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Sprintf("Test file not found: %s", path), nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read test file: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return "", fmt.Errorf("failed to parse test file %s: %w", path, err)
	}
	return "", nil
}

// Percentile returns sorted[⌊n·p⌋], clamped to the last element. Empty input gives 0.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	i := int(math.Floor(float64(len(sorted)) * p))
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	if i < 0 {
		i = 0
	}
	return sorted[i]
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
