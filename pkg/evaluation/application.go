package evaluation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xhad/ragkit/internal/models"
	"github.com/xhad/ragkit/pkg/rag"
)

const (
	fastResponse      = 3 * time.Second
	minSources        = 2
	highRelevance     = 0.7
	completeAnswerLen = 200
)

type StepResult struct {
	StepNumber      int      `json:"step_number"`
	Query           string   `json:"query"`
	LatencyMs       float64  `json:"latency_ms"`
	ElementCoverage float64  `json:"element_coverage"`
	FoundElements   []string `json:"found_elements"`
	NumSources      int      `json:"num_sources"`
	ResponseLength  int      `json:"response_length"`
}

type JourneyResult struct {
	JourneyName        string       `json:"journey_name"`
	TotalSteps         int          `json:"total_steps"`
	TotalLatencyMs     float64      `json:"total_latency_ms"`
	AvgStepLatencyMs   float64      `json:"avg_step_latency_ms"`
	AvgElementCoverage float64      `json:"avg_element_coverage"`
	Steps              []StepResult `json:"steps"`
}

type QualityResult struct {
	Query               string  `json:"query"`
	ResponseLengthChars int     `json:"response_length_chars"`
	NumSources          int     `json:"num_sources"`
	AvgSourceRelevance  float64 `json:"avg_source_relevance"`
	LatencyMs           float64 `json:"latency_ms"`
}

type LatencySummary struct {
	AvgMs float64 `json:"avg_ms"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
}

type ResponseQualityReport struct {
	NumTestCases       int             `json:"num_test_cases"`
	AvgResponseLength  float64         `json:"avg_response_length"`
	AvgNumSources      float64         `json:"avg_num_sources"`
	AvgSourceRelevance float64         `json:"avg_source_relevance"`
	Latency            LatencySummary  `json:"latency"`
	IndividualResults  []QualityResult `json:"individual_results"`
}

type SatisfactionFactors struct {
	FastResponse    bool `json:"fast_response"`
	MultipleSources bool `json:"multiple_sources"`
	HighRelevance   bool `json:"high_relevance"`
	CompleteAnswer  bool `json:"complete_answer"`
}

type SatisfactionResult struct {
	Query             string              `json:"query"`
	SatisfactionScore float64             `json:"satisfaction_score"`
	Factors           SatisfactionFactors `json:"factors"`
}

type SatisfactionDistribution struct {
	VerySatisfied int `json:"very_satisfied"`
	Satisfied     int `json:"satisfied"`
	Neutral       int `json:"neutral"`
	Unsatisfied   int `json:"unsatisfied"`
}

type SatisfactionReport struct {
	NumTestCases              int                      `json:"num_test_cases"`
	AvgSatisfactionPercentage float64                  `json:"avg_satisfaction_percentage"`
	SatisfactionDistribution  SatisfactionDistribution `json:"satisfaction_distribution"`
	IndividualScores          []SatisfactionResult     `json:"individual_scores"`
}

type ApplicationReport struct {
	Error            string                 `json:"error,omitempty"`
	UserJourneys     []JourneyResult        `json:"user_journeys,omitempty"`
	ResponseQuality  *ResponseQualityReport `json:"response_quality,omitempty"`
	UserSatisfaction *SatisfactionReport    `json:"user_satisfaction,omitempty"`
}

// ApplicationEvaluator replays user-facing scenarios end to end.
type ApplicationEvaluator struct {
	generator Generator
	opts      Options
	now       func() time.Time
}

func NewApplicationEvaluator(generator Generator, opts Options) (*ApplicationEvaluator, error) {
	if generator == nil {
		return nil, errors.New("generator is required")
	}
	return &ApplicationEvaluator{generator: generator, opts: opts.withDefaults(), now: time.Now}, nil
}

// timed runs one generation and reports how long it took.
func (e *ApplicationEvaluator) timed(ctx context.Context, req rag.Request) (*rag.Response, time.Duration, error) {
	if err := e.opts.wait(ctx); err != nil {
		return nil, 0, err
	}
	start := e.now()
	resp, err := e.generator.Generate(ctx, req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to generate answer for %q: %w", req.Query, err)
	}
	return resp, e.now().Sub(start), nil
}

// EvaluateJourney asks the steps in order, each seeing the previous turns.
func (e *ApplicationEvaluator) EvaluateJourney(ctx context.Context, journey Journey) (*JourneyResult, error) {
	start := e.now()
	var history []models.ConversationTurn
	steps := make([]StepResult, 0, len(journey.Steps))

	var latencies, coverages []float64
	for i, step := range journey.Steps {
		resp, latency, err := e.timed(ctx, rag.Request{Query: step.Query, History: slices.Clone(history)})
		if err != nil {
			return nil, err
		}

		history = append(history,
			models.ConversationTurn{Role: models.RoleUser, Content: step.Query},
			models.ConversationTurn{Role: models.RoleAssistant, Content: resp.Answer},
		)

		found := foundElements(resp.Answer, step.ExpectedElements)
		coverage := 1.0
		if len(step.ExpectedElements) > 0 {
			coverage = float64(len(found)) / float64(len(step.ExpectedElements))
		}

		res := StepResult{
			StepNumber:      i + 1,
			Query:           step.Query,
			LatencyMs:       millis(latency),
			ElementCoverage: round(coverage, 2),
			FoundElements:   found,
			NumSources:      len(resp.Sources),
			ResponseLength:  utf8.RuneCountInString(resp.Answer),
		}
		steps = append(steps, res)
		latencies = append(latencies, res.LatencyMs)
		coverages = append(coverages, res.ElementCoverage)
	}

	return &JourneyResult{
		JourneyName:        journey.Name,
		TotalSteps:         len(steps),
		TotalLatencyMs:     millis(e.now().Sub(start)),
		AvgStepLatencyMs:   round(mean(latencies), 1),
		AvgElementCoverage: round(mean(coverages), 2),
		Steps:              steps,
	}, nil
}

func foundElements(answer string, expected []string) []string {
	lowered := strings.ToLower(answer)
	found := []string{}
	for _, el := range expected {
		if strings.Contains(lowered, strings.ToLower(el)) {
			found = append(found, el)
		}
	}
	return found
}

// EvaluateResponseQuality measures answer size, sourcing and latency percentiles.
func (e *ApplicationEvaluator) EvaluateResponseQuality(ctx context.Context, cases []QualityCase) (*ResponseQualityReport, error) {
	results := make([]QualityResult, 0, len(cases))
	var lengths, sources, relevance, latencies []float64

	for _, c := range cases {
		resp, latency, err := e.timed(ctx, rag.Request{Query: c.Query, Category: c.Category})
		if err != nil {
			return nil, err
		}

		res := QualityResult{
			Query:               c.Query,
			ResponseLengthChars: utf8.RuneCountInString(resp.Answer),
			NumSources:          len(resp.Sources),
			AvgSourceRelevance:  round(sourceRelevance(resp.Sources), 3),
			LatencyMs:           millis(latency),
		}
		results = append(results, res)
		lengths = append(lengths, float64(res.ResponseLengthChars))
		sources = append(sources, float64(res.NumSources))
		relevance = append(relevance, res.AvgSourceRelevance)
		latencies = append(latencies, res.LatencyMs)
	}

	sorted := slices.Clone(latencies)
	sort.Float64s(sorted)

	return &ResponseQualityReport{
		NumTestCases:       len(results),
		AvgResponseLength:  round(mean(lengths), 1),
		AvgNumSources:      round(mean(sources), 1),
		AvgSourceRelevance: round(mean(relevance), 3),
		Latency: LatencySummary{
			AvgMs: round(mean(latencies), 1),
			P50Ms: round(Percentile(sorted, 0.50), 1),
			P95Ms: round(Percentile(sorted, 0.95), 1),
			P99Ms: round(Percentile(sorted, 0.99), 1),
		},
		IndividualResults: results,
	}, nil
}

// SatisfactionScore gives 25 points for each of: latency under 3s, at least two
// sources, mean relevance above 0.7, and an answer longer than 200 characters.
func SatisfactionScore(latency time.Duration, numSources int, avgRelevance float64, answerLength int) (float64, SatisfactionFactors) {
	factors := SatisfactionFactors{
		FastResponse:    latency < fastResponse,
		MultipleSources: numSources >= minSources,
		HighRelevance:   avgRelevance > highRelevance,
		CompleteAnswer:  answerLength > completeAnswerLen,
	}

	met := 0
	for _, ok := range []bool{factors.FastResponse, factors.MultipleSources, factors.HighRelevance, factors.CompleteAnswer} {
		if ok {
			met++
		}
	}
	return float64(met) / 4 * 100, factors
}

func (d *SatisfactionDistribution) add(score float64) {
	switch {
	case score == 100:
		d.VerySatisfied++
	case score >= 75:
		d.Satisfied++
	case score >= 50:
		d.Neutral++
	default:
		d.Unsatisfied++
	}
}

func (e *ApplicationEvaluator) SimulateSatisfaction(ctx context.Context, cases []SatisfactionCase) (*SatisfactionReport, error) {
	report := &SatisfactionReport{
		NumTestCases:     len(cases),
		IndividualScores: make([]SatisfactionResult, 0, len(cases)),
	}

	var scores []float64
	for _, c := range cases {
		resp, latency, err := e.timed(ctx, rag.Request{Query: c.Query})
		if err != nil {
			return nil, err
		}

		score, factors := SatisfactionScore(latency, len(resp.Sources), sourceRelevance(resp.Sources), utf8.RuneCountInString(resp.Answer))
		report.IndividualScores = append(report.IndividualScores, SatisfactionResult{
			Query:             c.Query,
			SatisfactionScore: score,
			Factors:           factors,
		})
		report.SatisfactionDistribution.add(score)
		scores = append(scores, score)
	}

	report.AvgSatisfactionPercentage = round(mean(scores), 1)
	return report, nil
}

// RunApplication evaluates every section present in the application corpus at path.
func (e *ApplicationEvaluator) RunApplication(ctx context.Context, path string) (*ApplicationReport, error) {
	var corpus ApplicationCorpus
	msg, err := loadCorpus(path, &corpus)
	if err != nil {
		return nil, err
	}
	if msg != "" {
		return &ApplicationReport{Error: msg}, nil
	}

	report := &ApplicationReport{}
	if corpus.UserJourneys != nil {
		report.UserJourneys = make([]JourneyResult, 0, len(*corpus.UserJourneys))
		for _, j := range *corpus.UserJourneys {
			res, err := e.EvaluateJourney(ctx, j)
			if err != nil {
				return nil, err
			}
			report.UserJourneys = append(report.UserJourneys, *res)
		}
	}
	if corpus.ResponseQualityTests != nil {
		if report.ResponseQuality, err = e.EvaluateResponseQuality(ctx, *corpus.ResponseQualityTests); err != nil {
			return nil, err
		}
	}
	if corpus.SatisfactionTests != nil {
		if report.UserSatisfaction, err = e.SimulateSatisfaction(ctx, *corpus.SatisfactionTests); err != nil {
			return nil, err
		}
	}

	e.opts.Logger.Info("application evaluation complete", "path", path)
	return report, nil
}

func sourceRelevance(sources []models.Source) float64 {
	scores := make([]float64, len(sources))
	for i, s := range sources {
		scores[i] = s.RelevanceScore
	}
	return mean(scores)
}

func millis(d time.Duration) float64 {
	return round(float64(d)/float64(time.Millisecond), 1)
}
