package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xhad/ragkit/internal/models"
	"github.com/xhad/ragkit/internal/types"
)

const (
	judgeTemperature = 0.1
	judgeMaxTokens   = 300

	// ParseError marks a judge verdict that could not be decoded.
	ParseError = "Parse error"

	SeverityNone     = "none"
	SeverityMild     = "mild"
	SeverityModerate = "moderate"
	SeveritySevere   = "severe"
)

var errNoJSONObject = errors.New("no JSON object in judge output")

type ContextRelevance struct {
	RelevanceScore float64 `json:"relevance_score"`
	Reasoning      string  `json:"reasoning"`
	Query          string  `json:"query"`
	Error          string  `json:"error,omitempty"`
}

type HallucinationCheck struct {
	HasHallucination  bool     `json:"has_hallucination"`
	HallucinatedParts []string `json:"hallucinated_parts"`
	Severity          string   `json:"severity"`
	Confidence        float64  `json:"confidence"`
	Query             string   `json:"query"`
	Error             string   `json:"error,omitempty"`
}

type AnswerQuality struct {
	Accuracy     float64 `json:"accuracy"`
	Completeness float64 `json:"completeness"`
	Clarity      float64 `json:"clarity"`
	Relevance    float64 `json:"relevance"`
	OverallScore float64 `json:"overall_score"`
	Feedback     string  `json:"feedback"`
	Query        string  `json:"query"`
	Error        string  `json:"error,omitempty"`
}

// Judge asks a completion model to grade answers with a JSON verdict.
type Judge struct {
	completer types.Completer
	model     string
	opts      Options
}

func NewJudge(completer types.Completer, model string, opts Options) (*Judge, error) {
	if completer == nil {
		return nil, errors.New("completer is required")
	}
	return &Judge{completer: completer, model: model, opts: opts.withDefaults()}, nil
}

func (j *Judge) ask(ctx context.Context, prompt string) (string, error) {
	if err := j.opts.wait(ctx); err != nil {
		return "", err
	}
	completion, err := j.completer.Complete(ctx, types.CompletionRequest{
		Messages:    []models.ConversationTurn{{Role: models.RoleUser, Content: prompt}},
		Model:       j.model,
		Temperature: judgeTemperature,
		MaxTokens:   judgeMaxTokens,
		JSONMode:    true,
	})
	if err != nil {
		return "", fmt.Errorf("judge call failed: %w", err)
	}
	return completion.Content, nil
}

// decodeVerdict decodes the outermost JSON object in raw into v.
func decodeVerdict(raw string, v any) error {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return errNoJSONObject
	}
	return json.Unmarshal([]byte(raw[start:end+1]), v)
}

func (j *Judge) ContextRelevance(ctx context.Context, query, contextText, response string) (*ContextRelevance, error) {
	prompt := fmt.Sprintf(`Rate how relevant the given context was to the question and the answer.

Question: %s

Context:
%s

Answer:
%s

Rate on a 1-5 scale:
1 - Completely irrelevant
2 - Slightly relevant
3 - Moderately relevant
4 - Very relevant
5 - Perfectly relevant

Give the score and a short justification in JSON:
{"score": <1-5>, "reasoning": "<justification>"}`, query, contextText, response)

	raw, err := j.ask(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var verdict struct {
		Score     float64 `json:"score"`
		Reasoning string  `json:"reasoning"`
	}
	if err := decodeVerdict(raw, &verdict); err != nil {
		j.opts.Logger.Warn("unparsable relevance verdict", "query", query, "error", err)
		return &ContextRelevance{Reasoning: ParseError, Query: query, Error: ParseError}, nil
	}
	return &ContextRelevance{RelevanceScore: verdict.Score, Reasoning: verdict.Reasoning, Query: query}, nil
}

func (j *Judge) Hallucination(ctx context.Context, query, contextText, response string) (*HallucinationCheck, error) {
	prompt := fmt.Sprintf(`Check whether the answer contains information that is NOT in the given context.

Question: %s

Context:
%s

Answer:
%s

Assess:
- Is there a hallucination? (true/false)
- If so, which parts are hallucinated?
- How severe is it? (mild/moderate/severe)

In JSON:
{
    "has_hallucination": <true/false>,
    "hallucinated_parts": ["<part1>", "<part2>"],
    "severity": "<none/mild/moderate/severe>",
    "confidence": <0-1>
}`, query, contextText, response)

	raw, err := j.ask(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var verdict struct {
		HasHallucination  bool     `json:"has_hallucination"`
		HallucinatedParts []string `json:"hallucinated_parts"`
		Severity          string   `json:"severity"`
		Confidence        float64  `json:"confidence"`
	}
	if err := decodeVerdict(raw, &verdict); err != nil {
		j.opts.Logger.Warn("unparsable hallucination verdict", "query", query, "error", err)
		return &HallucinationCheck{
			HallucinatedParts: []string{},
			Severity:          SeverityNone,
			Query:             query,
			Error:             ParseError,
		}, nil
	}

	check := &HallucinationCheck{
		HasHallucination:  verdict.HasHallucination,
		HallucinatedParts: verdict.HallucinatedParts,
		Severity:          normalizeSeverity(verdict.Severity),
		Confidence:        verdict.Confidence,
		Query:             query,
	}
	if check.HallucinatedParts == nil {
		check.HallucinatedParts = []string{}
	}
	return check, nil
}

func normalizeSeverity(s string) string {
	switch s := strings.ToLower(strings.TrimSpace(s)); s {
	case SeverityMild, SeverityModerate, SeveritySevere:
		return s
	default:
		return SeverityNone
	}
}

func (j *Judge) AnswerQuality(ctx context.Context, query, response, expected string) (*AnswerQuality, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Rate the answer on the criteria below:\n\nQuestion: %s\n\nAnswer:\n%s\n", query, response)
	if expected != "" {
		fmt.Fprintf(&b, "\nExpected answer:\n%s\n", expected)
	}
	b.WriteString(`
Rate each criterion on a 1-5 scale:
1. Accuracy - Is the information correct?
2. Completeness - Is the answer complete?
3. Clarity - Is it clear and well structured?
4. Relevance - Does it answer the question?

In JSON:
{
    "accuracy": <1-5>,
    "completeness": <1-5>,
    "clarity": <1-5>,
    "relevance": <1-5>,
    "overall_score": <1-5>,
    "feedback": "<short feedback>"
}`)

	raw, err := j.ask(ctx, b.String())
	if err != nil {
		return nil, err
	}

	var verdict AnswerQuality
	if err := decodeVerdict(raw, &verdict); err != nil {
		j.opts.Logger.Warn("unparsable quality verdict", "query", query, "error", err)
		return &AnswerQuality{Query: query, Error: ParseError}, nil
	}
	verdict.Query = query
	verdict.Error = ""
	return &verdict, nil
}
