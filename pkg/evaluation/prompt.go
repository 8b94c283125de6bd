package evaluation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xhad/ragkit/pkg/rag"
)

type SingleTurnResult struct {
	Query              string              `json:"query"`
	Response           string              `json:"response"`
	ContextRelevance   *ContextRelevance   `json:"context_relevance"`
	HallucinationCheck *HallucinationCheck `json:"hallucination_check"`
	AnswerQuality      *AnswerQuality      `json:"answer_quality"`
}

type PromptReport struct {
	Error               string             `json:"error,omitempty"`
	NumTestCases        int                `json:"num_test_cases"`
	AvgContextRelevance float64            `json:"avg_context_relevance"`
	AvgAnswerQuality    float64            `json:"avg_answer_quality"`
	HallucinationRate   float64            `json:"hallucination_rate"`
	IndividualResults   []SingleTurnResult `json:"individual_results"`
}

// PromptEvaluator grades answers with three independent judge calls.
type PromptEvaluator struct {
	generator Generator
	judge     *Judge
	opts      Options
}

func NewPromptEvaluator(generator Generator, judge *Judge, opts Options) (*PromptEvaluator, error) {
	if generator == nil {
		return nil, errors.New("generator is required")
	}
	if judge == nil {
		return nil, errors.New("judge is required")
	}
	return &PromptEvaluator{generator: generator, judge: judge, opts: opts.withDefaults()}, nil
}

// EvaluateSingleTurn grades one case, generating the answer unless the case
// brings its own context.
func (e *PromptEvaluator) EvaluateSingleTurn(ctx context.Context, c PromptCase) (*SingleTurnResult, error) {
	var contextText, response string
	if c.Context != nil {
		contextText = *c.Context
		response = c.Response
	} else {
		if err := e.opts.wait(ctx); err != nil {
			return nil, err
		}
		resp, err := e.generator.Generate(ctx, rag.Request{Query: c.Query})
		if err != nil {
			return nil, fmt.Errorf("failed to generate answer for %q: %w", c.Query, err)
		}
		response = resp.Answer

		previews := make([]string, len(resp.Sources))
		for i, s := range resp.Sources {
			previews[i] = s.ChunkText
		}
		contextText = strings.Join(previews, "\n\n")
	}

	relevance, err := e.judge.ContextRelevance(ctx, c.Query, contextText, response)
	if err != nil {
		return nil, err
	}
	hallucination, err := e.judge.Hallucination(ctx, c.Query, contextText, response)
	if err != nil {
		return nil, err
	}
	quality, err := e.judge.AnswerQuality(ctx, c.Query, response, c.ExpectedAnswer)
	if err != nil {
		return nil, err
	}

	return &SingleTurnResult{
		Query:              c.Query,
		Response:           response,
		ContextRelevance:   relevance,
		HallucinationCheck: hallucination,
		AnswerQuality:      quality,
	}, nil
}

// RunPrompt grades every single-turn case in the corpus at path.
// HallucinationRate is the fraction of cases judged to hallucinate.
func (e *PromptEvaluator) RunPrompt(ctx context.Context, path string) (*PromptReport, error) {
	var corpus PromptCorpus
	msg, err := loadCorpus(path, &corpus)
	if err != nil {
		return nil, err
	}
	if msg != "" {
		return &PromptReport{Error: msg}, nil
	}

	report := &PromptReport{IndividualResults: make([]SingleTurnResult, 0, len(corpus.SingleTurnTests))}
	var relevance, quality []float64
	hallucinated := 0
	for _, c := range corpus.SingleTurnTests {
		res, err := e.EvaluateSingleTurn(ctx, c)
		if err != nil {
			return nil, err
		}
		e.opts.Logger.Debug("graded answer", "query", c.Query,
			"relevance", res.ContextRelevance.RelevanceScore,
			"overall", res.AnswerQuality.OverallScore,
			"hallucination", res.HallucinationCheck.HasHallucination)

		report.IndividualResults = append(report.IndividualResults, *res)
		relevance = append(relevance, res.ContextRelevance.RelevanceScore)
		quality = append(quality, res.AnswerQuality.OverallScore)
		if res.HallucinationCheck.HasHallucination {
			hallucinated++
		}
	}

	report.NumTestCases = len(report.IndividualResults)
	report.AvgContextRelevance = round(mean(relevance), 2)
	report.AvgAnswerQuality = round(mean(quality), 2)
	if report.NumTestCases > 0 {
		report.HallucinationRate = round(float64(hallucinated)/float64(report.NumTestCases), 3)
	}

	e.opts.Logger.Info("prompt evaluation complete", "path", path, "cases", report.NumTestCases)
	return report, nil
}
