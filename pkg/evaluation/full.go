package evaluation

import (
	"context"
	"time"
)

// Paths locates the three test corpora.
type Paths struct {
	RAG         string
	Prompt      string
	Application string
}

type FullReport struct {
	Timestamp   time.Time          `json:"timestamp"`
	RAG         *RetrievalReport   `json:"rag_evaluation"`
	Prompt      *PromptReport      `json:"prompt_evaluation"`
	Application *ApplicationReport `json:"app_evaluation"`
}

// RunFull runs the retrieval, prompt and application tiers in order.
func RunFull(ctx context.Context, r *RetrievalEvaluator, p *PromptEvaluator, a *ApplicationEvaluator, paths Paths) (*FullReport, error) {
	report := &FullReport{Timestamp: time.Now().UTC()}

	var err error
	if report.RAG, err = r.RunRetrieval(ctx, paths.RAG); err != nil {
		return nil, err
	}
	if report.Prompt, err = p.RunPrompt(ctx, paths.Prompt); err != nil {
		return nil, err
	}
	if report.Application, err = a.RunApplication(ctx, paths.Application); err != nil {
		return nil, err
	}
	return report, nil
}
