package evaluation

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	defaultRetrievalK = 5
	chunkingK         = 3
	debugDocs         = 3
)

type RetrievalScore struct {
	Query         string   `json:"query"`
	Precision     float64  `json:"precision"`
	Recall        float64  `json:"recall"`
	F1Score       float64  `json:"f1_score"`
	MRR           float64  `json:"mrr"`
	NumResults    int      `json:"num_results"`
	NumRelevant   int      `json:"num_relevant"`
	RetrievedDocs []string `json:"retrieved_docs"`
}

type EmbeddingQualityReport struct {
	NumTestCases      int              `json:"num_test_cases"`
	AvgPrecision      float64          `json:"avg_precision"`
	AvgRecall         float64          `json:"avg_recall"`
	AvgF1Score        float64          `json:"avg_f1_score"`
	AvgMRR            float64          `json:"avg_mrr"`
	IndividualResults []RetrievalScore `json:"individual_results"`
}

type ChunkAnalysis struct {
	Query           string  `json:"query"`
	KeywordCoverage float64 `json:"keyword_coverage"`
	AvgChunkLength  float64 `json:"avg_chunk_length"`
}

type ChunkingReport struct {
	NumTests           int             `json:"num_tests"`
	AvgKeywordCoverage float64         `json:"avg_keyword_coverage"`
	ChunkAnalyses      []ChunkAnalysis `json:"chunk_analyses"`
}

type RetrievalReport struct {
	Error     string                  `json:"error,omitempty"`
	Retrieval *EmbeddingQualityReport `json:"retrieval,omitempty"`
	Chunking  *ChunkingReport         `json:"chunking,omitempty"`
}

// RetrievalEvaluator scores the retriever against expected documents and keywords.
type RetrievalEvaluator struct {
	searcher Searcher
	opts     Options
}

func NewRetrievalEvaluator(searcher Searcher, opts Options) (*RetrievalEvaluator, error) {
	if searcher == nil {
		return nil, errors.New("searcher is required")
	}
	return &RetrievalEvaluator{searcher: searcher, opts: opts.withDefaults()}, nil
}

// ScoreRetrieval computes precision over every retrieved chunk, recall over
// distinct expected document ids and MRR over the ranked list. A document hit
// by several chunks counts once as relevant. Empty inputs score 0.
func ScoreRetrieval(query string, retrieved, expected []string) RetrievalScore {
	expectedSet := make(map[string]struct{}, len(expected))
	for _, id := range expected {
		expectedSet[id] = struct{}{}
	}

	retrievedSet := make(map[string]struct{}, len(retrieved))
	relevant := 0
	for _, id := range retrieved {
		if _, ok := retrievedSet[id]; ok {
			continue
		}
		retrievedSet[id] = struct{}{}
		if _, ok := expectedSet[id]; ok {
			relevant++
		}
	}

	var precision, recall, f1, mrr float64
	if len(retrieved) > 0 {
		precision = float64(relevant) / float64(len(retrieved))
	}
	if len(expectedSet) > 0 {
		recall = float64(relevant) / float64(len(expectedSet))
	}
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}
	for i, id := range retrieved {
		if _, ok := expectedSet[id]; ok {
			mrr = 1 / float64(i+1)
			break
		}
	}

	top := retrieved
	if len(top) > debugDocs {
		top = top[:debugDocs]
	}

	return RetrievalScore{
		Query:         query,
		Precision:     round(precision, 3),
		Recall:        round(recall, 3),
		F1Score:       round(f1, 3),
		MRR:           round(mrr, 3),
		NumResults:    len(retrieved),
		NumRelevant:   relevant,
		RetrievedDocs: append([]string{}, top...),
	}
}

// EvaluateRetrieval retrieves the top k chunks for query and scores them.
func (e *RetrievalEvaluator) EvaluateRetrieval(ctx context.Context, query string, expected []string, k int) (*RetrievalScore, error) {
	if k <= 0 {
		k = defaultRetrievalK
	}
	results, err := e.searcher.Search(ctx, query, k, "")
	if err != nil {
		return nil, err
	}

	retrieved := make([]string, len(results))
	for i, r := range results {
		retrieved[i] = r.Metadata.DocID
	}

	score := ScoreRetrieval(query, retrieved, expected)
	return &score, nil
}

func (e *RetrievalEvaluator) EvaluateEmbeddingQuality(ctx context.Context, cases []RetrievalCase) (*EmbeddingQualityReport, error) {
	report := &EmbeddingQualityReport{
		NumTestCases:      len(cases),
		IndividualResults: make([]RetrievalScore, 0, len(cases)),
	}

	var precision, recall, f1, mrr []float64
	for _, c := range cases {
		score, err := e.EvaluateRetrieval(ctx, c.Query, c.ExpectedDocs, defaultRetrievalK)
		if err != nil {
			return nil, err
		}
		e.opts.Logger.Debug("scored retrieval", "query", c.Query, "precision", score.Precision, "recall", score.Recall, "mrr", score.MRR)

		report.IndividualResults = append(report.IndividualResults, *score)
		precision = append(precision, score.Precision)
		recall = append(recall, score.Recall)
		f1 = append(f1, score.F1Score)
		mrr = append(mrr, score.MRR)
	}

	report.AvgPrecision = round(mean(precision), 3)
	report.AvgRecall = round(mean(recall), 3)
	report.AvgF1Score = round(mean(f1), 3)
	report.AvgMRR = round(mean(mrr), 3)
	return report, nil
}

// EvaluateChunking checks how many expected keywords appear in the top three chunks.
func (e *RetrievalEvaluator) EvaluateChunking(ctx context.Context, cases []ChunkingCase) (*ChunkingReport, error) {
	report := &ChunkingReport{
		NumTests:      len(cases),
		ChunkAnalyses: make([]ChunkAnalysis, 0, len(cases)),
	}

	var coverages []float64
	for _, c := range cases {
		results, err := e.searcher.Search(ctx, c.Query, chunkingK, "")
		if err != nil {
			return nil, err
		}

		texts := make([]string, len(results))
		var lengths []float64
		for i, r := range results {
			texts[i] = strings.ToLower(r.Text)
			lengths = append(lengths, float64(utf8.RuneCountInString(r.Text)))
		}

		analysis := ChunkAnalysis{
			Query:           c.Query,
			KeywordCoverage: keywordCoverage(texts, c.ExpectedKeywords),
			AvgChunkLength:  mean(lengths),
		}
		report.ChunkAnalyses = append(report.ChunkAnalyses, analysis)
		coverages = append(coverages, analysis.KeywordCoverage)
	}

	report.AvgKeywordCoverage = round(mean(coverages), 3)
	return report, nil
}

// keywordCoverage is the fraction of keywords found in any of the lowered texts.
func keywordCoverage(lowered []string, keywords []string) float64 {
	if len(keywords) == 0 {
		return 0
	}
	found := 0
	for _, kw := range keywords {
		needle := strings.ToLower(kw)
		for _, text := range lowered {
			if strings.Contains(text, needle) {
				found++
				break
			}
		}
	}
	return float64(found) / float64(len(keywords))
}

// RunRetrieval evaluates every section present in the retrieval corpus at path.
func (e *RetrievalEvaluator) RunRetrieval(ctx context.Context, path string) (*RetrievalReport, error) {
	var corpus RetrievalCorpus
	msg, err := loadCorpus(path, &corpus)
	if err != nil {
		return nil, err
	}
	if msg != "" {
		return &RetrievalReport{Error: msg}, nil
	}

	report := &RetrievalReport{}
	if corpus.RetrievalTests != nil {
		if report.Retrieval, err = e.EvaluateEmbeddingQuality(ctx, corpus.RetrievalTests); err != nil {
			return nil, err
		}
	}
	if corpus.ChunkingTests != nil {
		if report.Chunking, err = e.EvaluateChunking(ctx, corpus.ChunkingTests); err != nil {
			return nil, err
		}
	}

	e.opts.Logger.Info("retrieval evaluation complete", "path", path)
	return report, nil
}
