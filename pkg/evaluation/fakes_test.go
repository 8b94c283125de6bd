package evaluation

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xhad/ragkit/internal/models"
	"github.com/xhad/ragkit/internal/types"
	"github.com/xhad/ragkit/pkg/rag"
)

func testOptions() Options {
	return Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func writeCorpus(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cases.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// docSearcher returns one chunk per listed document id.
type docSearcher struct {
	byQuery map[string][]models.RetrievedResult
	gotK    []int
}

func (s *docSearcher) Search(_ context.Context, query string, n int, _ string) ([]models.RetrievedResult, error) {
	s.gotK = append(s.gotK, n)
	results := s.byQuery[query]
	if len(results) > n {
		results = results[:n]
	}
	return results, nil
}

func chunks(docIDs ...string) []models.RetrievedResult {
	out := make([]models.RetrievedResult, len(docIDs))
	for i, id := range docIDs {
		out[i] = models.RetrievedResult{ID: id, Text: "text of " + id, Metadata: models.ChunkMetadata{DocID: id}}
	}
	return out
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

// scriptedGenerator answers from a table and advances the clock per call.
type scriptedGenerator struct {
	clock   *fakeClock
	answers map[string]*rag.Response
	delays  map[string]time.Duration

	requests []rag.Request
}

func (g *scriptedGenerator) Generate(_ context.Context, req rag.Request) (*rag.Response, error) {
	req.History = slices.Clone(req.History)
	g.requests = append(g.requests, req)
	if g.clock != nil {
		g.clock.t = g.clock.t.Add(g.delays[req.Query])
	}
	if resp, ok := g.answers[req.Query]; ok {
		return resp, nil
	}
	return &rag.Response{Answer: "default answer"}, nil
}

// judgeCompleter answers each judge prompt kind with a canned verdict.
type judgeCompleter struct {
	relevance     string
	hallucination string
	quality       string
	err           error

	requests []types.CompletionRequest
}

func (c *judgeCompleter) Complete(_ context.Context, req types.CompletionRequest) (*types.Completion, error) {
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	prompt := req.Messages[0].Content
	switch {
	case strings.HasPrefix(prompt, "Rate how relevant"):
		return &types.Completion{Content: c.relevance}, nil
	case strings.HasPrefix(prompt, "Check whether"):
		return &types.Completion{Content: c.hallucination}, nil
	default:
		return &types.Completion{Content: c.quality}, nil
	}
}

func (c *judgeCompleter) Stream(context.Context, types.CompletionRequest, func(string) error) error {
	return nil
}

// sequencedJudge replays hallucination verdicts in order.
type sequencedJudge struct {
	judgeCompleter
	hallucinations []string
}

func (c *sequencedJudge) Complete(ctx context.Context, req types.CompletionRequest) (*types.Completion, error) {
	if strings.HasPrefix(req.Messages[0].Content, "Check whether") && len(c.hallucinations) > 0 {
		c.requests = append(c.requests, req)
		verdict := c.hallucinations[0]
		c.hallucinations = c.hallucinations[1:]
		return &types.Completion{Content: verdict}, nil
	}
	return c.judgeCompleter.Complete(ctx, req)
}
