package metrics

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T, now time.Time) *Recorder {
	t.Helper()
	r, err := NewRecorder(filepath.Join(t.TempDir(), "data", "metrics.jsonl"))
	require.NoError(t, err)
	r.now = func() time.Time { return now }
	return r
}

func TestCalculateCosts(t *testing.T) {
	testCases := []struct {
		model    string
		in, out  int
		expected Costs
	}{
		{model: "gpt-4o-mini", in: 1000, out: 500, expected: Costs{Input: 0.00015, Output: 0.0003, Total: 0.00045}},
		{model: "gpt-4-turbo-preview", in: 2000, out: 1000, expected: Costs{Input: 0.02, Output: 0.03, Total: 0.05}},
		{model: "text-embedding-3-large", in: 1000, out: 1000, expected: Costs{Input: 0.00013, Output: 0, Total: 0.00013}},
		{model: "mistral", in: 5000, out: 5000, expected: Costs{}},
	}

	for _, tc := range testCases {
		t.Run(tc.model, func(t *testing.T) {
			got := CalculateCosts(tc.model, tc.in, tc.out)
			assert.InDelta(t, tc.expected.Input, got.Input, 1e-12)
			assert.InDelta(t, tc.expected.Output, got.Output, 1e-12)
			assert.InDelta(t, tc.expected.Total, got.Total, 1e-12)
		})
	}
}

func TestRecorder_LogWritesOneLine(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := newTestRecorder(t, now)

	first := 150 * time.Millisecond
	rec, err := r.Log(Entry{
		ConversationID:    "conv-1",
		Query:             "Hány nap szabadság jár?",
		Response:          "25 nap [1]",
		Model:             "gpt-4o-mini",
		InputTokens:       1000,
		OutputTokens:      100,
		TotalLatency:      1500 * time.Millisecond,
		FirstTokenLatency: &first,
		RetrievalLatency:  200 * time.Millisecond,
		RelevanceScores:   []float64{0.9, 0.7},
	})
	require.NoError(t, err)
	assert.Equal(t, 1100, rec.Tokens.Total)

	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "conv-1", raw["conversation_id"])
	assert.Equal(t, "Hány nap szabadság jár?", raw["query"])
	assert.Equal(t, map[string]any{"input": 1000.0, "output": 100.0, "total": 1100.0}, raw["tokens"])
	assert.Equal(t, map[string]any{"total": 1500.0, "first_token": 150.0, "retrieval": 200.0}, raw["latency_ms"])

	retrieval := raw["retrieval"].(map[string]any)
	assert.Equal(t, 2.0, retrieval["num_sources"])
	assert.InDelta(t, 0.8, retrieval["avg_relevance"], 1e-9)
}

func TestRecorder_LogBlockingHasNullFirstToken(t *testing.T) {
	r := newTestRecorder(t, time.Now())

	_, err := r.Log(Entry{Model: "gpt-4o-mini", TotalLatency: time.Second})
	require.NoError(t, err)

	data, err := os.ReadFile(r.Path())
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))

	latency := raw["latency_ms"].(map[string]any)
	assert.Contains(t, latency, "first_token")
	assert.Nil(t, latency["first_token"])
	assert.Nil(t, raw["conversation_id"])
	assert.Equal(t, 0.0, raw["retrieval"].(map[string]any)["avg_relevance"])
}

func TestRecorder_StatsNoData(t *testing.T) {
	r := newTestRecorder(t, time.Now())

	stats, err := r.Stats(0)
	require.NoError(t, err)
	assert.Equal(t, ErrNoData, stats.Error)

	require.NoError(t, os.WriteFile(r.Path(), nil, 0o644))
	stats, err = r.Stats(24)
	require.NoError(t, err)
	assert.Equal(t, ErrNoData, stats.Error)
}

func TestRecorder_StatsWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := newTestRecorder(t, now)

	log := func(at time.Time, total time.Duration, first *time.Duration) {
		r.now = func() time.Time { return at }
		_, err := r.Log(Entry{
			Model:             "gpt-4o-mini",
			InputTokens:       100,
			OutputTokens:      50,
			TotalLatency:      total,
			FirstTokenLatency: first,
			RelevanceScores:   []float64{0.5},
		})
		require.NoError(t, err)
	}

	ft := 300 * time.Millisecond
	log(now.Add(-3*time.Hour), 9*time.Second, nil)
	log(now.Add(-time.Hour), 1*time.Second, &ft)
	log(now.Add(-10*time.Minute), 2*time.Second, nil)
	r.now = func() time.Time { return now }

	// garbage lines are skipped
	f, err := os.OpenFile(r.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	stats, err := r.Stats(1)
	require.NoError(t, err)
	require.Empty(t, stats.Error)
	assert.Equal(t, 2, stats.TotalQueries)
	assert.Equal(t, 300, stats.Tokens.Total)
	assert.Equal(t, 150.0, stats.Tokens.AvgPerQuery)
	assert.Equal(t, 1500.0, stats.Latency.AvgTotal)
	require.NotNil(t, stats.Latency.AvgFirstToken)
	assert.Equal(t, 300.0, *stats.Latency.AvgFirstToken)
	require.NotNil(t, stats.PeriodHours)
	assert.Equal(t, 1, *stats.PeriodHours)

	all, err := r.Stats(0)
	require.NoError(t, err)
	assert.Equal(t, 3, all.TotalQueries)
	assert.Nil(t, all.PeriodHours)
	assert.Equal(t, 4000.0, all.Latency.AvgTotal)
	assert.Equal(t, 1.0, all.Retrieval.AvgSources)
	assert.Equal(t, 0.5, all.Retrieval.AvgRelevance)
}

func TestRecorder_StatsNoneInWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := newTestRecorder(t, now.Add(-48*time.Hour))
	_, err := r.Log(Entry{Model: "gpt-4o-mini"})
	require.NoError(t, err)

	r.now = func() time.Time { return now }
	stats, err := r.Stats(24)
	require.NoError(t, err)
	assert.Equal(t, ErrNoneInWindow, stats.Error)

	assert.Equal(t, Health{Status: StatusHealthy, HasData: false}, r.Health())
}

func TestRecorder_Health(t *testing.T) {
	r := newTestRecorder(t, time.Now())
	assert.Equal(t, Health{Status: StatusHealthy}, r.Health())

	_, err := r.Log(Entry{Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, Health{Status: StatusHealthy, HasData: true}, r.Health())
}

func TestRecorder_ConcurrentLogsKeepLinesIntact(t *testing.T) {
	r := newTestRecorder(t, time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Log(Entry{Model: "gpt-4o-mini", Response: string(make([]byte, 2048))})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	f, err := os.Open(r.Path())
	require.NoError(t, err)
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRecordLineLen)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		lines++
	}
	assert.Equal(t, 20, lines)
}
