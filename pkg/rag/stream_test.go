package rag_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/ragkit/internal/models"
	"github.com/xhad/ragkit/pkg/rag"
)

func TestStream_Drained(t *testing.T) {
	searcher := &fakeSearcher{results: []models.RetrievedResult{
		result("d1", "handbook.pdf", 2, "Leave is 25 days.", 0.8),
	}}
	completer := &fakeCompleter{fragments: []string{"Twenty", "", "-five", " days"}}
	recorder := &fakeMetrics{}
	p := newPipeline(t, searcher, completer, recorder)

	stream, err := p.GenerateStream(context.Background(), rag.Request{Query: "Leave?", ConversationID: "c7"})
	require.NoError(t, err)

	// sources are known before any fragment is read
	require.Len(t, stream.Sources(), 1)
	assert.Equal(t, "handbook.pdf", stream.Sources()[0].Filename)

	var got []string
	for f := range stream.Fragments() {
		got = append(got, f)
	}
	assert.Equal(t, []string{"Twenty", "-five", " days"}, got)

	resp, err := stream.Result()
	require.NoError(t, err)
	assert.Equal(t, "Twenty-five days", resp.Answer)
	assert.Equal(t, len("Twenty-five days"), resp.Metrics.OutputTokens)
	require.NotNil(t, resp.Metrics.FirstTokenLatencyMs)
	assert.Equal(t, stream.Sources(), resp.Sources)

	assert.Equal(t, 1, searcher.calls)
	require.Len(t, completer.requests, 1)

	require.Len(t, recorder.entries, 1)
	assert.Equal(t, "Twenty-five days", recorder.entries[0].Response)
	assert.NotNil(t, recorder.entries[0].FirstTokenLatency)

	// closing a finished stream is harmless
	stream.Close()
	resp2, err := stream.Result()
	require.NoError(t, err)
	assert.Same(t, resp, resp2)
}

func TestStream_CloseBeforeDrainedRecordsNothing(t *testing.T) {
	completer := &fakeCompleter{fragments: []string{"one", "two", "three"}}
	recorder := &fakeMetrics{}
	p := newPipeline(t, &fakeSearcher{}, completer, recorder)

	stream, err := p.GenerateStream(context.Background(), rag.Request{Query: "q"})
	require.NoError(t, err)

	first, ok := <-stream.Fragments()
	require.True(t, ok)
	assert.Equal(t, "one", first)

	stream.Close()

	resp, err := stream.Result()
	assert.ErrorIs(t, err, rag.ErrStreamCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, resp)
	assert.Empty(t, recorder.entries)
}

func TestStream_ContextCancelled(t *testing.T) {
	completer := &fakeCompleter{fragments: []string{"one", "two"}}
	recorder := &fakeMetrics{}
	p := newPipeline(t, &fakeSearcher{}, completer, recorder)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := p.GenerateStream(ctx, rag.Request{Query: "q"})
	require.NoError(t, err)
	cancel()

	resp, err := stream.Result()
	assert.ErrorIs(t, err, rag.ErrStreamCancelled)
	assert.Nil(t, resp)
	assert.Empty(t, recorder.entries)
}

func TestStream_CompletionError(t *testing.T) {
	boom := errors.New("connection reset")
	completer := &fakeCompleter{fragments: []string{"partial"}, err: boom}
	recorder := &fakeMetrics{}
	p := newPipeline(t, &fakeSearcher{}, completer, recorder)

	stream, err := p.GenerateStream(context.Background(), rag.Request{Query: "q"})
	require.NoError(t, err)

	var b strings.Builder
	for f := range stream.Fragments() {
		b.WriteString(f)
	}
	assert.Equal(t, "partial", b.String())

	_, err = stream.Result()
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, rag.ErrStreamCancelled)
	assert.Empty(t, recorder.entries)
}

func TestStream_RetrievalErrorFailsFast(t *testing.T) {
	boom := errors.New("index missing")
	completer := &fakeCompleter{}
	p := newPipeline(t, &fakeSearcher{err: boom}, completer, nil)

	_, err := p.GenerateStream(context.Background(), rag.Request{Query: "q"})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, completer.requests)
}

func TestStream_MatchesGenerate(t *testing.T) {
	searcher := &fakeSearcher{results: []models.RetrievedResult{
		result("d1", "handbook.pdf", 2, "Leave is 25 days.", 0.8),
		result("d2", "benefits.docx", 1, "Carry over up to five days.", 0.6),
		result("d1", "handbook.pdf", 3, "Requests go to your manager.", 0.5),
	}}
	completer := &fakeCompleter{answer: "Twenty-five days", fragments: []string{"Twenty", "-five", " days"}}
	p := newPipeline(t, searcher, completer, &fakeMetrics{})

	req := rag.Request{
		Query: "How much leave do I get?",
		History: []models.ConversationTurn{
			{Role: models.RoleUser, Content: "Hi"},
			{Role: models.RoleAssistant, Content: "Hello, ask me about the handbook."},
		},
	}

	want, err := p.Generate(context.Background(), req)
	require.NoError(t, err)

	stream, err := p.GenerateStream(context.Background(), req)
	require.NoError(t, err)
	for range stream.Fragments() {
	}
	got, err := stream.Result()
	require.NoError(t, err)

	assert.Equal(t, want.Answer, got.Answer)
	assert.Equal(t, want.Sources, got.Sources)
	assert.Equal(t, want.Metrics.InputTokens, got.Metrics.InputTokens)
	assert.Equal(t, want.Metrics.NumSources, got.Metrics.NumSources)
	assert.Equal(t, want.Metrics.AvgRelevance, got.Metrics.AvgRelevance)
	assert.Positive(t, got.Metrics.InputTokens)
}
