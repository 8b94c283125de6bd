package llm_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/ragkit/pkg/llm"
)

func newOpenAIServer(t *testing.T, handler func(w http.ResponseWriter, body map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))
		handler(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIEngine_Complete(t *testing.T) {
	var got map[string]any
	srv := newOpenAIServer(t, func(w http.ResponseWriter, body map[string]any) {
		got = body
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "Grounded answer [1]"}}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 17, "total_tokens": 137}
		}`)
	})

	engine := llm.NewOpenAIEngine(llm.OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/"})
	req := request()
	req.JSONMode = true

	completion, err := engine.Complete(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "Grounded answer [1]", completion.Content)
	assert.Equal(t, 17, completion.OutputTokens)

	assert.Equal(t, "gpt-4o-mini", got["model"])
	assert.InDelta(t, 0.3, got["temperature"], 1e-9)
	assert.InDelta(t, 1000, got["max_tokens"], 1e-9)
	assert.Equal(t, map[string]any{"type": "json_object"}, got["response_format"])

	messages, ok := got["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 4)
	assert.Equal(t, "system", messages[0].(map[string]any)["role"])
	assert.Equal(t, "assistant", messages[2].(map[string]any)["role"])
}

func TestOpenAIEngine_Stream(t *testing.T) {
	srv := newOpenAIServer(t, func(w http.ResponseWriter, body map[string]any) {
		assert.Equal(t, true, body["stream"])
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hel", "", "lo"} {
			fmt.Fprintf(w, "data: {\"id\":\"c\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	engine := llm.NewOpenAIEngine(llm.OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/"})

	var b strings.Builder
	var calls int
	err := engine.Stream(context.Background(), request(), func(fragment string) error {
		calls++
		b.WriteString(fragment)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello", b.String())
	assert.Equal(t, 2, calls)
}

func TestOpenAIEngine_ErrorIsNotRetried(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error": {"message": "upstream down", "type": "server_error"}}`)
	}))
	defer srv.Close()

	engine := llm.NewOpenAIEngine(llm.OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/"})
	_, err := engine.Complete(context.Background(), request())
	assert.Error(t, err)
	assert.Equal(t, 1, hits)
}

func TestOpenAIEmbedder_BatchesAndOrders(t *testing.T) {
	var batches []int
	srv := newOpenAIServer(t, func(w http.ResponseWriter, body map[string]any) {
		input := body["input"].([]any)
		batches = append(batches, len(input))

		// answer out of order; the embedder must sort by index
		var data []string
		for i := len(input) - 1; i >= 0; i-- {
			data = append(data, fmt.Sprintf(`{"object":"embedding","index":%d,"embedding":[%d.5, 1]}`, i, len(input[i].(string))))
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"object":"list","model":"text-embedding-3-large","data":[%s],"usage":{"prompt_tokens":1,"total_tokens":1}}`, strings.Join(data, ","))
	})

	emb := llm.NewOpenAIEmbedder(llm.OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/"}, 2)

	vectors, err := emb.EmbedDocuments(context.Background(), []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, batches)
	require.Len(t, vectors, 3)
	assert.Equal(t, []float32{1.5, 1}, vectors[0])
	assert.Equal(t, []float32{2.5, 1}, vectors[1])
	assert.Equal(t, []float32{3.5, 1}, vectors[2])

	query, err := emb.EmbedQuery(context.Background(), "dddd")
	require.NoError(t, err)
	assert.Equal(t, []float32{4.5, 1}, query)
}
