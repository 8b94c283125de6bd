package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/xhad/ragkit/internal/models"
	"github.com/xhad/ragkit/internal/types"
)

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIEngine is a completion service on the OpenAI chat completions API.
type OpenAIEngine struct {
	config OpenAIConfig
	client openai.Client
}

func NewOpenAIEngine(config OpenAIConfig) *OpenAIEngine {
	if config.Model == "" {
		config.Model = openai.ChatModelGPT4oMini
	}
	return &OpenAIEngine{
		config: config,
		client: openai.NewClient(clientOptions(config)...),
	}
}

// clientOptions disables the SDK's built-in retries; failures surface to the caller.
func clientOptions(config OpenAIConfig) []option.RequestOption {
	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}
	return opts
}

func (e *OpenAIEngine) Complete(ctx context.Context, req types.CompletionRequest) (*types.Completion, error) {
	completion, err := e.client.Chat.Completions.New(ctx, e.params(req))
	if err != nil {
		return nil, fmt.Errorf("chat error: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, errors.New("chat error: no choices returned")
	}

	return &types.Completion{
		Content:      completion.Choices[0].Message.Content,
		OutputTokens: int(completion.Usage.CompletionTokens),
	}, nil
}

func (e *OpenAIEngine) Stream(ctx context.Context, req types.CompletionRequest, onFragment func(string) error) error {
	stream := e.client.Chat.Completions.NewStreaming(ctx, e.params(req))
	defer stream.Close()

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			if err := onFragment(delta); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("chat stream error: %w", err)
	}
	return nil
}

func (e *OpenAIEngine) params(req types.CompletionRequest) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = e.config.Model
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, turn := range req.Messages {
		switch turn.Role {
		case models.RoleSystem:
			messages = append(messages, openai.SystemMessage(turn.Content))
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(turn.Content))
		default:
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:       model,
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.JSONMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &openai.ResponseFormatJSONObjectParam{},
		}
	}
	return params
}

// OpenAIEmbedder produces embeddings with the OpenAI embeddings API.
type OpenAIEmbedder struct {
	config    OpenAIConfig
	batchSize int
	client    openai.Client
}

func NewOpenAIEmbedder(config OpenAIConfig, batchSize int) *OpenAIEmbedder {
	if config.Model == "" {
		config.Model = openai.EmbeddingModelTextEmbedding3Large
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OpenAIEmbedder{
		config:    config,
		batchSize: batchSize,
		client:    openai.NewClient(clientOptions(config)...),
	}
}

func (e *OpenAIEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch, err := e.embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (e *OpenAIEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *OpenAIEmbedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: e.config.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("failed to create embeddings: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	vectors := make([][]float32, len(data))
	for i, d := range data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		vectors[i] = vec
	}
	return vectors, nil
}
