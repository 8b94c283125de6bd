package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/schema"
	"github.com/xhad/ragkit/internal/models"
	"github.com/xhad/ragkit/internal/types"
)

// ChatConfig represents the configuration for a chat engine.
type ChatConfig struct {
	Model   string
	BaseURL string // Ollama server URL
}

// ChatEngine is a completion service backed by a langchaingo model.
type ChatEngine struct {
	config ChatConfig
	llm    llms.Model
}

// NewWithConfig creates a ChatEngine talking to an Ollama server.
func NewWithConfig(config ChatConfig) (*ChatEngine, error) {
	if config.Model == "" {
		config.Model = "mistral" // Default Ollama model
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434" // Default Ollama URL
	}

	llm, err := ollama.New(ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return NewChatEngine(llm, config), nil
}

// NewChatEngine wraps an already constructed model.
func NewChatEngine(model llms.Model, config ChatConfig) *ChatEngine {
	return &ChatEngine{
		config: config,
		llm:    model,
	}
}

// Complete generates a full answer for the message sequence.
func (ce *ChatEngine) Complete(ctx context.Context, req types.CompletionRequest) (*types.Completion, error) {
	resp, err := ce.llm.GenerateContent(ctx, messageContent(req.Messages), ce.callOptions(req)...)
	if err != nil {
		return nil, fmt.Errorf("chat error: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
		return nil, errors.New("chat error: no response from LLM")
	}

	choice := resp.Choices[0]
	return &types.Completion{
		Content:      choice.Content,
		OutputTokens: completionTokens(choice.GenerationInfo),
	}, nil
}

// Stream generates an answer and hands every non-empty delta to onFragment.
func (ce *ChatEngine) Stream(ctx context.Context, req types.CompletionRequest, onFragment func(string) error) error {
	opts := append(ce.callOptions(req), llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		return onFragment(string(chunk))
	}))

	if _, err := ce.llm.GenerateContent(ctx, messageContent(req.Messages), opts...); err != nil {
		return fmt.Errorf("chat stream error: %w", err)
	}
	return nil
}

func (ce *ChatEngine) callOptions(req types.CompletionRequest) []llms.CallOption {
	model := req.Model
	if model == "" {
		model = ce.config.Model
	}
	opts := []llms.CallOption{
		llms.WithModel(model),
		llms.WithTemperature(req.Temperature),
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.JSONMode {
		opts = append(opts, llms.WithJSONMode())
	}
	return opts
}

func messageContent(turns []models.ConversationTurn) []llms.MessageContent {
	content := make([]llms.MessageContent, 0, len(turns))
	for _, turn := range turns {
		content = append(content, llms.TextParts(messageType(turn.Role), turn.Content))
	}
	return content
}

func messageType(role string) schema.ChatMessageType {
	switch role {
	case models.RoleSystem:
		return schema.ChatMessageTypeSystem
	case models.RoleAssistant:
		return schema.ChatMessageTypeAI
	default:
		return schema.ChatMessageTypeHuman
	}
}

// completionTokens reads the usage figure providers put in GenerationInfo.
func completionTokens(info map[string]any) int {
	switch v := info["CompletionTokens"].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
