package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = openai.GPT4oMini

// OpenAI streams chat completions.
type OpenAI struct {
	client    *openai.Client
	model     string
	system    string
	maxTokens int
}

// NewOpenAI creates an OpenAI provider. BaseURL targets compatible APIs.
func NewOpenAI(cfg Config) *OpenAI {
	cfg = cfg.withDefaults()
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAI{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     model,
		system:    cfg.System,
		maxTokens: cfg.MaxTokens,
	}
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) Stream(ctx context.Context, req Request, deltas chan<- string) error {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	system := req.System
	if system == "" {
		system = p.system
	}
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	chatReq := openai.ChatCompletionRequest{
		Model:     firstNonEmpty(req.Model, p.model),
		Messages:  messages,
		MaxTokens: firstPositive(req.MaxTokens, p.maxTokens),
		Stream:    true,
	}
	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return fmt.Errorf("openai: create stream: %w", err)
	}
	defer stream.Close()

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("openai: stream: %w", err)
		}
		if len(response.Choices) == 0 {
			continue
		}
		if err := send(ctx, deltas, response.Choices[0].Delta.Content); err != nil {
			return err
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
