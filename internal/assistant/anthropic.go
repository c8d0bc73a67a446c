package assistant

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// Anthropic streams Messages API replies.
type Anthropic struct {
	client    anthropic.Client
	model     string
	system    string
	maxTokens int
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(cfg Config) *Anthropic {
	cfg = cfg.withDefaults()
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	return &Anthropic{
		client:    anthropic.NewClient(options...),
		model:     model,
		system:    cfg.System,
		maxTokens: cfg.MaxTokens,
	}
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) Stream(ctx context.Context, req Request, deltas chan<- string) error {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(firstNonEmpty(req.Model, p.model)),
		MaxTokens: int64(firstPositive(req.MaxTokens, p.maxTokens)),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
	}
	if system := firstNonEmpty(req.System, p.system); system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()
	for stream.Next() {
		event := stream.Current()
		if event.Type != "content_block_delta" {
			continue
		}
		delta := event.AsContentBlockDelta().Delta
		if delta.Type != "text_delta" {
			continue
		}
		if err := send(ctx, deltas, delta.Text); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("anthropic: stream: %w", err)
	}
	return nil
}
