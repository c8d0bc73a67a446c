package assistant

import (
	"context"
	"fmt"
	"math"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// Gemini streams generateContent responses from the Gemini API.
type Gemini struct {
	client    *genai.Client
	model     string
	system    string
	maxTokens int
}

// NewGemini creates a Gemini provider. BaseURL overrides the API endpoint.
func NewGemini(cfg Config) (*Gemini, error) {
	cfg = cfg.withDefaults()
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), clientCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	return &Gemini{
		client:    client,
		model:     model,
		system:    cfg.System,
		maxTokens: cfg.MaxTokens,
	}, nil
}

func (p *Gemini) Name() string { return "gemini" }

func (p *Gemini) Stream(ctx context.Context, req Request, deltas chan<- string) error {
	contents := []*genai.Content{{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: req.Prompt}},
	}}
	genCfg := &genai.GenerateContentConfig{}
	if system := firstNonEmpty(req.System, p.system); system != "" {
		genCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if maxTokens := firstPositive(req.MaxTokens, p.maxTokens); maxTokens > 0 {
		// #nosec G115 -- bounded by min
		genCfg.MaxOutputTokens = int32(min(maxTokens, math.MaxInt32))
	}

	for resp, err := range p.client.Models.GenerateContentStream(ctx, firstNonEmpty(req.Model, p.model), contents, genCfg) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return fmt.Errorf("gemini: stream: %w", err)
		}
		if resp == nil {
			continue
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if err := send(ctx, deltas, part.Text); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
