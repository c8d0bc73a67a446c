// Package assistant streams AI assistant replies from a configured provider
// to a connection through a bounded channel.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/relayerr"
)

var (
	ErrDisabled       = relayerr.New(relayerr.KindValidation, "assistant is not configured")
	ErrEmptyPrompt    = relayerr.New(relayerr.KindValidation, "prompt is required")
	ErrStreamExists   = relayerr.New(relayerr.KindValidation, "stream already running")
	ErrTooManyStreams = relayerr.New(relayerr.KindRateLimited, "too many concurrent streams")
)

// Config selects and configures the provider. Credentials come from
// configuration or the environment, never from code.
type Config struct {
	Provider     string        `yaml:"provider" json:"provider" jsonschema:"enum=none,enum=openai,enum=anthropic,enum=gemini"`
	APIKey       string        `yaml:"api_key" json:"api_key"`
	BaseURL      string        `yaml:"base_url" json:"base_url"`
	Model        string        `yaml:"model" json:"model"`
	System       string        `yaml:"system" json:"system"`
	MaxTokens    int           `yaml:"max_tokens" json:"max_tokens"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	BufferSize   int           `yaml:"buffer_size" json:"buffer_size"`
	MaxPerClient int           `yaml:"max_per_client" json:"max_per_client"`
}

func (c Config) withDefaults() Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 32
	}
	if c.MaxPerClient <= 0 {
		c.MaxPerClient = 2
	}
	return c
}

// Request is one prompt to stream.
type Request struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

// Provider streams text deltas for a request into deltas. It must stop
// when ctx is cancelled and must not close deltas.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request, deltas chan<- string) error
}

// NewProvider builds the configured provider once per process.
func NewProvider(cfg Config) (Provider, error) {
	cfg = cfg.withDefaults()
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "none":
		return nil, ErrDisabled
	case "openai":
		if cfg.APIKey == "" {
			return nil, errors.New("assistant: openai api key is required")
		}
		return NewOpenAI(cfg), nil
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, errors.New("assistant: anthropic api key is required")
		}
		return NewAnthropic(cfg), nil
	case "gemini":
		if cfg.APIKey == "" {
			return nil, errors.New("assistant: gemini api key is required")
		}
		return NewGemini(cfg)
	default:
		return nil, fmt.Errorf("assistant: unknown provider %q", cfg.Provider)
	}
}

// send delivers one delta, giving up when ctx ends so a stopped consumer
// never blocks the producer.
func send(ctx context.Context, deltas chan<- string, delta string) error {
	if delta == "" {
		return nil
	}
	select {
	case deltas <- delta:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
