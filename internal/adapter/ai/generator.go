package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"leadmark-worker/internal/entity"
)

const (
	ProviderGemini = "gemini"
	ProviderClaude = "claude"
	ProviderNoop   = "noop"
)

var ErrEmptyResponse = errors.New("model returned no text")

type Generator interface {
	Generate(ctx context.Context, prompt entity.ReplyPrompt) (string, error)
}

type Config struct {
	Provider    string
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Model == "" {
		switch c.Provider {
		case ProviderGemini:
			c.Model = "gemini-2.5-flash"
		case ProviderClaude:
			c.Model = "claude-sonnet-4-5"
		}
	}
	return c
}

// New builds the generator named by cfg.Provider.
func New(ctx context.Context, cfg Config) (Generator, error) {
	cfg = cfg.withDefaults()
	switch strings.ToLower(cfg.Provider) {
	case ProviderGemini:
		g, err := NewGeminiGenerator(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return g, nil
	case ProviderClaude:
		g, err := NewClaudeGenerator(cfg)
		if err != nil {
			return nil, err
		}
		return g, nil
	case ProviderNoop, "":
		return NoopGenerator{}, nil
	default:
		return nil, fmt.Errorf("unknown ai provider %q", cfg.Provider)
	}
}
