package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"leadmark-worker/internal/entity"
	"leadmark-worker/internal/metrics"
)

type ClaudeGenerator struct {
	client anthropic.Client
	cfg    Config
}

func NewClaudeGenerator(cfg Config) (*ClaudeGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("claude: empty api key")
	}
	cfg = cfg.withDefaults()
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &ClaudeGenerator{client: anthropic.NewClient(opts...), cfg: cfg}, nil
}

func (g *ClaudeGenerator) Generate(ctx context.Context, p entity.ReplyPrompt) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	system, user := BuildPrompt(p)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.cfg.Model),
		MaxTokens: int64(g.cfg.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
		System: []anthropic.TextBlockParam{{Text: system}},
	}
	if g.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(g.cfg.Temperature))
	}

	start := time.Now()
	resp, err := g.client.Messages.New(ctx, params)
	if err != nil {
		metrics.ObserveGeneration(ProviderClaude, g.cfg.Model, time.Since(start), false)
		return "", fmt.Errorf("claude generate: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	metrics.ObserveGeneration(ProviderClaude, g.cfg.Model, time.Since(start), text != "")
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
