package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"leadmark-worker/internal/entity"
	"leadmark-worker/internal/metrics"
)

type GeminiGenerator struct {
	client *genai.Client
	cfg    Config
}

func NewGeminiGenerator(ctx context.Context, cfg Config) (*GeminiGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: empty api key")
	}
	cfg = cfg.withDefaults()
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	return &GeminiGenerator{client: client, cfg: cfg}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, p entity.ReplyPrompt) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	system, user := BuildPrompt(p)
	conf := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		MaxOutputTokens:   int32(g.cfg.MaxTokens),
	}
	if g.cfg.Temperature > 0 {
		conf.Temperature = genai.Ptr(g.cfg.Temperature)
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, genai.Text(user), conf)
	if err != nil {
		metrics.ObserveGeneration(ProviderGemini, g.cfg.Model, time.Since(start), false)
		return "", fmt.Errorf("gemini generate: %w", err)
	}

	var b strings.Builder
	if resp != nil && len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part != nil && part.Text != "" && !part.Thought {
				b.WriteString(part.Text)
			}
		}
	}
	text := strings.TrimSpace(b.String())
	metrics.ObserveGeneration(ProviderGemini, g.cfg.Model, time.Since(start), text != "")
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
