package ai

import (
	"context"
	"fmt"
	"strings"

	"leadmark-worker/internal/entity"
)

// NoopGenerator answers with a fixed acknowledgement. For local runs
// without model credentials.
type NoopGenerator struct{}

func (NoopGenerator) Generate(_ context.Context, p entity.ReplyPrompt) (string, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = "there"
	}
	sign := p.FullName
	if sign == "" {
		sign = "The team"
	}
	return fmt.Sprintf("Hi %s,\n\nThanks for your message. We received it and will get back to you shortly.\n\nBest,\n%s", name, sign), nil
}
