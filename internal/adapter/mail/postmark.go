package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"leadmark-worker/internal/entity"
	"leadmark-worker/internal/metrics"
)

const defaultPostmarkURL = "https://api.postmarkapp.com"

// PostmarkSender sends through the Postmark email API.
type PostmarkSender struct {
	token   string
	baseURL string
	client  *http.Client
}

type postmarkResponse struct {
	To          string    `json:"To"`
	SubmittedAt time.Time `json:"SubmittedAt"`
	MessageID   string    `json:"MessageID"`
	ErrorCode   int       `json:"ErrorCode"`
	Message     string    `json:"Message"`
}

// NewPostmarkSender uses client when given, a client with cfg.Timeout
// otherwise.
func NewPostmarkSender(cfg Config, client *http.Client) (*PostmarkSender, error) {
	if cfg.PostmarkToken == "" {
		return nil, errors.New("postmark: empty server token")
	}
	base := strings.TrimRight(cfg.PostmarkBaseURL, "/")
	if base == "" {
		base = defaultPostmarkURL
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &PostmarkSender{token: cfg.PostmarkToken, baseURL: base, client: client}, nil
}

func (s *PostmarkSender) Send(ctx context.Context, msg entity.OutboundEmail) (entity.SendReceipt, error) {
	receipt, err := s.send(ctx, msg)
	metrics.EmailSent(ProviderPostmark, err == nil)
	return receipt, err
}

func (s *PostmarkSender) send(ctx context.Context, msg entity.OutboundEmail) (entity.SendReceipt, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return entity.SendReceipt{}, fmt.Errorf("postmark: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/email", bytes.NewReader(body))
	if err != nil {
		return entity.SendReceipt{}, fmt.Errorf("postmark: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Postmark-Server-Token", s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return entity.SendReceipt{}, fmt.Errorf("postmark: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return entity.SendReceipt{}, fmt.Errorf("postmark: read response: %w", err)
	}

	var pr postmarkResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &pr); err != nil && resp.StatusCode < 300 {
			return entity.SendReceipt{}, fmt.Errorf("postmark: decode response: %w", err)
		}
	}
	if resp.StatusCode >= 300 || pr.ErrorCode != 0 {
		message := pr.Message
		if message == "" {
			message = strings.TrimSpace(string(raw))
		}
		return entity.SendReceipt{}, &SendError{Provider: ProviderPostmark, Status: resp.StatusCode, Code: pr.ErrorCode, Message: message}
	}

	submitted := pr.SubmittedAt
	if submitted.IsZero() {
		submitted = time.Now().UTC()
	}
	return entity.SendReceipt{MessageID: pr.MessageID, SubmittedAt: submitted, Provider: ProviderPostmark}, nil
}
