// Package mail delivers outbound replies.
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"leadmark-worker/internal/entity"
)

const (
	ProviderPostmark = "postmark"
	ProviderSMTP     = "smtp"
	ProviderLog      = "log"
)

type Sender interface {
	Send(ctx context.Context, msg entity.OutboundEmail) (entity.SendReceipt, error)
}

type Config struct {
	Provider string

	PostmarkToken   string
	PostmarkBaseURL string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	// SMTPTLS is starttls, tls or none; empty picks by port.
	SMTPTLS string

	Timeout time.Duration
}

// SendError is a rejected delivery. Status is the HTTP status for API
// providers; Code is the provider error code or the SMTP reply code.
type SendError struct {
	Provider string
	Status   int
	Code     int
	Message  string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s send failed: status=%d code=%d: %s", e.Provider, e.Status, e.Code, e.Message)
}

// Temporary reports whether a later attempt may succeed.
func (e *SendError) Temporary() bool {
	if e.Provider == ProviderSMTP {
		return e.Code >= 400 && e.Code < 500
	}
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// New builds the sender named by cfg.Provider.
func New(cfg Config, log *slog.Logger) (Sender, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderPostmark:
		s, err := NewPostmarkSender(cfg, nil)
		if err != nil {
			return nil, err
		}
		return s, nil
	case ProviderSMTP:
		s, err := NewSMTPSender(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case ProviderLog, "":
		return NewLogSender(log), nil
	default:
		return nil, fmt.Errorf("unknown mail provider %q", cfg.Provider)
	}
}

// LogSender only logs the message. For local runs.
type LogSender struct {
	log *slog.Logger
}

func NewLogSender(log *slog.Logger) *LogSender {
	if log == nil {
		log = slog.Default()
	}
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, msg entity.OutboundEmail) (entity.SendReceipt, error) {
	id := uuid.NewString()
	s.log.Info("outbound email (not sent)", "message_id", id, "from", msg.From, "to", msg.To, "subject", msg.Subject, "body", msg.TextBody)
	return entity.SendReceipt{MessageID: id, SubmittedAt: time.Now().UTC(), Provider: ProviderLog}, nil
}
