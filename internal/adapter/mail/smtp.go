package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	netmail "net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"leadmark-worker/internal/entity"
	"leadmark-worker/internal/metrics"
)

// TLS modes for SMTP submission.
const (
	SMTPStartTLS = "starttls"
	SMTPTLS      = "tls"
	SMTPNoTLS    = "none"
)

// SMTPSender delivers through a submission server with go-smtp. Auth is
// used only when a username is configured.
type SMTPSender struct {
	host     string
	addr     string
	tlsMode  string
	username string
	password string
	timeout  time.Duration
	now      func() time.Time
}

func NewSMTPSender(cfg Config) (*SMTPSender, error) {
	if cfg.SMTPHost == "" {
		return nil, errors.New("smtp: empty host")
	}
	port := cfg.SMTPPort
	if port == 0 {
		port = 587
	}
	mode := strings.ToLower(cfg.SMTPTLS)
	switch mode {
	case "":
		mode = SMTPStartTLS
		if port == 465 {
			mode = SMTPTLS
		}
	case SMTPStartTLS, SMTPTLS, SMTPNoTLS:
	default:
		return nil, fmt.Errorf("smtp: unknown tls mode %q", cfg.SMTPTLS)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SMTPSender{
		host:     cfg.SMTPHost,
		addr:     net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(port)),
		tlsMode:  mode,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		timeout:  timeout,
		now:      time.Now,
	}, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg entity.OutboundEmail) (entity.SendReceipt, error) {
	receipt, err := s.send(ctx, msg)
	metrics.EmailSent(ProviderSMTP, err == nil)
	return receipt, err
}

func (s *SMTPSender) send(ctx context.Context, msg entity.OutboundEmail) (entity.SendReceipt, error) {
	now := s.now()
	raw, messageID, err := Compose(msg, now)
	if err != nil {
		return entity.SendReceipt{}, err
	}
	from, err := netmail.ParseAddress(msg.From)
	if err != nil {
		return entity.SendReceipt{}, fmt.Errorf("smtp: from: %w", err)
	}
	rcpts, err := recipients(msg)
	if err != nil {
		return entity.SendReceipt{}, err
	}

	c, err := s.dial(ctx, now)
	if err != nil {
		return entity.SendReceipt{}, err
	}
	defer c.Close()

	if s.username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.username, s.password)); err != nil {
			return entity.SendReceipt{}, smtpErr("auth", err)
		}
	}
	if err := c.Mail(from.Address, nil); err != nil {
		return entity.SendReceipt{}, smtpErr("mail from", err)
	}
	for _, r := range rcpts {
		if err := c.Rcpt(r, nil); err != nil {
			return entity.SendReceipt{}, smtpErr("rcpt "+r, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return entity.SendReceipt{}, smtpErr("data", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return entity.SendReceipt{}, fmt.Errorf("smtp: write: %w", err)
	}
	if err := w.Close(); err != nil {
		return entity.SendReceipt{}, smtpErr("data", err)
	}
	_ = c.Quit()

	return entity.SendReceipt{MessageID: messageID, SubmittedAt: now.UTC(), Provider: ProviderSMTP}, nil
}

func (s *SMTPSender) dial(ctx context.Context, now time.Time) (*smtp.Client, error) {
	conn, err := (&net.Dialer{Timeout: s.timeout}).DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("smtp: dial: %w", err)
	}
	deadline := now.Add(s.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	tlsConfig := &tls.Config{ServerName: s.host, MinVersion: tls.VersionTLS12}
	switch s.tlsMode {
	case SMTPTLS:
		return smtp.NewClient(tls.Client(conn, tlsConfig)), nil
	case SMTPNoTLS:
		return smtp.NewClient(conn), nil
	default:
		c, err := smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("smtp: starttls: %w", err)
		}
		return c, nil
	}
}

// smtpErr keeps the server's reply code so 4xx replies can be retried.
func smtpErr(step string, err error) error {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return &SendError{Provider: ProviderSMTP, Code: se.Code, Message: step + ": " + se.Message}
	}
	return fmt.Errorf("smtp: %s: %w", step, err)
}

// Compose renders msg as a multipart/alternative MIME message and returns
// it with its generated Message-ID.
func Compose(msg entity.OutboundEmail, now time.Time) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetSubject(msg.Subject)

	from, err := netmail.ParseAddress(msg.From)
	if err != nil {
		return nil, "", fmt.Errorf("compose: from: %w", err)
	}
	h.SetAddressList("From", []*mail.Address{from})

	for _, field := range []struct{ name, value string }{{"To", msg.To}, {"Cc", msg.Cc}, {"Reply-To", msg.ReplyTo}} {
		if strings.TrimSpace(field.value) == "" {
			continue
		}
		list, err := netmail.ParseAddressList(field.value)
		if err != nil {
			return nil, "", fmt.Errorf("compose: %s: %w", strings.ToLower(field.name), err)
		}
		h.SetAddressList(field.name, list)
	}
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", fmt.Errorf("compose: message id: %w", err)
	}
	for _, x := range msg.Headers {
		h.Set(x.Name, x.Value)
	}
	messageID, _ := h.MessageID()

	var buf bytes.Buffer
	iw, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, "", fmt.Errorf("compose: %w", err)
	}
	if err := writePart(iw, "text/plain", msg.TextBody); err != nil {
		return nil, "", err
	}
	if msg.HTMLBody != "" {
		if err := writePart(iw, "text/html", msg.HTMLBody); err != nil {
			return nil, "", err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, "", fmt.Errorf("compose: %w", err)
	}
	return buf.Bytes(), "<" + messageID + ">", nil
}

func writePart(iw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := iw.CreatePart(ph)
	if err != nil {
		return fmt.Errorf("compose %s: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		w.Close()
		return fmt.Errorf("compose %s: %w", contentType, err)
	}
	return w.Close()
}

func recipients(msg entity.OutboundEmail) ([]string, error) {
	var out []string
	for _, field := range []string{msg.To, msg.Cc} {
		if strings.TrimSpace(field) == "" {
			continue
		}
		list, err := netmail.ParseAddressList(field)
		if err != nil {
			return nil, fmt.Errorf("smtp: recipients: %w", err)
		}
		for _, a := range list {
			out = append(out, a.Address)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("smtp: no recipients")
	}
	return out, nil
}
