package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"

	"leadmark-worker/internal/entity"
	"leadmark-worker/internal/metrics"
	"leadmark-worker/internal/pipeline"
)

// MailboxResolver finds the mailbox (and its owners) an inbound email was
// addressed to. Implemented by postgresql.Store. Returns entity.ErrNotFound
// for unknown addresses.
type MailboxResolver interface {
	FindMailboxWithOwner(ctx context.Context, address string) (*entity.MailboxWithOwner, error)
}

// FlowProducer is the producer side of Queue.
type FlowProducer interface {
	AddFlow(ctx context.Context, flow entity.FlowJob) (*entity.JobNode, error)
}

// Deduper remembers webhook deliveries already accepted.
type Deduper interface {
	IsNew(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

type InboundService struct {
	mailboxes MailboxResolver
	queue     FlowProducer
	dedup     Deduper
	flow      pipeline.FlowOptions
	log       *slog.Logger
}

// NewInboundService wires the producer. dedup may be nil.
func NewInboundService(mailboxes MailboxResolver, queue FlowProducer, dedup Deduper, flow pipeline.FlowOptions, log *slog.Logger) *InboundService {
	if log == nil {
		log = slog.Default()
	}
	return &InboundService{mailboxes: mailboxes, queue: queue, dedup: dedup, flow: flow, log: log}
}

type EnqueueResult struct {
	FlowID    string `json:"flow_id,omitempty"`
	MailboxID int64  `json:"mailbox_id"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Enqueue resolves the target mailbox and adds the reply flow for one
// inbound email. A queue outage surfaces as *ConnectionError.
func (s *InboundService) Enqueue(ctx context.Context, payload entity.InboundEmail) (EnqueueResult, error) {
	mb, err := s.resolve(ctx, payload)
	if err != nil {
		if errors.Is(err, ErrMailboxNotFound) {
			metrics.FlowEnqueued("no_mailbox")
		} else {
			metrics.FlowEnqueued("error")
		}
		return EnqueueResult{}, err
	}
	res := EnqueueResult{MailboxID: mb.ID}

	key := dedupKey(mb.ID, payload.MessageID)
	if key != "" && s.dedup != nil {
		fresh, err := s.dedup.IsNew(ctx, key)
		switch {
		case err != nil:
			s.log.Warn("dedup check failed, enqueueing anyway", "message_id", payload.MessageID, "error", err)
		case !fresh:
			metrics.FlowEnqueued("duplicate")
			s.log.Info("duplicate inbound webhook", "message_id", payload.MessageID, "mailbox_id", mb.ID)
			res.Duplicate = true
			return res, ErrDuplicate
		}
	}

	flow, err := pipeline.BuildFlow(payload, *mb, s.flow)
	if err != nil {
		metrics.FlowEnqueued("error")
		return res, err
	}

	node, err := s.queue.AddFlow(ctx, flow)
	if err != nil {
		if key != "" && s.dedup != nil {
			// let the webhook redelivery through
			if ferr := s.dedup.Forget(context.WithoutCancel(ctx), key); ferr != nil {
				s.log.Warn("dedup forget failed", "message_id", payload.MessageID, "error", ferr)
			}
		}
		metrics.FlowEnqueued("error")
		return res, fmt.Errorf("add flow: %w", err)
	}

	res.FlowID = node.Job.ID
	metrics.FlowEnqueued("ok")
	s.log.Info("inbound email enqueued",
		"flow_id", res.FlowID, "mailbox_id", mb.ID, "from", payload.SenderEmail(), "message_id", payload.MessageID)
	return res, nil
}

func (s *InboundService) resolve(ctx context.Context, payload entity.InboundEmail) (*entity.MailboxWithOwner, error) {
	for _, addr := range recipientCandidates(payload) {
		mb, err := s.mailboxes.FindMailboxWithOwner(ctx, addr)
		if errors.Is(err, entity.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve mailbox %s: %w", addr, err)
		}
		return mb, nil
	}
	return nil, ErrMailboxNotFound
}

// recipientCandidates lists the addresses that may name the mailbox, most
// specific first, lower-cased and without repeats.
func recipientCandidates(p entity.InboundEmail) []string {
	var out []string
	seen := map[string]bool{}
	add := func(addr string) {
		addr = strings.ToLower(strings.TrimSpace(addr))
		if addr == "" || seen[addr] {
			return
		}
		seen[addr] = true
		out = append(out, addr)
	}

	add(p.OriginalRecipient)
	for _, a := range p.ToFull {
		add(a.Email)
	}
	if list, err := mail.ParseAddressList(p.To); err == nil {
		for _, a := range list {
			add(a.Address)
		}
	}
	return out
}

func dedupKey(mailboxID int64, messageID string) string {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return ""
	}
	return strconv.FormatInt(mailboxID, 10) + ":" + messageID
}
