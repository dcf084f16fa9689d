package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"slices"
	"strings"

	"leadmark-worker/internal/entity"
	"leadmark-worker/internal/mailutil"
)

// Dispatch performs every durable side effect. Steps are not rolled back:
// inbound persistence and the unlock are idempotent, so a retried job
// converges. When no attempt is left the thread lock is given back.
func (s *Stages) handleDispatch(ctx context.Context, job *entity.Job) (out *DispatchOutput, err error) {
	res, err := decodeChild(s.validate, job, StagePreprocess)
	if err != nil {
		return nil, fatalErr(StageDispatch, KindInvalidPayload, err)
	}
	p := *res.Preprocess

	defer func() {
		if err == nil || p.LockToken == "" || !finalAttempt(ctx, job, err) {
			return
		}
		if _, uerr := s.unlock(context.WithoutCancel(ctx), p); uerr != nil {
			s.log.Warn("release thread lock after failed dispatch", "thread_id", p.Thread.ID, "job_id", job.ID, "error", uerr)
			return
		}
		s.log.Info("thread lock released after failed dispatch", "thread_id", p.Thread.ID, "job_id", job.ID)
	}()

	inbound, err := s.persistInbound(ctx, p)
	if err != nil {
		return nil, err
	}

	if err := s.storeAttachmentReferences(ctx, inbound.ID, p.AttachmentResourceIDs); err != nil {
		return nil, err
	}

	if s.cfg.SkipResendOnRetry && job.AttemptsMade > 0 {
		reply, err := s.store.FindReply(ctx, p.Thread.ID, inbound.ID)
		if err != nil && !errors.Is(err, entity.ErrNotFound) {
			return nil, stageErr(StageDispatch, KindMessagePersist, fmt.Errorf("look up earlier reply: %w", err))
		}
		if reply != nil {
			s.log.Info("reply already sent, skipping", "thread_id", p.Thread.ID, "message_id", reply.ID, "job_id", job.ID)
			thread, err := s.unlock(ctx, p)
			if err != nil {
				return nil, err
			}
			return &DispatchOutput{
				Subject:          p.Subject,
				InboundMessage:   *inbound,
				ProcessedMessage: reply,
				UpdatedThread:    *thread,
				Ack:              entity.SendReceipt{MessageID: reply.ExternalID, Skipped: true},
			}, nil
		}
	}

	prompt := entity.ReplyPrompt{
		Name:              p.Input.SenderName(),
		FullName:          p.Owner.FullName,
		Objective:         p.Mailbox.Objective,
		ObjectiveParsed:   p.Mailbox.ObjectiveParsed,
		Text:              p.Message,
		AttachmentContext: s.buildContext(ctx, p, inbound.ID),
		LinksContext:      s.buildLinksContext(p),
	}
	text, err := s.gen.Generate(ctx, prompt)
	if err != nil {
		return nil, stageErr(StageDispatch, KindGeneration, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, stageErr(StageDispatch, KindGeneration, errors.New("empty reply"))
	}
	html, err := mailutil.MarkdownToHTML(text)
	if err != nil {
		return nil, stageErr(StageDispatch, KindGeneration, fmt.Errorf("render markdown: %w", err))
	}

	ack, err := s.sender.Send(ctx, entity.OutboundEmail{
		From:          fromAddress(p),
		To:            p.Recipients.To,
		Cc:            p.Recipients.Cc,
		Subject:       p.Subject,
		HTMLBody:      html,
		TextBody:      text,
		Headers:       replyHeaders(p.Headers),
		MessageStream: p.Mailbox.MessageStream,
	})
	if err != nil {
		return nil, stageErr(StageDispatch, KindSend, err)
	}

	receipt, _ := json.Marshal(ack)
	inboundID := inbound.ID
	outbound, err := s.store.InsertMessage(ctx, []entity.MessageInsert{{
		ThreadID:      p.Thread.ID,
		Direction:     entity.DirectionOutbound,
		Content:       text,
		HTMLContent:   html,
		Subject:       p.Subject,
		IsAIGenerated: true,
		ExternalID:    ack.MessageID,
		ReplyToID:     &inboundID,
		PostmarkData:  receipt,
	}})
	if err != nil {
		return nil, stageErr(StageDispatch, KindMessagePersist, fmt.Errorf("outbound: %w", err))
	}
	if outbound == nil {
		return nil, stageErr(StageDispatch, KindMessagePersist, fmt.Errorf("outbound: %w", errNoRow))
	}

	thread, err := s.unlock(ctx, p)
	if err != nil {
		return nil, err
	}

	return &DispatchOutput{
		Subject:          p.Subject,
		InboundMessage:   *inbound,
		ProcessedMessage: outbound,
		UpdatedThread:    *thread,
		Ack:              ack,
	}, nil
}

func (s *Stages) persistInbound(ctx context.Context, p PreprocessOutput) (*entity.Message, error) {
	meta, err := json.Marshal(map[string]any{
		"headers":        p.Input.Headers,
		"message_stream": p.Input.MessageStream,
		"recipients":     p.Recipients,
		"to":             p.Input.To,
		"cc":             p.Input.Cc,
		"from":           p.Input.From,
		"date":           p.Input.Date,
	})
	if err != nil {
		return nil, stageErr(StageDispatch, KindMessagePersist, err)
	}

	externalID := p.Input.MessageID
	if externalID == "" {
		externalID = mailutil.HeaderValue(p.Headers, "Message-ID")
	}

	msg, err := s.store.InsertMessage(ctx, []entity.MessageInsert{{
		ThreadID:     p.Thread.ID,
		Direction:    entity.DirectionInbound,
		Content:      p.Message,
		HTMLContent:  p.Input.HtmlBody,
		Subject:      p.Input.Subject,
		ExternalID:   externalID,
		PostmarkData: meta,
	}})
	if err != nil {
		return nil, stageErr(StageDispatch, KindMessagePersist, fmt.Errorf("inbound: %w", err))
	}
	if msg == nil {
		return nil, stageErr(StageDispatch, KindMessagePersist, fmt.Errorf("inbound: %w", errNoRow))
	}
	return msg, nil
}

// storeAttachmentReferences links the inbound message to its resources, one
// row per distinct resource id.
func (s *Stages) storeAttachmentReferences(ctx context.Context, messageID int64, resourceIDs []int64) error {
	if len(resourceIDs) == 0 {
		return nil
	}
	ids := uniqueIDs(resourceIDs)
	records := make([]entity.AttachmentInsert, 0, len(ids))
	for _, id := range ids {
		records = append(records, entity.AttachmentInsert{MessageID: messageID, ResourceID: id})
	}
	rows, err := s.store.InsertMessageAttachments(ctx, records)
	if err != nil {
		return stageErr(StageDispatch, KindAttachmentLink, err)
	}
	if len(rows) == 0 {
		return stageErr(StageDispatch, KindAttachmentLink, errNoRow)
	}
	return nil
}

func (s *Stages) unlock(ctx context.Context, p PreprocessOutput) (*entity.Thread, error) {
	t := p.Thread
	if p.LockToken != "" {
		token := p.LockToken
		t.LockToken = &token
	}
	thread, err := s.store.UnlockThread(ctx, t)
	if err != nil {
		return nil, stageErr(StageDispatch, KindThreadUnlock, err)
	}
	if thread == nil {
		return nil, stageErr(StageDispatch, KindThreadUnlock, errNoRow)
	}
	return thread, nil
}

// buildContext gathers attachment text, recent history and mailbox
// resources into one block. Lookups that fail are logged and left out.
func (s *Stages) buildContext(ctx context.Context, p PreprocessOutput, inboundID int64) string {
	var sections []string

	if len(p.AttachmentResourceIDs) > 0 {
		resources, err := s.store.FetchResourcesByIDs(ctx, p.AttachmentResourceIDs, p.Owner.ID)
		if err != nil {
			s.log.Warn("fetch attachment resources", "thread_id", p.Thread.ID, "error", err)
		}
		var parts []string
		for _, r := range resources {
			parts = append(parts, resourceSummary(r, s.cfg.MaxContextChars))
		}
		if block := joinNonEmpty(parts, "\n\n"); block != "" {
			sections = append(sections, "## Attachments\n\n"+block)
		}
	}

	history, err := s.store.FetchMessageHistory(ctx, p.Thread.ID, s.cfg.HistoryLimit, inboundID)
	if err != nil {
		s.log.Warn("fetch message history", "thread_id", p.Thread.ID, "error", err)
	}
	if len(history) > 0 {
		lines := make([]string, 0, len(history))
		for _, h := range history {
			lines = append(lines, fmt.Sprintf("[%s] %s: %s", h.CreatedAt.UTC().Format("2006-01-02 15:04"), h.Direction, truncate(h.Content, s.cfg.MaxContextChars)))
		}
		sections = append(sections, "## Conversation so far\n\n"+strings.Join(lines, "\n"))
	}

	resources, err := s.store.FetchMailboxResources(ctx, p.Mailbox.ID, p.Owner.ID, s.cfg.ResourceLimit)
	if err != nil {
		s.log.Warn("fetch mailbox resources", "mailbox_id", p.Mailbox.ID, "error", err)
	}
	var parts []string
	for _, r := range resources {
		if slices.Contains(p.AttachmentResourceIDs, r.ID) {
			continue
		}
		parts = append(parts, resourceSummary(r, s.cfg.MaxContextChars))
	}
	if block := joinNonEmpty(parts, "\n\n"); block != "" {
		sections = append(sections, "## Mailbox resources\n\n"+block)
	}

	return strings.Join(sections, "\n\n")
}

func (s *Stages) buildLinksContext(p PreprocessOutput) string {
	var parts []string
	for _, l := range p.Links {
		title := l.Title
		if title == "" {
			title = l.URL
		}
		parts = append(parts, fmt.Sprintf("### %s (%s)\n%s", title, l.URL, truncate(l.Markdown, s.cfg.MaxContextChars)))
	}
	for _, m := range p.SimilaritySearchResults {
		parts = append(parts, fmt.Sprintf("### %s\n%s", m.Name, m.Snippet))
	}
	return joinNonEmpty(parts, "\n\n")
}

func resourceSummary(r entity.Resource, limit int) string {
	body := strings.TrimSpace(r.RawContent)
	if body == "" {
		return fmt.Sprintf("### %s\n(%s, %d bytes)", r.Name, r.ContentType, r.Size)
	}
	return fmt.Sprintf("### %s\n%s", r.Name, truncate(body, limit))
}

// fromAddress formats the mailbox address with the owner's display name.
func fromAddress(p PreprocessOutput) string {
	name := p.Owner.FullName
	if name == "" {
		name = p.Mailbox.Name
	}
	if name == "" {
		return p.Mailbox.Address
	}
	return (&mail.Address{Name: name, Address: p.Mailbox.Address}).String()
}

// replyHeaders threads the reply under the inbound message.
func replyHeaders(inbound []entity.Header) []entity.Header {
	msgID := mailutil.HeaderValue(inbound, "Message-ID")
	if msgID == "" {
		return nil
	}
	refs := strings.TrimSpace(mailutil.HeaderValue(inbound, "References"))
	if refs == "" {
		refs = strings.TrimSpace(mailutil.HeaderValue(inbound, "In-Reply-To"))
	}
	if refs != "" {
		refs += " "
	}
	return []entity.Header{
		{Name: "In-Reply-To", Value: msgID},
		{Name: "References", Value: refs + msgID},
	}
}
