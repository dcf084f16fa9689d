package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"

	"leadmark-worker/internal/entity"
	"leadmark-worker/internal/mailutil"
)

// maxAttachmentText caps the extracted text kept for one attachment.
const maxAttachmentText = 64 << 10

func (s *Stages) handlePreprocess(ctx context.Context, job *entity.Job) (out *PreprocessOutput, err error) {
	res, err := decodeChild(s.validate, job, StageValidate)
	if err != nil {
		return nil, fatalErr(StagePreprocess, KindInvalidPayload, err)
	}
	v := *res.Validate

	contact, err := s.store.FindOrCreateContact(ctx, entity.Contact{
		Email:     v.Recipients.To,
		Name:      v.Input.FromFull.Name,
		MailboxID: v.Mailbox.ID,
		OwnerID:   v.Owner.ID,
	})
	if err != nil {
		return nil, stageErr(StagePreprocess, KindContactCreation, err)
	}
	if contact == nil {
		return nil, stageErr(StagePreprocess, KindContactCreation, errNoRow)
	}

	namespace := mailutil.ThreadNamespace(mailutil.NamespaceParts{
		From:      v.Recipients.To,
		MailboxID: v.Mailbox.ID,
		Subject:   v.Input.Subject,
	})
	thread, err := s.store.FindOrCreateThread(ctx, entity.Thread{
		Namespace: namespace,
		Status:    entity.ThreadActive,
		OwnerID:   v.Owner.ID,
		MailboxID: v.Mailbox.ID,
		ContactID: contact.ID,
		Subject:   v.Input.Subject,
	})
	if err != nil {
		return nil, stageErr(StagePreprocess, KindThreadCreation, err)
	}
	if thread == nil {
		return nil, stageErr(StagePreprocess, KindThreadCreation, errNoRow)
	}

	token, locked, err := s.lockThread(ctx, job, thread)
	if err != nil {
		return nil, err
	}
	if token != "" {
		// From here on the lock is ours; give it back if the stage fails.
		defer func() {
			if err == nil {
				return
			}
			released := *locked
			released.LockToken = &token
			if _, uerr := s.store.UnlockThread(context.WithoutCancel(ctx), released); uerr != nil {
				s.log.Warn("release thread lock", "thread_id", locked.ID, "error", uerr)
			}
		}()
	}

	resourceIDs, err := s.storeAttachments(ctx, v)
	if err != nil {
		return nil, err
	}

	links, matches := s.enrich(ctx, v)

	return &PreprocessOutput{
		ValidateOutput:          v,
		Contact:                 *contact,
		Thread:                  *locked,
		LockToken:               token,
		AttachmentResourceIDs:   resourceIDs,
		SimilaritySearchResults: matches,
		Links:                   links,
	}, nil
}

// lockThread takes the composing lock and applies the busy policy when
// another flow holds it. An empty token means no lock was taken.
func (s *Stages) lockThread(ctx context.Context, job *entity.Job, thread *entity.Thread) (string, *entity.Thread, error) {
	token := flowToken(job)
	locked, err := s.store.LockThread(ctx, thread.ID, token, s.cfg.LockTTL)
	if err == nil && locked != nil {
		return token, locked, nil
	}
	if err == nil {
		return "", nil, stageErr(StagePreprocess, KindThreadCreation, errNoRow)
	}
	if !errors.Is(err, entity.ErrThreadBusy) {
		return "", nil, stageErr(StagePreprocess, KindThreadCreation, fmt.Errorf("lock thread %d: %w", thread.ID, err))
	}

	switch s.cfg.ThreadBusyPolicy {
	case BusyProceed:
		s.log.Warn("thread busy, composing anyway", "thread_id", thread.ID, "job_id", job.ID)
		return "", thread, nil
	case BusyDrop:
		return "", nil, fatalErr(StagePreprocess, KindThreadBusy, fmt.Errorf("thread %d: %w", thread.ID, err))
	default:
		return "", nil, deferredErr(StagePreprocess, KindThreadBusy, fmt.Errorf("thread %d: %w", thread.ID, err), s.cfg.BusyRetryDelay)
	}
}

// flowToken identifies the flow that owns a thread lock: the key of the
// dispatch job that will release it. Every run of the same flow gets the
// same token, so taking the lock again after a crash succeeds.
func flowToken(job *entity.Job) string {
	if job.ParentKey != "" {
		return job.ParentKey
	}
	return job.Key()
}

// storeAttachments persists every attachment as a resource. Single
// failures are logged; the stage fails only when none could be stored.
func (s *Stages) storeAttachments(ctx context.Context, v ValidateOutput) ([]int64, error) {
	if len(v.Attachments) == 0 {
		return nil, nil
	}

	mailboxID := v.Mailbox.ID
	var ids []int64
	var lastErr error
	for _, a := range v.Attachments {
		data, err := a.Decode()
		if err != nil {
			lastErr = fmt.Errorf("decode %q: %w", a.Name, err)
			s.log.Warn("attachment skipped", "name", a.Name, "error", err)
			continue
		}
		sum := sha256.Sum256(data)
		res, err := s.store.CreateResource(ctx, entity.Resource{
			OwnerID:     v.Owner.ID,
			MailboxID:   &mailboxID,
			Name:        a.Name,
			ContentType: a.ContentType,
			Size:        int64(len(data)),
			Checksum:    hex.EncodeToString(sum[:]),
			RawContent:  attachmentText(a.ContentType, data),
			Data:        data,
		})
		if err != nil || res == nil {
			if err == nil {
				err = errNoRow
			}
			lastErr = fmt.Errorf("store %q: %w", a.Name, err)
			s.log.Warn("attachment skipped", "name", a.Name, "error", err)
			continue
		}
		ids = append(ids, res.ID)
	}

	if len(ids) == 0 {
		return nil, stageErr(StagePreprocess, KindAttachmentHandling, lastErr)
	}
	return uniqueIDs(ids), nil
}

// attachmentText is the searchable text of an attachment; binary types
// have none.
func attachmentText(contentType string, data []byte) string {
	ct := strings.ToLower(contentType)
	var text string
	switch {
	case strings.HasPrefix(ct, "text/html"):
		text = mailutil.HTMLToText(string(data))
	case strings.HasPrefix(ct, "text/"), strings.Contains(ct, "json"), strings.Contains(ct, "csv"):
		text = string(data)
	default:
		return ""
	}
	text = strings.ReplaceAll(text, "\x00", "")
	return strings.ToValidUTF8(truncate(text, maxAttachmentText), "")
}

// enrich is best-effort: nothing here fails the stage.
func (s *Stages) enrich(ctx context.Context, v ValidateOutput) ([]entity.LinkContext, []entity.ResourceMatch) {
	var links []entity.LinkContext
	if s.enricher != nil {
		urls := mailutil.ExtractURLs(v.Message)
		for _, u := range mailutil.ExtractHTMLLinks(v.Input.HtmlBody) {
			if !slices.Contains(urls, u) {
				urls = append(urls, u)
			}
		}
		if len(urls) > 0 {
			links = s.enricher.Enrich(ctx, urls)
		}
	}

	var matches []entity.ResourceMatch
	if q := strings.TrimSpace(v.Message); q != "" {
		found, err := s.store.SearchResources(ctx, v.Owner.ID, q, s.cfg.SimilarityLimit)
		if err != nil {
			s.log.Warn("similarity search failed", "owner_id", v.Owner.ID, "error", err)
		} else {
			matches = found
		}
	}
	return links, matches
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
