package pipeline_test

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"leadmark-worker/internal/entity"
)

// memStore is an in-memory pipeline.Store with the same uniqueness rules as
// the Postgres schema.
type memStore struct {
	mu sync.Mutex

	nextID      int64
	contacts    map[string]*entity.Contact
	threads     map[string]*entity.Thread
	messages    []*entity.Message
	attachments []entity.MessageAttachment
	resources   []*entity.Resource

	contactErr  error
	resourceErr error
	unlockErr   error
	unlockCalls int
}

func newMemStore() *memStore {
	return &memStore{
		contacts: map[string]*entity.Contact{},
		threads:  map[string]*entity.Thread{},
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) FindOrCreateContact(ctx context.Context, c entity.Contact) (*entity.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contactErr != nil {
		return nil, s.contactErr
	}
	key := fmt.Sprintf("%s|%d", strings.ToLower(c.Email), c.MailboxID)
	if got, ok := s.contacts[key]; ok {
		out := *got
		return &out, nil
	}
	c.ID = s.id()
	c.CreatedAt = time.Now()
	s.contacts[key] = &c
	out := c
	return &out, nil
}

func (s *memStore) FindOrCreateThread(ctx context.Context, t entity.Thread) (*entity.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if got, ok := s.threads[t.Namespace]; ok {
		out := *got
		return &out, nil
	}
	t.ID = s.id()
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	s.threads[t.Namespace] = &t
	out := t
	return &out, nil
}

func (s *memStore) threadByID(id int64) *entity.Thread {
	for _, t := range s.threads {
		if t.ID == id {
			return t
		}
	}
	return nil
}

func (s *memStore) LockThread(ctx context.Context, threadID int64, token string, ttl time.Duration) (*entity.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.threadByID(threadID)
	if t == nil {
		return nil, entity.ErrNotFound
	}
	now := time.Now()
	held := t.LockToken != nil && *t.LockToken == token
	if t.Composing(now) && !held {
		return nil, entity.ErrThreadBusy
	}
	until := now.Add(ttl)
	tok := token
	t.ComposingUntil = &until
	t.LockToken = &tok
	out := *t
	return &out, nil
}

func (s *memStore) UnlockThread(ctx context.Context, in entity.Thread) (*entity.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlockCalls++
	if s.unlockErr != nil {
		return nil, s.unlockErr
	}
	t := s.threadByID(in.ID)
	if t == nil {
		return nil, entity.ErrNotFound
	}
	free := !t.Composing(time.Now())
	if free || (in.LockToken != nil && t.LockToken != nil && *in.LockToken == *t.LockToken) {
		t.ComposingUntil = nil
		t.LockToken = nil
		if t.Status != entity.ThreadSpam {
			t.Status = entity.ThreadActive
		}
	}
	out := *t
	return &out, nil
}

// lock marks a thread as composing on behalf of someone else.
func (s *memStore) lock(namespace string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until := time.Now().Add(d)
	tok := "someone-else"
	t := s.threads[namespace]
	t.ComposingUntil = &until
	t.LockToken = &tok
}

func (s *memStore) thread(namespace string) (entity.Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[namespace]
	if !ok {
		return entity.Thread{}, false
	}
	return *t, true
}

func (s *memStore) CreateResource(ctx context.Context, r entity.Resource) (*entity.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resourceErr != nil {
		return nil, s.resourceErr
	}
	for _, got := range s.resources {
		if got.OwnerID == r.OwnerID && got.Checksum == r.Checksum {
			out := *got
			return &out, nil
		}
	}
	r.ID = s.id()
	r.CreatedAt = time.Now()
	s.resources = append(s.resources, &r)
	out := r
	return &out, nil
}

func (s *memStore) InsertMessage(ctx context.Context, records []entity.MessageInsert) (*entity.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(records) == 0 {
		return nil, nil
	}
	rec := records[0]
	if rec.ExternalID != "" {
		for _, m := range s.messages {
			if m.ThreadID == rec.ThreadID && m.Direction == rec.Direction && m.ExternalID == rec.ExternalID {
				out := *m
				return &out, nil
			}
		}
	}
	m := &entity.Message{
		ID:            s.id(),
		ThreadID:      rec.ThreadID,
		Direction:     rec.Direction,
		Content:       rec.Content,
		HTMLContent:   rec.HTMLContent,
		Subject:       rec.Subject,
		IsAIGenerated: rec.IsAIGenerated,
		ExternalID:    rec.ExternalID,
		ReplyToID:     rec.ReplyToID,
		PostmarkData:  rec.PostmarkData,
		CreatedAt:     time.Now(),
	}
	s.messages = append(s.messages, m)
	out := *m
	return &out, nil
}

func (s *memStore) InsertMessageAttachments(ctx context.Context, records []entity.AttachmentInsert) ([]entity.MessageAttachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.MessageAttachment
	for _, r := range records {
		var row *entity.MessageAttachment
		for i := range s.attachments {
			a := &s.attachments[i]
			if a.MessageID == r.MessageID && a.ResourceID == r.ResourceID {
				row = a
			}
		}
		if row == nil {
			s.attachments = append(s.attachments, entity.MessageAttachment{ID: s.id(), MessageID: r.MessageID, ResourceID: r.ResourceID})
			row = &s.attachments[len(s.attachments)-1]
		}
		out = append(out, *row)
	}
	return out, nil
}

func (s *memStore) FetchMessageHistory(ctx context.Context, threadID int64, limit int, excludeID int64) ([]entity.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []entity.HistoryEntry
	for _, m := range s.messages {
		if m.ThreadID == threadID && m.ID != excludeID {
			all = append(all, entity.HistoryEntry{Direction: m.Direction, Content: m.Content, CreatedAt: m.CreatedAt})
		}
	}
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *memStore) FetchResourcesByIDs(ctx context.Context, ids []int64, ownerID uuid.UUID) ([]entity.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.Resource
	for _, r := range s.resources {
		for _, id := range ids {
			if r.ID == id && r.OwnerID == ownerID {
				out = append(out, *r)
			}
		}
	}
	return out, nil
}

func (s *memStore) FetchMailboxResources(ctx context.Context, mailboxID int64, ownerID uuid.UUID, limit int) ([]entity.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.Resource
	for _, r := range s.resources {
		if r.OwnerID == ownerID && r.MailboxID != nil && *r.MailboxID == mailboxID && len(out) < limit {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *memStore) SearchResources(ctx context.Context, ownerID uuid.UUID, query string, limit int) ([]entity.ResourceMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.ResourceMatch
	for _, r := range s.resources {
		if r.OwnerID != ownerID || r.RawContent == "" {
			continue
		}
		for _, w := range strings.Fields(strings.ToLower(query)) {
			if len(w) > 3 && strings.Contains(strings.ToLower(r.RawContent), w) {
				out = append(out, entity.ResourceMatch{ResourceID: r.ID, Name: r.Name, Snippet: r.RawContent, Rank: 1})
				break
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) FindReply(ctx context.Context, threadID, inboundID int64) (*entity.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ThreadID == threadID && m.Direction == entity.DirectionOutbound && m.ReplyToID != nil && *m.ReplyToID == inboundID {
			out := *m
			return &out, nil
		}
	}
	return nil, entity.ErrNotFound
}

func (s *memStore) threadMessages(threadID int64) []entity.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.Message
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) attachmentRows(messageID int64) []entity.MessageAttachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.MessageAttachment
	for _, a := range s.attachments {
		if a.MessageID == messageID {
			out = append(out, a)
		}
	}
	return out
}

type fakeGenerator struct {
	mu      sync.Mutex
	prompts []entity.ReplyPrompt
	reply   string
	err     error
	// delay makes every generation take at least that long.
	delay time.Duration
}

func (g *fakeGenerator) Generate(ctx context.Context, p entity.ReplyPrompt) (string, error) {
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, p)
	if g.err != nil {
		return "", g.err
	}
	if g.reply != "" {
		return g.reply, nil
	}
	return "Hi " + p.Name + ",\n\nThanks for **reaching out**.", nil
}

func (g *fakeGenerator) lastPrompt() entity.ReplyPrompt {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prompts[len(g.prompts)-1]
}

type fakeSender struct {
	mu   sync.Mutex
	sent []entity.OutboundEmail
	err  error
}

func (s *fakeSender) Send(ctx context.Context, msg entity.OutboundEmail) (entity.SendReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return entity.SendReceipt{}, s.err
	}
	s.sent = append(s.sent, msg)
	return entity.SendReceipt{
		MessageID:   fmt.Sprintf("out-%d", len(s.sent)),
		SubmittedAt: time.Now(),
		Provider:    "fake",
	}, nil
}

func (s *fakeSender) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeSender) last() entity.OutboundEmail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

type fakeEnricher struct{}

func (fakeEnricher) Enrich(ctx context.Context, urls []string) []entity.LinkContext {
	out := make([]entity.LinkContext, 0, len(urls))
	for _, u := range urls {
		out = append(out, entity.LinkContext{URL: u, Title: "Page " + u, Markdown: "content of " + u})
	}
	return out
}

type fakeMailboxes struct {
	mb *entity.MailboxWithOwner
}

func (f fakeMailboxes) FindMailboxWithOwner(ctx context.Context, address string) (*entity.MailboxWithOwner, error) {
	if address == f.mb.Address {
		return f.mb, nil
	}
	return nil, entity.ErrNotFound
}
