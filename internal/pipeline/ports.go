package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"leadmark-worker/internal/entity"
)

// Store is the data access the stages need (implementation:
// repository/postgresql.Store).
type Store interface {
	FindOrCreateContact(ctx context.Context, c entity.Contact) (*entity.Contact, error)
	FindOrCreateThread(ctx context.Context, t entity.Thread) (*entity.Thread, error)
	LockThread(ctx context.Context, threadID int64, token string, ttl time.Duration) (*entity.Thread, error)
	UnlockThread(ctx context.Context, t entity.Thread) (*entity.Thread, error)
	CreateResource(ctx context.Context, r entity.Resource) (*entity.Resource, error)
	InsertMessage(ctx context.Context, records []entity.MessageInsert) (*entity.Message, error)
	InsertMessageAttachments(ctx context.Context, records []entity.AttachmentInsert) ([]entity.MessageAttachment, error)
	FetchMessageHistory(ctx context.Context, threadID int64, limit int, excludeID int64) ([]entity.HistoryEntry, error)
	FetchResourcesByIDs(ctx context.Context, ids []int64, ownerID uuid.UUID) ([]entity.Resource, error)
	FetchMailboxResources(ctx context.Context, mailboxID int64, ownerID uuid.UUID, limit int) ([]entity.Resource, error)
	SearchResources(ctx context.Context, ownerID uuid.UUID, query string, limit int) ([]entity.ResourceMatch, error)
	FindReply(ctx context.Context, threadID, inboundID int64) (*entity.Message, error)
}

type Generator interface {
	Generate(ctx context.Context, prompt entity.ReplyPrompt) (string, error)
}

type Sender interface {
	Send(ctx context.Context, msg entity.OutboundEmail) (entity.SendReceipt, error)
}

// Enricher resolves URLs to page content. It never fails; unreachable pages
// are left out.
type Enricher interface {
	Enrich(ctx context.Context, urls []string) []entity.LinkContext
}
