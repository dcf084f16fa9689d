package postgresql

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"leadmark-worker/internal/entity"
)

const messageColumns = `id, thread_id, direction, content, html_content, subject, is_ai_generated,
       coalesce(external_id, ''), reply_to_id, postmark_data, created_at`

func scanMessage(row pgx.Row) (*entity.Message, error) {
	var (
		m         entity.Message
		direction string
		meta      []byte
	)
	if err := row.Scan(
		&m.ID, &m.ThreadID, &direction, &m.Content, &m.HTMLContent, &m.Subject, &m.IsAIGenerated,
		&m.ExternalID, &m.ReplyToID, &meta, &m.CreatedAt,
	); err != nil {
		return nil, notFound(err)
	}
	m.Direction = entity.Direction(direction)
	if meta != nil {
		m.PostmarkData = json.RawMessage(meta)
	}
	return &m, nil
}

// InsertMessage stores the records in one transaction and returns the first.
// A record whose (thread, direction, external id) already exists returns the
// stored row, so retries do not duplicate messages.
func (s *Store) InsertMessage(ctx context.Context, records []entity.MessageInsert) (*entity.Message, error) {
	if len(records) == 0 {
		return nil, nil
	}
	q := `
INSERT INTO messages (thread_id, direction, content, html_content, subject, is_ai_generated,
                      external_id, reply_to_id, postmark_data)
VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)
ON CONFLICT (thread_id, direction, external_id) DO UPDATE SET external_id = EXCLUDED.external_id
RETURNING ` + messageColumns + `;`

	var first *entity.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i, r := range records {
			var meta any
			if len(r.PostmarkData) > 0 {
				meta = r.PostmarkData
			}
			m, err := scanMessage(tx.QueryRow(ctx, q,
				r.ThreadID, string(r.Direction), r.Content, r.HTMLContent, r.Subject, r.IsAIGenerated,
				r.ExternalID, r.ReplyToID, meta))
			if err != nil {
				return fmt.Errorf("message %d: %w", i, err)
			}
			if first == nil {
				first = m
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return first, nil
}

// InsertMessageAttachments links resources to a message. Existing links are
// returned as they are.
func (s *Store) InsertMessageAttachments(ctx context.Context, records []entity.AttachmentInsert) ([]entity.MessageAttachment, error) {
	if len(records) == 0 {
		return nil, nil
	}
	const q = `
INSERT INTO message_attachments (message_id, resource_id)
VALUES ($1, $2)
ON CONFLICT (message_id, resource_id) DO UPDATE SET resource_id = EXCLUDED.resource_id
RETURNING id, message_id, resource_id;
`
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(q, r.MessageID, r.ResourceID)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	out := make([]entity.MessageAttachment, 0, len(records))
	for range records {
		var a entity.MessageAttachment
		if err := br.QueryRow().Scan(&a.ID, &a.MessageID, &a.ResourceID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// FetchMessageHistory returns the latest limit messages of a thread in
// chronological order, leaving out excludeID.
func (s *Store) FetchMessageHistory(ctx context.Context, threadID int64, limit int, excludeID int64) ([]entity.HistoryEntry, error) {
	const q = `
SELECT direction, content, created_at
FROM (
    SELECT id, direction, content, created_at
    FROM messages
    WHERE thread_id = $1 AND id <> $3
    ORDER BY created_at DESC, id DESC
    LIMIT $2
) h
ORDER BY created_at, id;
`
	rows, err := s.pool.Query(ctx, q, threadID, limit, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.HistoryEntry
	for rows.Next() {
		var (
			h         entity.HistoryEntry
			direction string
		)
		if err := rows.Scan(&direction, &h.Content, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.Direction = entity.Direction(direction)
		out = append(out, h)
	}
	return out, rows.Err()
}

// FindReply returns the outbound message answering inboundID.
func (s *Store) FindReply(ctx context.Context, threadID, inboundID int64) (*entity.Message, error) {
	q := `
SELECT ` + messageColumns + `
FROM messages
WHERE thread_id = $1 AND direction = 'outbound' AND reply_to_id = $2
ORDER BY id
LIMIT 1;`
	return scanMessage(s.pool.QueryRow(ctx, q, threadID, inboundID))
}
