package postgresql

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"leadmark-worker/internal/entity"
)

const threadColumns = `id, namespace, status, owner_id, mailbox_id, coalesce(contact_id, 0), subject,
       composing_until, lock_token, created_at, updated_at`

func scanThread(row pgx.Row) (*entity.Thread, error) {
	var (
		t      entity.Thread
		status string
	)
	if err := row.Scan(
		&t.ID, &t.Namespace, &status, &t.OwnerID, &t.MailboxID, &t.ContactID, &t.Subject,
		&t.ComposingUntil, &t.LockToken, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, notFound(err)
	}
	t.Status = entity.ThreadStatus(status)
	return &t, nil
}

// FindOrCreateContact returns the contact for (email, mailbox), creating it
// on first contact. A stored empty name is filled in.
func (s *Store) FindOrCreateContact(ctx context.Context, c entity.Contact) (*entity.Contact, error) {
	const q = `
INSERT INTO contacts (email, name, mailbox_id, owner_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT (email, mailbox_id) DO UPDATE
SET name = CASE WHEN contacts.name = '' THEN EXCLUDED.name ELSE contacts.name END
RETURNING id, email, name, mailbox_id, owner_id, created_at;
`
	var out entity.Contact
	if err := s.pool.QueryRow(ctx, q, strings.ToLower(c.Email), c.Name, c.MailboxID, c.OwnerID).Scan(
		&out.ID, &out.Email, &out.Name, &out.MailboxID, &out.OwnerID, &out.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindOrCreateThread is keyed by namespace; the existing row wins.
func (s *Store) FindOrCreateThread(ctx context.Context, t entity.Thread) (*entity.Thread, error) {
	if t.Status == "" {
		t.Status = entity.ThreadActive
	}
	q := `
INSERT INTO threads (namespace, status, owner_id, mailbox_id, contact_id, subject)
VALUES ($1, $2, $3, $4, NULLIF($5, 0), $6)
ON CONFLICT (namespace) DO UPDATE SET namespace = EXCLUDED.namespace
RETURNING ` + threadColumns + `;`

	return scanThread(s.pool.QueryRow(ctx, q,
		t.Namespace, string(t.Status), t.OwnerID, t.MailboxID, t.ContactID, t.Subject))
}

func (s *Store) GetThread(ctx context.Context, id int64) (*entity.Thread, error) {
	q := `SELECT ` + threadColumns + ` FROM threads WHERE id = $1;`
	return scanThread(s.pool.QueryRow(ctx, q, id))
}

// LockThread takes the composing lock for ttl when it is free, expired or
// already held under token. A live lock held by another token yields
// entity.ErrThreadBusy.
func (s *Store) LockThread(ctx context.Context, threadID int64, token string, ttl time.Duration) (*entity.Thread, error) {
	q := `
UPDATE threads
SET composing_until = now() + $3::float8 * interval '1 second',
    lock_token = $2,
    updated_at = now()
WHERE id = $1 AND (composing_until IS NULL OR composing_until < now() OR lock_token = $2)
RETURNING ` + threadColumns + `;`

	t, err := scanThread(s.pool.QueryRow(ctx, q, threadID, token, ttl.Seconds()))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	return nil, entity.ErrThreadBusy
}

// UnlockThread clears the lock when the token matches or the lock has
// lapsed, and moves the thread back to active where that is allowed. A lock
// held by someone else is left alone and the current row returned.
func (s *Store) UnlockThread(ctx context.Context, t entity.Thread) (*entity.Thread, error) {
	status := entity.ThreadActive
	if t.Status != "" && !entity.CanTransition(t.Status, status) {
		status = t.Status
	}
	q := `
UPDATE threads
SET composing_until = NULL,
    lock_token = NULL,
    status = CASE WHEN status = 'spam' THEN status ELSE $3 END,
    updated_at = now()
WHERE id = $1
  AND (lock_token IS NULL OR lock_token = $2 OR composing_until IS NULL OR composing_until < now())
RETURNING ` + threadColumns + `;`

	out, err := scanThread(s.pool.QueryRow(ctx, q, t.ID, t.LockToken, string(status)))
	if errors.Is(err, ErrNotFound) {
		return s.GetThread(ctx, t.ID)
	}
	return out, err
}
