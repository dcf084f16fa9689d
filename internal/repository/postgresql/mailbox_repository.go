package postgresql

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"leadmark-worker/internal/entity"
)

// FindMailboxWithOwner loads a mailbox by address together with its owners,
// oldest membership first.
func (s *Store) FindMailboxWithOwner(ctx context.Context, address string) (*entity.MailboxWithOwner, error) {
	const q = `
SELECT m.id, m.address, m.name, m.objective, m.objective_parsed, m.message_stream,
       p.id, p.email, p.full_name
FROM mailboxes m
LEFT JOIN mailbox_owners mo ON mo.mailbox_id = m.id
LEFT JOIN profiles p ON p.id = mo.owner_id
WHERE lower(m.address) = $1
ORDER BY mo.created_at NULLS LAST;
`
	rows, err := s.pool.Query(ctx, q, strings.ToLower(strings.TrimSpace(address)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out *entity.MailboxWithOwner
	for rows.Next() {
		var (
			mb        entity.Mailbox
			parsed    []byte
			ownerID   pgtype.UUID
			ownerMail *string
			ownerName *string
		)
		if err := rows.Scan(
			&mb.ID, &mb.Address, &mb.Name, &mb.Objective, &parsed, &mb.MessageStream,
			&ownerID, &ownerMail, &ownerName,
		); err != nil {
			return nil, err
		}
		if out == nil {
			mb.ObjectiveParsed = parsed
			out = &entity.MailboxWithOwner{Mailbox: mb}
		}
		if !ownerID.Valid {
			continue
		}
		owner := entity.Owner{ID: uuid.UUID(ownerID.Bytes)}
		if ownerMail != nil {
			owner.Email = *ownerMail
		}
		if ownerName != nil {
			owner.FullName = *ownerName
		}
		out.Owners = append(out.Owners, owner)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}
