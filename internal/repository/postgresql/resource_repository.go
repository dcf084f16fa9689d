package postgresql

import (
	"context"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"leadmark-worker/internal/entity"
)

const resourceColumns = `id, owner_id, mailbox_id, name, content_type, size, checksum, raw_content, created_at`

func scanResources(rows pgx.Rows) ([]entity.Resource, error) {
	defer rows.Close()
	var out []entity.Resource
	for rows.Next() {
		var r entity.Resource
		if err := rows.Scan(
			&r.ID, &r.OwnerID, &r.MailboxID, &r.Name, &r.ContentType, &r.Size, &r.Checksum, &r.RawContent, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateResource stores a file. The same content for the same owner maps to
// one row; the existing row is returned.
func (s *Store) CreateResource(ctx context.Context, r entity.Resource) (*entity.Resource, error) {
	if r.ContentType == "" {
		r.ContentType = "application/octet-stream"
	}
	q := `
INSERT INTO resources (owner_id, mailbox_id, name, content_type, size, checksum, raw_content, data)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (owner_id, checksum) DO UPDATE SET checksum = EXCLUDED.checksum
RETURNING ` + resourceColumns + `;`

	var out entity.Resource
	if err := s.pool.QueryRow(ctx, q,
		r.OwnerID, r.MailboxID, r.Name, r.ContentType, r.Size, r.Checksum, r.RawContent, r.Data,
	).Scan(
		&out.ID, &out.OwnerID, &out.MailboxID, &out.Name, &out.ContentType, &out.Size, &out.Checksum, &out.RawContent, &out.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) FetchResourcesByIDs(ctx context.Context, ids []int64, ownerID uuid.UUID) ([]entity.Resource, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := `SELECT ` + resourceColumns + ` FROM resources WHERE id = ANY($1) AND owner_id = $2 ORDER BY id;`
	rows, err := s.pool.Query(ctx, q, ids, ownerID)
	if err != nil {
		return nil, err
	}
	return scanResources(rows)
}

// FetchMailboxResources returns the newest resources attached to a mailbox.
func (s *Store) FetchMailboxResources(ctx context.Context, mailboxID int64, ownerID uuid.UUID, limit int) ([]entity.Resource, error) {
	q := `
SELECT ` + resourceColumns + `
FROM resources
WHERE mailbox_id = $1 AND owner_id = $2
ORDER BY created_at DESC
LIMIT $3;`
	rows, err := s.pool.Query(ctx, q, mailboxID, ownerID, limit)
	if err != nil {
		return nil, err
	}
	return scanResources(rows)
}

// SearchResources ranks the owner's resources by full-text overlap with
// query. Any shared term is a hit.
func (s *Store) SearchResources(ctx context.Context, ownerID uuid.UUID, query string, limit int) ([]entity.ResourceMatch, error) {
	tsq := orQuery(query, 32)
	if tsq == "" {
		return nil, nil
	}
	const q = `
SELECT r.id, r.name,
       ts_headline('simple', r.raw_content, q, 'MaxFragments=2, MaxWords=30, MinWords=10'),
       ts_rank(r.search, q)::float8 AS rank
FROM resources r, to_tsquery('simple', $2) q
WHERE r.owner_id = $1 AND r.search @@ q
ORDER BY rank DESC, r.id
LIMIT $3;
`
	rows, err := s.pool.Query(ctx, q, ownerID, tsq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.ResourceMatch
	for rows.Next() {
		var m entity.ResourceMatch
		if err := rows.Scan(&m.ResourceID, &m.Name, &m.Snippet, &m.Rank); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// orQuery turns free text into a to_tsquery OR expression of its distinct
// words (letters and digits only, at least three runes), at most limit terms.
func orQuery(text string, limit int) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(words))
	terms := make([]string, 0, limit)
	for _, w := range words {
		if len([]rune(w)) < 3 {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		terms = append(terms, w)
		if len(terms) == limit {
			break
		}
	}
	return strings.Join(terms, " | ")
}
