package postgresql

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS profiles (
	id         uuid PRIMARY KEY,
	email      text NOT NULL UNIQUE,
	full_name  text NOT NULL DEFAULT '',
	created_at timestamptz NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS mailboxes (
	id               bigserial PRIMARY KEY,
	address          text NOT NULL UNIQUE,
	name             text NOT NULL DEFAULT '',
	objective        text NOT NULL DEFAULT '',
	objective_parsed jsonb,
	message_stream   text NOT NULL DEFAULT 'outbound',
	created_at       timestamptz NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS mailbox_owners (
	mailbox_id bigint NOT NULL REFERENCES mailboxes(id) ON DELETE CASCADE,
	owner_id   uuid NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
	created_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (mailbox_id, owner_id)
)`,
	`CREATE TABLE IF NOT EXISTS contacts (
	id         bigserial PRIMARY KEY,
	email      text NOT NULL,
	name       text NOT NULL DEFAULT '',
	mailbox_id bigint NOT NULL REFERENCES mailboxes(id) ON DELETE CASCADE,
	owner_id   uuid NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	UNIQUE (email, mailbox_id)
)`,
	`CREATE TABLE IF NOT EXISTS threads (
	id              bigserial PRIMARY KEY,
	namespace       text NOT NULL UNIQUE,
	status          text NOT NULL DEFAULT 'active'
	                CHECK (status IN ('quarantined', 'active', 'closed', 'spam')),
	owner_id        uuid NOT NULL,
	mailbox_id      bigint NOT NULL REFERENCES mailboxes(id) ON DELETE CASCADE,
	contact_id      bigint REFERENCES contacts(id) ON DELETE SET NULL,
	subject         text NOT NULL DEFAULT '',
	composing_until timestamptz,
	lock_token      text,
	created_at      timestamptz NOT NULL DEFAULT now(),
	updated_at      timestamptz NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS messages (
	id              bigserial PRIMARY KEY,
	thread_id       bigint NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	direction       text NOT NULL CHECK (direction IN ('inbound', 'outbound')),
	content         text NOT NULL DEFAULT '',
	html_content    text NOT NULL DEFAULT '',
	subject         text NOT NULL DEFAULT '',
	is_ai_generated boolean NOT NULL DEFAULT false,
	external_id     text,
	reply_to_id     bigint REFERENCES messages(id) ON DELETE SET NULL,
	postmark_data   jsonb,
	created_at      timestamptz NOT NULL DEFAULT now()
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS messages_thread_direction_external_uq
	ON messages (thread_id, direction, external_id)`,
	`CREATE INDEX IF NOT EXISTS messages_thread_created_idx ON messages (thread_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS resources (
	id           bigserial PRIMARY KEY,
	owner_id     uuid NOT NULL,
	mailbox_id   bigint REFERENCES mailboxes(id) ON DELETE SET NULL,
	name         text NOT NULL,
	content_type text NOT NULL DEFAULT 'application/octet-stream',
	size         bigint NOT NULL DEFAULT 0,
	checksum     text NOT NULL,
	raw_content  text NOT NULL DEFAULT '',
	data         bytea,
	search       tsvector GENERATED ALWAYS AS (
	             to_tsvector('simple', coalesce(name, '') || ' ' || coalesce(raw_content, ''))) STORED,
	created_at   timestamptz NOT NULL DEFAULT now(),
	UNIQUE (owner_id, checksum)
)`,
	`CREATE INDEX IF NOT EXISTS resources_search_idx ON resources USING gin (search)`,
	`CREATE TABLE IF NOT EXISTS message_attachments (
	id          bigserial PRIMARY KEY,
	message_id  bigint NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	resource_id bigint NOT NULL REFERENCES resources(id) ON DELETE CASCADE,
	created_at  timestamptz NOT NULL DEFAULT now(),
	UNIQUE (message_id, resource_id)
)`,
}

// EnsureSchema creates missing tables and indexes. Existing ones are left
// untouched.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
