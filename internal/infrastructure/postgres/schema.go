package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates everything the service stores. Every statement is safe to
// re-run.
const Schema = `
DO $$
BEGIN
  CREATE TYPE header_pair AS (
    name  TEXT,
    value BYTEA
  );
EXCEPTION
  WHEN duplicate_object THEN NULL;
END
$$;

CREATE TABLE IF NOT EXISTS idempotency (
  user_id              UUID        NOT NULL,
  key                  TEXT        NOT NULL,
  state                TEXT        NOT NULL CHECK (state IN ('reserved', 'completed')),
  reservation_id       UUID        NOT NULL,
  response_status_code SMALLINT,
  response_headers     header_pair[],
  response_body        BYTEA,
  created_at           TIMESTAMPTZ NOT NULL,
  expire_at            TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (user_id, key)
);

ALTER TABLE idempotency ADD COLUMN IF NOT EXISTS reservation_id UUID;

CREATE INDEX IF NOT EXISTS idempotency_expire_at_idx ON idempotency (expire_at);

CREATE TABLE IF NOT EXISTS farms (
  id          UUID        PRIMARY KEY,
  name        TEXT        NOT NULL,
  address     TEXT        NOT NULL,
  canton      TEXT        NOT NULL,
  coordinates TEXT        NOT NULL,
  categories  TEXT[]      NOT NULL DEFAULT '{}',
  created_at  TIMESTAMPTZ NOT NULL,
  updated_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS farms_created_at_idx ON farms (created_at DESC);
`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema applies Schema. Statements run through the simple protocol
// since no arguments are passed.
func EnsureSchema(ctx context.Context, db execer) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
