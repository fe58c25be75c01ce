// Package postgres provides a PostgreSQL-backed implementation of
// [conversation.Store].
//
// All operations share a single [pgxpool.Pool]. [Migrate] is idempotent and
// safe to call on every application start.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.AppendMessage(ctx, msg)
//	results, _ := store.Search(ctx, "race condition", conversation.SearchOpts{})
package postgres

import (
	"context"
	"fmt"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT         PRIMARY KEY,
    name          TEXT         NOT NULL,
    project_root  TEXT         NOT NULL DEFAULT '',
    archived      BOOLEAN      NOT NULL DEFAULT FALSE,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_updated_at
    ON sessions (updated_at DESC);
`

const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id            TEXT         PRIMARY KEY,
    session_id    TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    role          TEXT         NOT NULL,
    author        TEXT         NOT NULL DEFAULT '',
    content       TEXT         NOT NULL DEFAULT '',
    tool_calls    JSONB        NOT NULL DEFAULT '[]',
    tool_results  JSONB        NOT NULL DEFAULT '[]',
    usage_json    JSONB,
    pinned        BOOLEAN      NOT NULL DEFAULT FALSE,
    truncated     BOOLEAN      NOT NULL DEFAULT FALSE,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_session_order
    ON messages (session_id, created_at, id);

CREATE INDEX IF NOT EXISTS idx_messages_pinned
    ON messages (session_id) WHERE pinned;

CREATE INDEX IF NOT EXISTS idx_messages_fts
    ON messages USING GIN (to_tsvector('english', content));
`

const ddlSummaries = `
CREATE TABLE IF NOT EXISTS summaries (
    id                TEXT         PRIMARY KEY,
    session_id        TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    kind              TEXT         NOT NULL,
    content           TEXT         NOT NULL,
    first_message_id  TEXT         NOT NULL,
    last_message_id   TEXT         NOT NULL,
    message_count     INTEGER      NOT NULL DEFAULT 0,
    token_count       INTEGER      NOT NULL DEFAULT 0,
    retired           BOOLEAN      NOT NULL DEFAULT FALSE,
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_summaries_session
    ON summaries (session_id, created_at);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and
// safe to call on every application start.
func Migrate(ctx context.Context, db DB) error {
	statements := []string{
		ddlSessions,
		ddlMessages,
		ddlSummaries,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
