package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id          BIGSERIAL    PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    server_id   TEXT         NOT NULL DEFAULT '0',
    role        TEXT         NOT NULL CHECK (role IN ('user', 'assistant')),
    content     TEXT         NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    session_id  TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_conversations_user_server
    ON conversations (user_id, server_id);

CREATE INDEX IF NOT EXISTS idx_conversations_timestamp
    ON conversations (timestamp);
`

const ddlVoiceSessions = `
CREATE TABLE IF NOT EXISTS voice_sessions (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    guild_id    TEXT         NOT NULL,
    channel_id  TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_voice_sessions_open
    ON voice_sessions (created_at) WHERE ended_at IS NULL;

CREATE TABLE IF NOT EXISTS transcriptions (
    session_id    TEXT         NOT NULL REFERENCES voice_sessions (id) ON DELETE CASCADE,
    chunk_index   INT          NOT NULL,
    text          TEXT         NOT NULL,
    confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
    duration_sec  DOUBLE PRECISION NOT NULL DEFAULT 0,
    timestamp     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, chunk_index)
);
`

// ddlVector installs the pgvector extension. The per-server vector tables are
// created on demand by [Vectors.EnsureCollection] because their names and
// dimensions depend on runtime server configuration.
const ddlVector = `
CREATE EXTENSION IF NOT EXISTS vector;
`

// Migrate creates or ensures all required relational tables and extensions
// exist. It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT
// EXISTS) and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlVector,
		ddlConversations,
		ddlVoiceSessions,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
