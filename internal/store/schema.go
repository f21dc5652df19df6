// Package store persists finished and in-flight calls to PostgreSQL and
// maintains an optional pgvector semantic index over call transcripts.
// Persistence is best-effort by design: a failure here is logged by the
// caller and never affects the call itself.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    id               TEXT PRIMARY KEY,
    carrier_call_id  TEXT NOT NULL DEFAULT '',
    stream_sid       TEXT NOT NULL DEFAULT '',
    mode             TEXT NOT NULL,
    comm_mode        TEXT NOT NULL,
    source_lang      TEXT NOT NULL,
    target_lang      TEXT NOT NULL,
    status           TEXT NOT NULL,
    result           TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL,
    started_at       TIMESTAMPTZ,
    ended_at         TIMESTAMPTZ,
    transcript       JSONB NOT NULL DEFAULT '[]',
    usage            JSONB NOT NULL DEFAULT '{}',
    metrics          JSONB NOT NULL DEFAULT '{}',
    recovery_events  JSONB NOT NULL DEFAULT '[]',
    guardrail_events JSONB NOT NULL DEFAULT '[]',
    function_calls   JSONB NOT NULL DEFAULT '[]',
    collected        JSONB NOT NULL DEFAULT '{}',
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_calls_created_at
    ON calls (created_at DESC);
`

func ddlTranscriptChunks(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS transcript_chunks (
    id         TEXT PRIMARY KEY,
    call_id    TEXT NOT NULL REFERENCES calls (id) ON DELETE CASCADE,
    role       TEXT NOT NULL,
    language   TEXT NOT NULL,
    content    TEXT NOT NULL,
    embedding  vector(%d) NOT NULL,
    spoken_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transcript_chunks_call_id
    ON transcript_chunks (call_id);

CREATE INDEX IF NOT EXISTS idx_transcript_chunks_embedding
    ON transcript_chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate ensures the tables and indexes exist. Idempotent, runs on every
// start. embeddingDimensions <= 0 skips the chunk table; the semantic index
// is disabled in that configuration.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{ddlCalls}
	if embeddingDimensions > 0 {
		statements = append(statements, ddlTranscriptChunks(embeddingDimensions))
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
