package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/parlancehq/parlance/internal/call"
	"github.com/parlancehq/parlance/pkg/provider/embeddings"
)

// TranscriptIndex embeds finished-call transcripts into a pgvector column so
// past conversations are searchable by meaning. It runs after cleanup, off
// the call path.
type TranscriptIndex struct {
	pool     *pgxpool.Pool
	embedder embeddings.Provider
	log      *slog.Logger
}

// ChunkResult is one semantic search hit.
type ChunkResult struct {
	CallID   string
	Role     string
	Language string
	Content  string
	Distance float64
}

// NewTranscriptIndex returns an index writing through the store's pool.
func NewTranscriptIndex(pool *pgxpool.Pool, embedder embeddings.Provider, log *slog.Logger) *TranscriptIndex {
	if log == nil {
		log = slog.Default()
	}
	return &TranscriptIndex{
		pool:     pool,
		embedder: embedder,
		log:      log.With("component", "transcript_index"),
	}
}

// IndexCall embeds every transcript entry of the snapshot in one batch and
// upserts the chunks. Entries without text are skipped.
func (ix *TranscriptIndex) IndexCall(ctx context.Context, snap call.Snapshot) error {
	type chunk struct {
		entry call.TranscriptEntry
		text  string
	}
	var chunks []chunk
	for _, entry := range snap.Transcript {
		text := entry.Translated
		if text == "" {
			text = entry.Original
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		chunks = append(chunks, chunk{entry: entry, text: text})
	}
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.text
	}
	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("store: embed transcript of %s: %w", snap.ID, err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("store: embedding count %d does not match chunk count %d", len(vectors), len(chunks))
	}

	const q = `
		INSERT INTO transcript_chunks (id, call_id, role, language, content, embedding, spoken_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
		    content   = EXCLUDED.content,
		    embedding = EXCLUDED.embedding`

	batch := &pgx.Batch{}
	for i, c := range chunks {
		batch.Queue(q,
			fmt.Sprintf("%s-%d", snap.ID, i),
			snap.ID,
			c.entry.Role,
			c.entry.Language,
			c.text,
			pgvector.NewVector(vectors[i]),
			c.entry.Timestamp,
		)
	}
	if err := ix.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("store: index transcript of %s: %w", snap.ID, err)
	}

	ix.log.Info("transcript indexed", "call_id", snap.ID, "chunks", len(chunks))
	return nil
}

// Search returns the topK chunks closest to the query by cosine distance,
// optionally limited to one call.
func (ix *TranscriptIndex) Search(ctx context.Context, query string, topK int, callID string) ([]ChunkResult, error) {
	if topK <= 0 {
		topK = 10
	}
	vec, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: embed query: %w", err)
	}

	args := []any{pgvector.NewVector(vec)}
	where := ""
	if callID != "" {
		args = append(args, callID)
		where = "WHERE call_id = $2"
	}
	args = append(args, topK)

	q := fmt.Sprintf(`
		SELECT call_id, role, language, content, embedding <=> $1 AS distance
		FROM   transcript_chunks
		%s
		ORDER  BY distance
		LIMIT  $%d`, where, len(args))

	rows, err := ix.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: search chunks: %w", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ChunkResult, error) {
		var r ChunkResult
		err := row.Scan(&r.CallID, &r.Role, &r.Language, &r.Content, &r.Distance)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan chunks: %w", err)
	}
	return results, nil
}
