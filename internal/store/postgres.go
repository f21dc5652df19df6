package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/parlancehq/parlance/internal/call"
	"github.com/parlancehq/parlance/internal/config"
)

const defaultSaveDebounce = 5 * time.Second

// Store persists call snapshots. Incremental saves are debounced per call so
// a chatty call does not hammer the database; Finalize always writes.
type Store struct {
	pool     *pgxpool.Pool
	debounce time.Duration
	log      *slog.Logger

	mu       sync.Mutex
	lastSave map[string]time.Time
}

// New connects, registers pgvector types on every connection, and migrates
// the schema. The chunk table is only created when cfg.EmbeddingDimensions
// is set.
func New(ctx context.Context, cfg config.DatabaseConfig, log *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store: dsn must not be empty")
	}
	if log == nil {
		log = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if cfg.EmbeddingDimensions > 0 {
		poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			return pgxvec.RegisterTypes(ctx, conn)
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, cfg.EmbeddingDimensions); err != nil {
		pool.Close()
		return nil, err
	}

	debounce := time.Duration(cfg.SaveDebounceMS) * time.Millisecond
	if debounce <= 0 {
		debounce = defaultSaveDebounce
	}
	return &Store{
		pool:     pool,
		debounce: debounce,
		log:      log.With("component", "store"),
		lastSave: make(map[string]time.Time),
	}, nil
}

// Pool exposes the underlying pool for the transcript index and health
// checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Save upserts an in-flight snapshot unless the call was written within the
// debounce interval. Skipping is not an error: the next save carries the
// same accumulated state.
func (s *Store) Save(ctx context.Context, snap call.Snapshot) error {
	s.mu.Lock()
	last, ok := s.lastSave[snap.ID]
	if ok && time.Since(last) < s.debounce {
		s.mu.Unlock()
		return nil
	}
	s.lastSave[snap.ID] = time.Now()
	s.mu.Unlock()

	return s.upsert(ctx, snap)
}

// Finalize writes the terminal snapshot unconditionally and drops the call's
// debounce entry.
func (s *Store) Finalize(ctx context.Context, snap call.Snapshot) error {
	s.mu.Lock()
	delete(s.lastSave, snap.ID)
	s.mu.Unlock()

	return s.upsert(ctx, snap)
}

func (s *Store) upsert(ctx context.Context, snap call.Snapshot) error {
	const q = `
		INSERT INTO calls
		    (id, carrier_call_id, stream_sid, mode, comm_mode, source_lang, target_lang,
		     status, result, created_at, started_at, ended_at,
		     transcript, usage, metrics, recovery_events, guardrail_events, function_calls, collected,
		     updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, now())
		ON CONFLICT (id) DO UPDATE SET
		    carrier_call_id  = EXCLUDED.carrier_call_id,
		    stream_sid       = EXCLUDED.stream_sid,
		    status           = EXCLUDED.status,
		    result           = EXCLUDED.result,
		    started_at       = EXCLUDED.started_at,
		    ended_at         = EXCLUDED.ended_at,
		    transcript       = EXCLUDED.transcript,
		    usage            = EXCLUDED.usage,
		    metrics          = EXCLUDED.metrics,
		    recovery_events  = EXCLUDED.recovery_events,
		    guardrail_events = EXCLUDED.guardrail_events,
		    function_calls   = EXCLUDED.function_calls,
		    collected        = EXCLUDED.collected,
		    updated_at       = now()`

	_, err := s.pool.Exec(ctx, q,
		snap.ID,
		snap.CarrierCallID,
		snap.StreamSid,
		string(snap.Mode),
		string(snap.CommMode),
		snap.SourceLang,
		snap.TargetLang,
		string(snap.Status),
		snap.Result,
		snap.CreatedAt,
		nullableTime(snap.StartedAt),
		nullableTime(snap.EndedAt),
		mustJSON(snap.Transcript),
		mustJSON(snap.Usage),
		mustJSON(snap.Metrics),
		mustJSON(snap.RecoveryEvents),
		mustJSON(snap.GuardrailEvents),
		mustJSON(snap.FunctionCalls),
		mustJSON(snap.Collected),
	)
	if err != nil {
		return fmt.Errorf("store: upsert call %s: %w", snap.ID, err)
	}
	return nil
}

// Load reads one persisted call. Used by the control-plane status endpoint
// for calls that already left the in-memory registry.
func (s *Store) Load(ctx context.Context, id string) (call.Snapshot, error) {
	const q = `
		SELECT id, carrier_call_id, stream_sid, mode, comm_mode, source_lang, target_lang,
		       status, result, created_at, started_at, ended_at,
		       transcript, usage, metrics, recovery_events, guardrail_events, function_calls, collected
		FROM   calls
		WHERE  id = $1`

	var (
		snap                 call.Snapshot
		mode, comm, status   string
		startedAt, endedAt   *time.Time
		transcript, usage    []byte
		metrics, recovery    []byte
		guardrail, functions []byte
		collected            []byte
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&snap.ID, &snap.CarrierCallID, &snap.StreamSid, &mode, &comm,
		&snap.SourceLang, &snap.TargetLang, &status, &snap.Result,
		&snap.CreatedAt, &startedAt, &endedAt,
		&transcript, &usage, &metrics, &recovery, &guardrail, &functions, &collected,
	)
	if err != nil {
		return call.Snapshot{}, fmt.Errorf("store: load call %s: %w", id, err)
	}

	snap.Mode = call.Mode(mode)
	snap.CommMode = call.CommMode(comm)
	snap.Status = call.Status(status)
	if startedAt != nil {
		snap.StartedAt = *startedAt
	}
	if endedAt != nil {
		snap.EndedAt = *endedAt
	}
	for _, field := range []struct {
		data []byte
		dst  any
	}{
		{transcript, &snap.Transcript},
		{usage, &snap.Usage},
		{metrics, &snap.Metrics},
		{recovery, &snap.RecoveryEvents},
		{guardrail, &snap.GuardrailEvents},
		{functions, &snap.FunctionCalls},
		{collected, &snap.Collected},
	} {
		if len(field.data) == 0 {
			continue
		}
		if err := json.Unmarshal(field.data, field.dst); err != nil {
			return call.Snapshot{}, fmt.Errorf("store: decode call %s: %w", id, err)
		}
	}
	return snap, nil
}

// Ping reports database reachability, for the readiness checker.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// mustJSON marshals for a JSONB column. The snapshot types only hold
// marshallable fields; a failure here is a programming error and stored as
// null rather than aborting the save.
func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return data
}
