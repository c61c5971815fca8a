// Package postgres provides durable storage for session-resumption handles
// and turn diagnostics across Duplexion process restarts.
//
// Without this store, session resumption (the vendor-supplied
// resumption handle) only survives for the life of the process; a restart
// loses every in-flight handle and forces clients to open a fresh upstream
// session. With it, the last handle a session observed is saved when that
// session ends and is offered back to the vendor on the next connection for
// the same session id.
//
// The pool uses pgxpool's defaults, and an explicit Migrate step runs once
// when the store is opened; this package only needs two small tables, so it
// carries no extension dependency.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the PostgreSQL-backed persistence layer for resumption handles
// and turn diagnostics. All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore opens a connection pool to the PostgreSQL database at dsn and
// runs [Migrate] to ensure the required tables exist.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping verifies the underlying connection pool is reachable. Satisfies the
// health.Checker.Check signature.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// SaveResumptionHandle upserts the vendor-supplied resumption handle for
// sessionID.
func (s *Store) SaveResumptionHandle(ctx context.Context, sessionID, handle string) error {
	const q = `
INSERT INTO resumption_handles (session_id, handle, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (session_id) DO UPDATE SET handle = EXCLUDED.handle, updated_at = now()
`
	_, err := s.pool.Exec(ctx, q, sessionID, handle)
	if err != nil {
		return fmt.Errorf("store: save resumption handle: %w", err)
	}
	return nil
}

// LoadResumptionHandle returns the most recently saved resumption handle
// for sessionID, or an empty string if none is on record.
func (s *Store) LoadResumptionHandle(ctx context.Context, sessionID string) (string, error) {
	const q = `SELECT handle FROM resumption_handles WHERE session_id = $1`
	var handle string
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(&handle)
	if err != nil {
		return "", nil
	}
	return handle, nil
}

// TurnDiagnostic is one recorded SEGMENT_DIAGNOSTICS event,
// persisted for later inspection of suspicious turns.
type TurnDiagnostic struct {
	SessionID         string
	TurnID            int
	TranscriptLength  int
	PendingTextCount  int
	PendingAudioBytes int
	ZeroAudioSegments int
}

// RecordTurnDiagnostic inserts a turn diagnostics row.
func (s *Store) RecordTurnDiagnostic(ctx context.Context, d TurnDiagnostic) error {
	const q = `
INSERT INTO turn_diagnostics
	(session_id, turn_id, transcript_length, pending_text_count, pending_audio_bytes, zero_audio_segments, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
`
	_, err := s.pool.Exec(ctx, q,
		d.SessionID, d.TurnID, d.TranscriptLength, d.PendingTextCount, d.PendingAudioBytes, d.ZeroAudioSegments,
	)
	if err != nil {
		return fmt.Errorf("store: record turn diagnostic: %w", err)
	}
	return nil
}
