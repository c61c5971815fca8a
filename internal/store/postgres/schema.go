package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlResumptionHandles = `
CREATE TABLE IF NOT EXISTS resumption_handles (
    session_id TEXT        PRIMARY KEY,
    handle     TEXT        NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const ddlTurnDiagnostics = `
CREATE TABLE IF NOT EXISTS turn_diagnostics (
    id                  BIGSERIAL   PRIMARY KEY,
    session_id          TEXT        NOT NULL,
    turn_id             INTEGER     NOT NULL,
    transcript_length   INTEGER     NOT NULL DEFAULT 0,
    pending_text_count  INTEGER     NOT NULL DEFAULT 0,
    pending_audio_bytes INTEGER     NOT NULL DEFAULT 0,
    zero_audio_segments INTEGER     NOT NULL DEFAULT 0,
    recorded_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turn_diagnostics_session_id
    ON turn_diagnostics (session_id);
`

// Migrate ensures the resumption_handles and turn_diagnostics tables exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{ddlResumptionHandles, ddlTurnDiagnostics}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
