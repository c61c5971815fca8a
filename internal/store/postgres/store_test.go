package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/liveproxy/duplexion/internal/store/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if DUPLEXION_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("DUPLEXION_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DUPLEXION_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	defer cleanPool.Close()
	if _, err := cleanPool.Exec(ctx, `DROP TABLE IF EXISTS resumption_handles, turn_diagnostics`); err != nil {
		t.Fatalf("drop schema: %v", err)
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestStore_SaveAndLoadResumptionHandle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveResumptionHandle(ctx, "sess-1", "handle-a"); err != nil {
		t.Fatalf("SaveResumptionHandle: %v", err)
	}
	got, err := store.LoadResumptionHandle(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadResumptionHandle: %v", err)
	}
	if got != "handle-a" {
		t.Errorf("got %q, want %q", got, "handle-a")
	}

	// Upsert overwrites.
	if err := store.SaveResumptionHandle(ctx, "sess-1", "handle-b"); err != nil {
		t.Fatalf("SaveResumptionHandle (update): %v", err)
	}
	got, err = store.LoadResumptionHandle(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadResumptionHandle: %v", err)
	}
	if got != "handle-b" {
		t.Errorf("got %q, want %q", got, "handle-b")
	}
}

func TestStore_LoadResumptionHandle_Missing(t *testing.T) {
	store := newTestStore(t)
	got, err := store.LoadResumptionHandle(context.Background(), "no-such-session")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Errorf("expected empty handle, got %q", got)
	}
}

func TestStore_RecordTurnDiagnostic(t *testing.T) {
	store := newTestStore(t)
	err := store.RecordTurnDiagnostic(context.Background(), postgres.TurnDiagnostic{
		SessionID:        "sess-2",
		TurnID:           4,
		TranscriptLength: 120,
		ZeroAudioSegments: 1,
	})
	if err != nil {
		t.Fatalf("RecordTurnDiagnostic: %v", err)
	}
}

func TestStore_Ping(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
