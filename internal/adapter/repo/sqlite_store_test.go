package repo

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"doctranslate/internal/adapter/storetest"
	"doctranslate/internal/db"
	"doctranslate/internal/domain"
	"doctranslate/internal/infra"
)

func newSQLiteStore(t *testing.T) *JobStoreSQLite {
	t.Helper()
	ctx := context.Background()
	handle, err := infra.OpenSQLite(ctx, filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = handle.Close() })
	m, err := db.NewMigrator(handle, db.DialectSQLite)
	if err != nil {
		t.Fatalf("NewMigrator: %v", err)
	}
	if _, err := m.Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewSQLiteJobStore(infra.NewLiteRunner(handle, zerolog.Nop()))
}

func TestSQLiteStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.JobStore {
		return newSQLiteStore(t)
	})
}

func TestSQLiteMigrationsRoundTrip(t *testing.T) {
	ctx := context.Background()
	handle, err := infra.OpenSQLite(ctx, filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer handle.Close()
	m, err := db.NewMigrator(handle, db.DialectSQLite)
	if err != nil {
		t.Fatalf("NewMigrator: %v", err)
	}
	applied, err := m.Up(ctx)
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("expected 2 migrations, got %v", applied)
	}
	if v, err := m.Down(ctx); err != nil || v != 2 {
		t.Fatalf("Down = %d, %v", v, err)
	}
	statuses, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(statuses) != 2 || !statuses[0].Applied || statuses[1].Applied {
		t.Fatalf("unexpected status: %+v", statuses)
	}
}
