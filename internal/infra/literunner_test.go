package infra

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

const (
	liteCreate = "--sql 0b8f7c1e-3c55-4f0e-9d55-0d3f1e2a7b10\ncreate table notes (id integer primary key, body text not null)"
	liteInsert = "--sql 5d0b7e2a-8e44-4c0f-a8a4-3b7a9f1c2d21\ninsert into notes (body) values (?1), (?2)"
	liteSelect = "--sql 9a6e2f3b-1c7d-4e8a-b5f0-6d2c8e4a1f32\nselect body from notes order by id"
	liteLookup = "--sql c3d1a9e7-4b2f-4a6c-9e8d-7f5b3a2c1e43\nselect body from notes where id = ?1"
)

func newLiteRunner(t *testing.T, buf *bytes.Buffer) *LiteRunner {
	t.Helper()
	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "runner.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewLiteRunner(db, zerolog.New(buf).Level(zerolog.DebugLevel))
}

func TestLiteRunnerLogsStatements(t *testing.T) {
	var buf bytes.Buffer
	r := newLiteRunner(t, &buf)
	ctx := context.Background()

	if _, err := r.Exec(ctx, liteCreate); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := r.WithTx(ctx, func(tx LiteExecutor) error {
		_, err := tx.Exec(ctx, liteInsert, "first", "second")
		return err
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	rows, err := r.Query(ctx, liteSelect)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	var bodies []string
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			t.Fatalf("scan: %v", err)
		}
		bodies = append(bodies, body)
	}
	_ = rows.Close()
	if strings.Join(bodies, ",") != "first,second" {
		t.Fatalf("bodies = %v", bodies)
	}
	var missing string
	if err := r.QueryRow(ctx, liteLookup, 99).Scan(&missing); !IsNoRows(err) {
		t.Fatalf("expected no rows, got %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected one line per statement, got %q", lines)
	}
	checks := []string{
		`"sql":"5d0b7e2a-8e44-4c0f-a8a4-3b7a9f1c2d21","op":"exec"`,
		`"sql":"9a6e2f3b-1c7d-4e8a-b5f0-6d2c8e4a1f32","op":"query"`,
		`"sql":"c3d1a9e7-4b2f-4a6c-9e8d-7f5b3a2c1e43","op":"query_row"`,
	}
	for i, want := range checks {
		if !strings.Contains(lines[i+1], want) || !strings.Contains(lines[i+1], `"level":"debug"`) {
			t.Errorf("line %d = %s, want %s at debug", i+1, lines[i+1], want)
		}
	}
	if !strings.Contains(lines[1], `"rows":2`) || !strings.Contains(lines[2], `"rows":2`) {
		t.Fatalf("row counts missing: %q", lines[1:3])
	}
}

func TestLiteRunnerRollsBack(t *testing.T) {
	var buf bytes.Buffer
	r := newLiteRunner(t, &buf)
	ctx := context.Background()
	if _, err := r.Exec(ctx, liteCreate); err != nil {
		t.Fatalf("create: %v", err)
	}
	boom := errors.New("boom")
	err := r.WithTx(ctx, func(tx LiteExecutor) error {
		if _, err := tx.Exec(ctx, liteInsert, "a", "b"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx = %v", err)
	}
	var body string
	if err := r.QueryRow(ctx, liteLookup, 1).Scan(&body); !IsNoRows(err) {
		t.Fatalf("insert survived rollback: %q %v", body, err)
	}
}

func TestLiteRunnerRejectsUnmarkedQueries(t *testing.T) {
	r := &LiteRunner{Logger: zerolog.Nop()}
	if _, err := r.Exec(context.Background(), "delete from notes"); err == nil {
		t.Fatalf("expected marker error from Exec")
	}
	if _, err := r.Query(context.Background(), "select 1"); err == nil {
		t.Fatalf("expected marker error from Query")
	}
	var n int
	if err := r.QueryRow(context.Background(), "select 1").Scan(&n); err == nil {
		t.Fatalf("expected marker error from QueryRow")
	}
	if err := r.WithTx(context.Background(), func(LiteExecutor) error { return nil }); err == nil {
		t.Fatalf("expected error without database")
	}
}
