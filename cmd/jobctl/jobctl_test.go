package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"doctranslate/internal/infra"
)

func testEnv() *env {
	return &env{
		cfg: &infra.Config{
			DBDriver: infra.DriverMemory,
			// An unknown encoding keeps the test offline: the chunker falls
			// back to the character approximation.
			TokenizerEncoding: "no-such-encoding",
		},
		logger: zerolog.Nop(),
	}
}

func TestChunkPreview(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	text := strings.Repeat("alpha beta gamma delta. ", 40) + "\n\n" + strings.Repeat("epsilon zeta eta theta. ", 40)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := chunkCmd(testEnv())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{path, "--max-tokens", "300", "--overlap", "20"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "max_tokens=300") || !strings.Contains(got, "chunks=2") {
		t.Fatalf("unexpected header:\n%s", got)
	}
	if !strings.Contains(got, "epsilon zeta") {
		t.Fatalf("second chunk missing from preview:\n%s", got)
	}
}

func TestChunkPreviewRejectsBadOverlap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	cmd := chunkCmd(testEnv())
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{path, "--max-tokens", "10", "--overlap", "10"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected overlap error")
	}
}

func TestJobsNeedPersistentStore(t *testing.T) {
	cmd := jobsCmd(testEnv())
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"list"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "memory") {
		t.Fatalf("expected memory driver error, got %v", err)
	}
}

func TestPreview(t *testing.T) {
	if got := preview("  a\n b  c ", 10); got != "a b c" {
		t.Fatalf("preview = %q", got)
	}
	if got := preview("ééééé", 3); got != "ééé..." {
		t.Fatalf("preview = %q", got)
	}
}

func TestCredentialsRoundTripOnSQLite(t *testing.T) {
	e := testEnv()
	e.cfg.DBDriver = infra.DriverSQLite
	e.cfg.SQLitePath = filepath.Join(t.TempDir(), "jobs.db")

	run := func(args ...string) (string, error) {
		cmd := credentialsCmd(e)
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&bytes.Buffer{})
		cmd.SetArgs(args)
		err := cmd.Execute()
		return out.String(), err
	}

	if _, err := run("set", "deepl-pro", "dl-0123456789wxyz"); err != nil {
		t.Fatalf("set: %v", err)
	}
	out, err := run("list")
	if err != nil || !strings.Contains(out, "deepl") || !strings.Contains(out, "****wxyz") {
		t.Fatalf("list = %q, %v", out, err)
	}
	if strings.Contains(out, "dl-0123456789wxyz") {
		t.Fatal("list printed the full key")
	}
	if _, err := run("delete", "deepl"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := run("delete", "deepl"); err == nil {
		t.Fatal("second delete should report a missing key")
	}
	if _, err := run("set", "local", "k"); err == nil {
		t.Fatal("local takes no API key")
	}
}
