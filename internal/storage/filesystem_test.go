package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	key, err := store.Write(ctx, "./jobs//abc/source.txt", []byte("hello"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if key != "jobs/abc/source.txt" {
		t.Fatalf("unexpected key %q", key)
	}
	data, err := store.Read(ctx, key)
	if err != nil || string(data) != "hello" {
		t.Fatalf("Read = %q, %v", data, err)
	}
	if err := store.Remove(ctx, "jobs/abc"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := store.Read(ctx, key); !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
	if err := store.Remove(ctx, "jobs/abc"); err != nil {
		t.Fatalf("removing a missing key must succeed: %v", err)
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "a/b.txt", want: "a/b.txt"},
		{in: `\a\b.txt`, want: "a/b.txt"},
		{in: "/abs/path", want: "abs/path"},
		{in: "a/../b", want: "b"},
		{in: "../escape", wantErr: true},
		{in: "..", wantErr: true},
		{in: " ", wantErr: true},
	}
	for _, tc := range cases {
		got, err := sanitizeKey(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("sanitizeKey(%q) expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("sanitizeKey(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestWriteReplacesWithoutLeavingTempFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewFileStore(root)
	if err != nil {
		t.Fatal(err)
	}
	for _, body := range []string{"first", "second"} {
		if _, err := store.Write(ctx, "jobs/x/output.txt", []byte(body)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	data, _ := store.Read(ctx, "jobs/x/output.txt")
	if string(data) != "second" {
		t.Fatalf("Read = %q", data)
	}
	entries, err := os.ReadDir(filepath.Join(root, "jobs", "x"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("directory holds %d entries (%v)", len(entries), err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := store.Write(cancelled, "jobs/y", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}
