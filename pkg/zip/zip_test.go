package zip

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"
)

func TestArchive(t *testing.T) {
	raw, err := Archive([]Entry{
		{Name: "output.txt", Data: []byte("Hallo Welt")},
		{Name: "chunks/0001.txt", Data: []byte("Hallo")},
	})
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if len(zr.File) != 2 || zr.File[0].Name != "output.txt" || zr.File[1].Name != "chunks/0001.txt" {
		t.Fatalf("unexpected entries: %v", zr.File)
	}
	f, _ := zr.File[0].Open()
	defer f.Close()
	body, _ := io.ReadAll(f)
	if string(body) != "Hallo Welt" {
		t.Fatalf("unexpected body %q", body)
	}
}
